package idempotency

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// DefaultTTL bounds how long a checkout or cancel response stays replayable.
const DefaultTTL = 24 * time.Hour

// EntryState is the lifecycle of a guarded request.
type EntryState string

const (
	EntryPending   EntryState = "pending"
	EntryCompleted EntryState = "completed"
)

// Outcome tells the middleware what to do after claiming a scope.
type Outcome int

const (
	// OutcomeAcquired means the caller owns the scope and must run the handler.
	OutcomeAcquired Outcome = iota + 1
	// OutcomeReplay means a completed response exists for the same request.
	OutcomeReplay
	// OutcomeInFlight means an identical request is still executing.
	OutcomeInFlight
)

// ErrKeyReuse is returned when a key is presented again with a different request.
var ErrKeyReuse = errors.New("idempotency: key reused for a different request")

// StoredResponse is the response captured for replay.
type StoredResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// Entry is what a Store keeps per scope.
type Entry struct {
	Scope       string
	Fingerprint string
	State       EntryState
	Response    StoredResponse
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Claim is the result of Store.Claim.
type Claim struct {
	Outcome Outcome
	Entry   Entry
}

// Store persists guarded requests. A scope is the client key combined with the caller
// identity; the fingerprint distinguishes a genuine retry from key reuse.
type Store interface {
	Claim(ctx context.Context, scope, fingerprint string, now time.Time, ttl time.Duration) (Claim, error)
	Complete(ctx context.Context, scope, fingerprint string, resp StoredResponse, now time.Time, ttl time.Duration) error
	Abandon(ctx context.Context, scope, fingerprint string) error
	Sweep(ctx context.Context, now time.Time, limit int) (int, error)
}

func claimExisting(entry Entry, fingerprint string) (Claim, error) {
	if entry.Fingerprint != fingerprint {
		return Claim{}, ErrKeyReuse
	}
	if entry.State == EntryCompleted {
		return Claim{Outcome: OutcomeReplay, Entry: entry}, nil
	}
	return Claim{Outcome: OutcomeInFlight, Entry: entry}, nil
}

// replayableHeader strips hop-by-hop and length headers that must be recomputed on replay.
func replayableHeader(src http.Header) http.Header {
	out := make(http.Header, len(src))
	for name, values := range src {
		switch http.CanonicalHeaderKey(name) {
		case "Content-Length", "Date", "Connection", "Keep-Alive", "Transfer-Encoding", "Upgrade", "Trailer", "Te",
			"Proxy-Authenticate", "Proxy-Authorization", replayHeader:
			continue
		}
		out[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
	}
	return out
}
