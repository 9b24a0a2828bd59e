// Package secrets resolves secret:// references through Google Secret Manager, caching
// values in process and falling back to a local dotenv file on machines without
// credentials.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultFallbackPath = ".secrets.local"
	meterName           = "github.com/hanko-field/fulfillment/internal/platform/secrets"
)

// ErrNotFound is returned when neither Secret Manager nor the fallback file has the secret.
var ErrNotFound = errors.New("secrets: not found")

var newSecretManagerClient = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

var retryTransient = gax.WithRetry(func() gax.Retryer {
	return gax.OnCodes([]codes.Code{codes.Unavailable, codes.ResourceExhausted}, gax.Backoff{
		Initial:    100 * time.Millisecond,
		Max:        2 * time.Second,
		Multiplier: 2,
	})
})

// versionAccessor is the subset of the Secret Manager client the fetcher calls.
type versionAccessor interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret references. It is safe for concurrent use; concurrent lookups
// of the same reference share one remote call.
type Fetcher struct {
	remote     versionAccessor
	ownsRemote bool
	project    string
	logger     *zap.Logger

	fallbackPath string
	fallback     func() (map[string]string, error)

	calls singleflight.Group
	mu    sync.RWMutex
	cache map[string]string

	duration metric.Float64Histogram
}

type settings struct {
	logger       *zap.Logger
	project      string
	fallbackPath string
	meter        metric.Meter
	remote       versionAccessor
	clientOpts   []option.ClientOption
}

// Option customises NewFetcher.
type Option func(*settings)

// WithLogger sets the diagnostic logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithProject sets the project used by references without ?project=.
func WithProject(projectID string) Option {
	return func(s *settings) { s.project = strings.TrimSpace(projectID) }
}

// WithFallbackFile sets the dotenv file consulted when Secret Manager cannot answer.
// An empty path disables the fallback.
func WithFallbackFile(path string) Option {
	return func(s *settings) { s.fallbackPath = strings.TrimSpace(path) }
}

// WithMeter sets the meter for the resolve duration histogram.
func WithMeter(m metric.Meter) Option {
	return func(s *settings) { s.meter = m }
}

// WithSecretManagerClient uses client instead of dialing Secret Manager.
func WithSecretManagerClient(client versionAccessor) Option {
	return func(s *settings) { s.remote = client }
}

// WithClientOptions are passed to the Secret Manager client when NewFetcher dials it.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(s *settings) { s.clientOpts = append(s.clientOpts, opts...) }
}

// NewFetcher builds a Fetcher. Secret Manager is only dialed when a project is set, and a
// failed dial leaves the fetcher running on the fallback file alone.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	s := settings{fallbackPath: defaultFallbackPath}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.meter == nil {
		s.meter = otel.GetMeterProvider().Meter(meterName)
	}

	f := &Fetcher{
		remote:       s.remote,
		project:      s.project,
		logger:       s.logger,
		fallbackPath: s.fallbackPath,
		cache:        make(map[string]string),
	}
	f.fallback = sync.OnceValues(f.readFallback)

	histogram, err := s.meter.Float64Histogram("secrets.resolve.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Time spent resolving a secret reference"))
	if err != nil {
		s.logger.Warn("secrets: duration histogram unavailable", zap.Error(err))
	}
	f.duration = histogram

	if f.remote == nil && f.project != "" {
		client, err := newSecretManagerClient(ctx, s.clientOpts...)
		if err != nil {
			s.logger.Warn("secrets: secret manager unavailable, using fallback file only", zap.Error(err))
		} else {
			f.remote, f.ownsRemote = client, true
		}
	}
	return f, nil
}

// Close closes the Secret Manager client if NewFetcher dialed it.
func (f *Fetcher) Close() error {
	if !f.ownsRemote || f.remote == nil {
		return nil
	}
	return f.remote.Close()
}

// Resolve returns the value behind raw. Secret Manager is asked first; the fallback file is
// consulted only when the remote is missing, unreachable or refuses the caller. A NotFound
// from Secret Manager is final.
func (f *Fetcher) Resolve(ctx context.Context, raw string) (string, error) {
	ref, err := ParseReference(raw)
	if err != nil {
		return "", err
	}
	key := ref.cacheKey()

	f.mu.RLock()
	value, cached := f.cache[key]
	f.mu.RUnlock()
	if cached {
		f.observe(ctx, time.Now(), "cache", nil)
		return value, nil
	}

	v, err, _ := f.calls.Do(key, func() (any, error) {
		started := time.Now()
		value, source, err := f.lookup(ctx, ref)
		f.observe(ctx, started, source, err)
		if err != nil {
			return "", err
		}
		f.mu.Lock()
		f.cache[key] = value
		f.mu.Unlock()
		return value, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (f *Fetcher) lookup(ctx context.Context, ref Reference) (string, string, error) {
	project := f.project
	if ref.Project != "" {
		project = ref.Project
	}
	if f.remote != nil && project != "" {
		name := ref.resource(project)
		resp, err := f.remote.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name}, retryTransient)
		switch {
		case err == nil && resp.GetPayload() != nil:
			return string(resp.GetPayload().GetData()), "remote", nil
		case err == nil:
			return "", "remote", fmt.Errorf("secrets: empty payload for %s", ref.fingerprint())
		case !canFallBack(err):
			return "", "remote", fmt.Errorf("secrets: access %s: %w", ref.fingerprint(), err)
		}
		f.logger.Debug("secrets: using fallback file", zap.String("secret", ref.fingerprint()), zap.Error(err))
	}

	values, err := f.fallback()
	if err != nil {
		return "", "fallback", err
	}
	for _, k := range ref.envKeys() {
		if v, ok := values[k]; ok {
			return v, "fallback", nil
		}
	}
	return "", "fallback", fmt.Errorf("%w: %s (%s)", ErrNotFound, ref.fingerprint(), ref.envKeys()[0])
}

func (f *Fetcher) readFallback() (map[string]string, error) {
	if f.fallbackPath == "" {
		return map[string]string{}, nil
	}
	values, err := godotenv.Read(f.fallbackPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return map[string]string{}, nil
	case err != nil:
		return nil, fmt.Errorf("secrets: read fallback file %s: %w", f.fallbackPath, err)
	}
	return values, nil
}

func (f *Fetcher) observe(ctx context.Context, started time.Time, source string, err error) {
	if f.duration == nil {
		return
	}
	f.duration.Record(ctx, float64(time.Since(started).Microseconds())/1000,
		metric.WithAttributes(attribute.String("source", source), attribute.Bool("error", err != nil)))
}

func canFallBack(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}
