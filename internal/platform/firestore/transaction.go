package firestore

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"
)

type txContextKey struct{}

// WithTransaction returns a child context carrying tx so Collection calls join it.
func WithTransaction(ctx context.Context, tx *firestore.Transaction) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

// TransactionFromContext returns the transaction attached by WithTransaction, if any.
func TransactionFromContext(ctx context.Context) (*firestore.Transaction, bool) {
	tx, ok := ctx.Value(txContextKey{}).(*firestore.Transaction)
	return tx, ok && tx != nil
}

// RunInTx runs fn in a Firestore transaction whose handle travels on the context. Firestore
// retries fn on contention, so fn must be free of side effects outside the transaction.
// A call made while a transaction is already on ctx joins it instead of nesting. Errors
// returned by fn come back unwrapped so callers can match domain sentinels.
func (p *Provider) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return WrapError("transaction", errors.New("firestore: transaction function is nil"))
	}
	if _, ok := TransactionFromContext(ctx); ok {
		return fn(ctx)
	}
	client, err := p.Client(ctx)
	if err != nil {
		return WrapError("transaction", err)
	}

	txCtx, cancel := context.WithTimeout(ctx, p.txTimeout)
	defer cancel()

	var fnErr error
	err = client.RunTransaction(txCtx, func(ctx context.Context, tx *firestore.Transaction) error {
		fnErr = fn(WithTransaction(ctx, tx))
		return fnErr
	}, firestore.MaxAttempts(p.txAttempts))
	if err == nil {
		return nil
	}
	if fnErr != nil && errors.Is(err, fnErr) {
		return fnErr
	}
	return WrapError("transaction", err)
}
