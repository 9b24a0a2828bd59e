package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Collection binds a collection to a provider. Reads and writes join the transaction
// attached to the context via WithTransaction, so repositories need no separate
// transactional code path.
type Collection struct {
	provider *Provider
	name     string
}

// NewCollection constructs a Collection helper.
func NewCollection(provider *Provider, name string) *Collection {
	return &Collection{provider: provider, name: strings.TrimSpace(name)}
}

// Name returns the collection name.
func (c *Collection) Name() string {
	if c == nil {
		return ""
	}
	return c.name
}

// Doc returns the reference for id.
func (c *Collection) Doc(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, WrapError(c.op("document"), errors.New("firestore: document id is required"))
	}
	coll, err := c.ref(ctx)
	if err != nil {
		return nil, err
	}
	return coll.Doc(strings.TrimSpace(id)), nil
}

// Query returns the base query over the collection.
func (c *Collection) Query(ctx context.Context) (firestore.Query, error) {
	coll, err := c.ref(ctx)
	if err != nil {
		return firestore.Query{}, err
	}
	return coll.Query, nil
}

// Get reads a single document. A missing document yields a not-found Error.
func (c *Collection) Get(ctx context.Context, id string) (*firestore.DocumentSnapshot, error) {
	ref, err := c.Doc(ctx, id)
	if err != nil {
		return nil, err
	}
	var snap *firestore.DocumentSnapshot
	if tx, ok := TransactionFromContext(ctx); ok {
		snap, err = tx.Get(ref)
	} else {
		snap, err = ref.Get(ctx)
	}
	if err != nil {
		return nil, WrapError(c.op("get"), err)
	}
	return snap, nil
}

// GetAll reads the distinct ids in one round trip. Missing documents come back as
// snapshots whose Exists reports false.
func (c *Collection) GetAll(ctx context.Context, ids []string) ([]*firestore.DocumentSnapshot, error) {
	unique := dedupeIDs(ids)
	if len(unique) == 0 {
		return nil, nil
	}
	coll, err := c.ref(ctx)
	if err != nil {
		return nil, err
	}
	refs := make([]*firestore.DocumentRef, 0, len(unique))
	for _, id := range unique {
		refs = append(refs, coll.Doc(id))
	}

	var snaps []*firestore.DocumentSnapshot
	if tx, ok := TransactionFromContext(ctx); ok {
		snaps, err = tx.GetAll(refs)
	} else {
		client, cerr := c.provider.Client(ctx)
		if cerr != nil {
			return nil, cerr
		}
		snaps, err = client.GetAll(ctx, refs)
	}
	if err != nil {
		return nil, WrapError(c.op("get_all"), err)
	}
	return snaps, nil
}

// Create writes a new document; an existing id yields a conflict Error.
func (c *Collection) Create(ctx context.Context, id string, data any) error {
	ref, err := c.Doc(ctx, id)
	if err != nil {
		return err
	}
	if tx, ok := TransactionFromContext(ctx); ok {
		err = tx.Create(ref, data)
	} else {
		_, err = ref.Create(ctx, data)
	}
	return WrapError(c.op("create"), err)
}

// Set replaces the document, or merges it when opts request it.
func (c *Collection) Set(ctx context.Context, id string, data any, opts ...firestore.SetOption) error {
	ref, err := c.Doc(ctx, id)
	if err != nil {
		return err
	}
	if tx, ok := TransactionFromContext(ctx); ok {
		err = tx.Set(ref, data, opts...)
	} else {
		_, err = ref.Set(ctx, data, opts...)
	}
	return WrapError(c.op("set"), err)
}

// Update applies field updates to an existing document.
func (c *Collection) Update(ctx context.Context, id string, updates []firestore.Update) error {
	ref, err := c.Doc(ctx, id)
	if err != nil {
		return err
	}
	if tx, ok := TransactionFromContext(ctx); ok {
		err = tx.Update(ref, updates)
	} else {
		_, err = ref.Update(ctx, updates)
	}
	return WrapError(c.op("update"), err)
}

// Each runs q and calls fn for every snapshot in order. Queries never join a
// transaction; list reads are not part of any atomic unit.
func (c *Collection) Each(ctx context.Context, q firestore.Query, fn func(*firestore.DocumentSnapshot) error) error {
	iter := q.Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return WrapError(c.op("query"), err)
		}
		if err := fn(snap); err != nil {
			return err
		}
	}
}

func (c *Collection) ref(ctx context.Context) (*firestore.CollectionRef, error) {
	if c == nil || c.provider == nil {
		return nil, WrapError(c.op("collection"), errors.New("firestore: provider is nil"))
	}
	if c.name == "" {
		return nil, WrapError(c.op("collection"), errors.New("firestore: collection name is required"))
	}
	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(c.name), nil
}

func (c *Collection) op(action string) string {
	name := "firestore"
	if c != nil && c.name != "" {
		name = c.name
	}
	return fmt.Sprintf("%s.%s", name, strings.ToLower(action))
}

func dedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
