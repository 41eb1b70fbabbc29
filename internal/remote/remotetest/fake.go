// Package remotetest provides an in-memory remote.DataStore for tests.
package remotetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"boardline/internal/domain"
	"boardline/internal/filter"
	"boardline/internal/remote"
)

// Op names a DataStore method.
type Op string

const (
	OpSelect Op = "select"
	OpGet    Op = "get"
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Fake keeps rows in memory and enforces the same ownership rules as the
// SQLite backend. Hook runs before every call; a non-nil return fails it.
type Fake struct {
	Hook  func(ctx context.Context, op Op, collection, id string) error
	NewID func() string
	Now   func() time.Time

	mu    sync.Mutex
	rows  map[string]map[string]domain.Entity
	calls map[Op]int
	seq   int
}

var _ remote.DataStore = (*Fake)(nil)

// New returns an empty fake.
func New() *Fake {
	return &Fake{
		rows:  map[string]map[string]domain.Entity{},
		calls: map[Op]int{},
	}
}

// Seed stores rows directly, bypassing hooks and counters.
func (f *Fake) Seed(collection string, rows ...domain.Entity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rows[collection] == nil {
		f.rows[collection] = map[string]domain.Entity{}
	}
	for _, r := range rows {
		f.rows[collection][r.ID] = r.Clone()
	}
}

// Row returns the stored row, bypassing scoping.
func (f *Fake) Row(collection, id string) (domain.Entity, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[collection][id]
	return r.Clone(), ok
}

// Calls reports how many times op was invoked, failed calls included.
func (f *Fake) Calls(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// TotalCalls sums Calls over every op.
func (f *Fake) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *Fake) enter(ctx context.Context, op Op, collection, id string, p domain.Principal) error {
	f.mu.Lock()
	f.calls[op]++
	hook := f.Hook
	f.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, op, collection, id); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return domain.AsRemote(err)
	}
	if !p.Authenticated() {
		return domain.ErrNotAuthenticated
	}
	return nil
}

func (f *Fake) now() time.Time {
	if f.Now != nil {
		return f.Now().UTC()
	}
	return time.Now().UTC()
}

func visible(e domain.Entity, p domain.Principal) bool {
	return e.OwnerID == p.OwnerID || (p.TenantID != "" && e.TenantID == p.TenantID)
}

func (f *Fake) Select(ctx context.Context, collection string, p domain.Principal, q filter.Query) ([]domain.Entity, int, error) {
	if err := f.enter(ctx, OpSelect, collection, "", p); err != nil {
		return nil, 0, err
	}
	f.mu.Lock()
	var list []domain.Entity
	for _, e := range f.rows[collection] {
		if visible(e, p) {
			list = append(list, e.Clone())
		}
	}
	f.mu.Unlock()
	return filter.Apply(list, q)
}

func (f *Fake) Get(ctx context.Context, collection string, p domain.Principal, id string) (domain.Entity, error) {
	if err := f.enter(ctx, OpGet, collection, id, p); err != nil {
		return domain.Entity{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.rows[collection][id]
	if !ok || !visible(e, p) {
		return domain.Entity{}, domain.Errorf(domain.KindNotFound, "%s %s not found", collection, id)
	}
	return e.Clone(), nil
}

func (f *Fake) Insert(ctx context.Context, collection string, p domain.Principal, e domain.Entity) (domain.Entity, error) {
	if err := f.enter(ctx, OpInsert, collection, "", p); err != nil {
		return domain.Entity{}, err
	}
	if e.TenantID != "" && e.TenantID != p.TenantID {
		return domain.Entity{}, domain.Errorf(domain.KindPermissionDenied, "cannot share with tenant %s", e.TenantID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("srv-%d", f.seq)
	if f.NewID != nil {
		id = f.NewID()
	}
	now := f.now()
	row := e.Clone()
	row.ID = id
	row.OwnerID = p.OwnerID
	if row.TenantID == "" {
		row.TenantID = p.TenantID
	}
	row.CreatedAt = now
	row.UpdatedAt = now
	if f.rows[collection] == nil {
		f.rows[collection] = map[string]domain.Entity{}
	}
	f.rows[collection][id] = row
	return row.Clone(), nil
}

func (f *Fake) Update(ctx context.Context, collection string, p domain.Principal, id string, patch domain.Patch) (domain.Entity, error) {
	if err := f.enter(ctx, OpUpdate, collection, id, p); err != nil {
		return domain.Entity{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	e, err := f.owned(collection, id, p)
	if err != nil {
		return domain.Entity{}, err
	}
	row := patch.Apply(e)
	row.UpdatedAt = f.now()
	f.rows[collection][id] = row
	return row.Clone(), nil
}

func (f *Fake) Delete(ctx context.Context, collection string, p domain.Principal, id string) error {
	if err := f.enter(ctx, OpDelete, collection, id, p); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.owned(collection, id, p); err != nil {
		return err
	}
	delete(f.rows[collection], id)
	return nil
}

func (f *Fake) owned(collection, id string, p domain.Principal) (domain.Entity, error) {
	e, ok := f.rows[collection][id]
	if !ok {
		return domain.Entity{}, domain.Errorf(domain.KindNotFound, "%s %s not found", collection, id)
	}
	if e.OwnerID != p.OwnerID {
		return domain.Entity{}, domain.Errorf(domain.KindPermissionDenied, "%s %s belongs to another owner", collection, id)
	}
	return e, nil
}
