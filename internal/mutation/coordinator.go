// Package mutation applies changes to a store ahead of the remote and then
// confirms or rolls them back.
package mutation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"boardline/internal/domain"
	"boardline/internal/remote"
	"boardline/internal/store"
)

// DefaultTimeout bounds each remote call when Config.Timeout is zero.
const DefaultTimeout = 15 * time.Second

// Config wires a Coordinator.
type Config struct {
	Store      *store.Store
	Remote     remote.DataStore
	Collection domain.Collection
	Timeout    time.Duration
	Logger     *zap.Logger
	Observer   Observer
	Now        func() time.Time
}

// Coordinator runs optimistic mutations for one collection. Mutations on the
// same entity run one after another in call order; different entities
// proceed concurrently.
type Coordinator struct {
	store    *store.Store
	remote   remote.DataStore
	coll     domain.Collection
	timeout  time.Duration
	log      *zap.Logger
	observer Observer
	now      func() time.Time

	queue   *keyedQueue
	aliasMu sync.Mutex
	// aliases maps confirmed provisional ids to server ids so calls queued
	// behind a create reach the real row. An entry lives until nobody holds
	// or waits for the provisional id's queue slot.
	aliases map[string]string
}

// New returns a Coordinator for cfg.
func New(cfg Config) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	c := &Coordinator{
		store:    cfg.Store,
		remote:   cfg.Remote,
		coll:     cfg.Collection,
		timeout:  cfg.Timeout,
		log:      cfg.Logger.With(zap.String("collection", cfg.Collection.Name)),
		observer: cfg.Observer,
		now:      func() time.Time { return cfg.Now().UTC() },
		aliases:  map[string]string{},
	}
	c.queue = newKeyedQueue(c.dropAlias)
	return c
}

func (c *Coordinator) dropAlias(id string) {
	if !domain.IsTemp(id) {
		return
	}
	c.aliasMu.Lock()
	delete(c.aliases, id)
	c.aliasMu.Unlock()
}

// Store returns the store this coordinator writes to.
func (c *Coordinator) Store() *store.Store { return c.store }

// Create inserts a provisional entity under a temporary id, sends the insert
// and swaps in the server row on success. On failure the provisional entity is
// removed. groupKey may be empty to use the collection default.
func (c *Coordinator) Create(ctx context.Context, p domain.Principal, groupKey string, f domain.Fields) (domain.Entity, error) {
	if !p.Authenticated() {
		return domain.Entity{}, domain.ErrNotAuthenticated
	}
	groupKey, f, err := c.coll.Prepare(groupKey, f)
	if err != nil {
		return domain.Entity{}, err
	}
	now := c.now()
	provisional := domain.Entity{
		ID:        domain.TempIDPrefix + ulid.Make().String(),
		OwnerID:   p.OwnerID,
		TenantID:  p.TenantID,
		GroupKey:  groupKey,
		CreatedAt: now,
		UpdatedAt: now,
		Fields:    f,
	}
	release, err := c.queue.acquire(ctx, provisional.ID)
	if err != nil {
		return domain.Entity{}, domain.AsRemote(err)
	}
	defer release()

	m := c.begin(OpCreate, provisional.ID)
	c.store.StageCreate(provisional)
	c.advance(m, Applying, nil)

	rctx, cancel := c.remoteContext(ctx)
	defer cancel()
	row, err := c.remote.Insert(rctx, c.coll.Name, p, provisional)
	if err != nil {
		err = domain.AsRemote(err)
		c.store.Rollback(provisional.ID, nil)
		c.advance(m, RolledBack, err)
		return domain.Entity{}, err
	}
	c.store.Confirm(provisional.ID, row)
	c.aliasMu.Lock()
	c.aliases[provisional.ID] = row.ID
	c.aliasMu.Unlock()
	m.ConfirmedID = row.ID
	c.advance(m, Confirmed, nil)
	return row, nil
}

// Update merges patch into the cached entity, sends it, and replaces the
// local copy with the server row. On failure the previous copy is restored.
func (c *Coordinator) Update(ctx context.Context, p domain.Principal, id string, patch domain.Patch) (domain.Entity, error) {
	if !p.Authenticated() {
		return domain.Entity{}, domain.ErrNotAuthenticated
	}
	release, id, err := c.lock(ctx, id)
	if err != nil {
		return domain.Entity{}, err
	}
	defer release()
	current, ok := c.store.Get(id)
	if !ok {
		return domain.Entity{}, domain.Errorf(domain.KindNotFound, "%s %s not loaded", c.coll.Name, id)
	}
	if err := c.coll.ValidatePatch(current, patch); err != nil {
		return domain.Entity{}, err
	}
	return c.update(ctx, p, OpUpdate, current, patch)
}

// Move changes only the group key. Moving to the current key is a no-op and
// makes no remote call.
func (c *Coordinator) Move(ctx context.Context, p domain.Principal, id, groupKey string) (domain.Entity, error) {
	if !p.Authenticated() {
		return domain.Entity{}, domain.ErrNotAuthenticated
	}
	if strings.TrimSpace(groupKey) == "" {
		return domain.Entity{}, domain.Errorf(domain.KindValidation, "status cannot be empty")
	}
	release, id, err := c.lock(ctx, id)
	if err != nil {
		return domain.Entity{}, err
	}
	defer release()
	current, ok := c.store.Get(id)
	if !ok {
		return domain.Entity{}, domain.Errorf(domain.KindNotFound, "%s %s not loaded", c.coll.Name, id)
	}
	if current.GroupKey == groupKey {
		return current, nil
	}
	return c.update(ctx, p, OpMove, current, domain.StatusPatch(groupKey))
}

// SetProgress updates the progress percentage.
func (c *Coordinator) SetProgress(ctx context.Context, p domain.Principal, id string, progress int) (domain.Entity, error) {
	return c.Update(ctx, p, id, domain.Patch{Progress: &progress})
}

// ToggleUrgent sets or clears the urgent flag.
func (c *Coordinator) ToggleUrgent(ctx context.Context, p domain.Principal, id string, urgent bool) (domain.Entity, error) {
	return c.Update(ctx, p, id, domain.Patch{IsUrgent: &urgent})
}

func (c *Coordinator) update(ctx context.Context, p domain.Principal, op Op, current domain.Entity, patch domain.Patch) (domain.Entity, error) {
	m := c.begin(op, current.ID)
	optimistic := patch.Apply(current)
	optimistic.UpdatedAt = c.now()
	c.store.StageUpdate(optimistic)
	c.advance(m, Applying, nil)

	rctx, cancel := c.remoteContext(ctx)
	defer cancel()
	row, err := c.remote.Update(rctx, c.coll.Name, p, current.ID, patch)
	if err != nil {
		err = domain.AsRemote(err)
		c.store.Rollback(current.ID, &current)
		c.advance(m, RolledBack, err)
		return domain.Entity{}, err
	}
	c.store.Confirm(current.ID, row)
	m.ConfirmedID = row.ID
	c.advance(m, Confirmed, nil)
	return row, nil
}

// Delete removes the entity locally, sends the delete, and puts the entity
// back at its sorted position if the remote refuses.
func (c *Coordinator) Delete(ctx context.Context, p domain.Principal, id string) error {
	if !p.Authenticated() {
		return domain.ErrNotAuthenticated
	}
	release, id, err := c.lock(ctx, id)
	if err != nil {
		return err
	}
	defer release()
	m := c.begin(OpDelete, id)
	captured, ok := c.store.StageDelete(id)
	if !ok {
		err := domain.Errorf(domain.KindNotFound, "%s %s not loaded", c.coll.Name, id)
		c.advance(m, RolledBack, err)
		return err
	}
	c.advance(m, Applying, nil)

	rctx, cancel := c.remoteContext(ctx)
	defer cancel()
	if err := c.remote.Delete(rctx, c.coll.Name, p, id); err != nil {
		err = domain.AsRemote(err)
		c.store.Rollback(id, &captured)
		c.advance(m, RolledBack, err)
		return err
	}
	c.store.ConfirmDelete(id)
	m.ConfirmedID = id
	c.advance(m, Confirmed, nil)
	return nil
}

// Get reads one row from the remote and refreshes the cached copy, if any.
// A row that no longer exists remotely is dropped from the cache.
func (c *Coordinator) Get(ctx context.Context, p domain.Principal, id string) (domain.Entity, error) {
	if !p.Authenticated() {
		return domain.Entity{}, domain.ErrNotAuthenticated
	}
	release, id, err := c.lock(ctx, id)
	if err != nil {
		return domain.Entity{}, err
	}
	defer release()
	if domain.IsTemp(id) {
		if e, ok := c.store.Get(id); ok {
			return e, nil
		}
		return domain.Entity{}, domain.Errorf(domain.KindNotFound, "%s %s not found", c.coll.Name, id)
	}
	rctx, cancel := c.remoteContext(ctx)
	defer cancel()
	row, err := c.remote.Get(rctx, c.coll.Name, p, id)
	if err != nil {
		err = domain.AsRemote(err)
		if domain.KindOf(err) == domain.KindNotFound {
			c.store.RemoveLocal(id)
		}
		return domain.Entity{}, err
	}
	if _, ok := c.store.Get(id); ok {
		c.store.UpsertLocal(row)
	}
	return row, nil
}

// lock takes id's queue slot, following a confirmed provisional id to the
// server id so both slots are held.
func (c *Coordinator) lock(ctx context.Context, id string) (func(), string, error) {
	release, err := c.queue.acquire(ctx, id)
	if err != nil {
		return nil, "", domain.AsRemote(err)
	}
	c.aliasMu.Lock()
	confirmed, ok := c.aliases[id]
	c.aliasMu.Unlock()
	if !ok {
		return release, id, nil
	}
	releaseReal, err := c.queue.acquire(ctx, confirmed)
	if err != nil {
		release()
		return nil, "", domain.AsRemote(err)
	}
	return func() {
		releaseReal()
		release()
	}, confirmed, nil
}

// remoteContext bounds a remote write. The caller's cancellation is not
// propagated so the local copy always settles on the remote's actual outcome.
func (c *Coordinator) remoteContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
}

func (c *Coordinator) begin(op Op, entityID string) *Mutation {
	m := &Mutation{
		ID:         ulid.Make().String(),
		Op:         op,
		Collection: c.coll.Name,
		EntityID:   entityID,
		State:      Idle,
		StartedAt:  c.now(),
	}
	c.notify(*m)
	return m
}

func (c *Coordinator) advance(m *Mutation, to State, err error) {
	if terr := ensureTransition(m.State, to); terr != nil {
		c.log.Error("mutation state", zap.String("mutation", m.ID), zap.Error(terr))
		return
	}
	m.State = to
	m.Err = err
	if to.Terminal() {
		m.FinishedAt = c.now()
	}
	fields := []zap.Field{
		zap.String("mutation", m.ID),
		zap.String("op", string(m.Op)),
		zap.String("entity", m.EntityID),
		zap.String("state", string(to)),
	}
	switch to {
	case RolledBack:
		c.log.Warn("mutation rolled back", append(fields, zap.String("kind", string(domain.KindOf(err))), zap.Error(err))...)
	case Confirmed:
		c.log.Debug("mutation confirmed", append(fields, zap.String("confirmed_id", m.ConfirmedID), zap.Duration("took", m.FinishedAt.Sub(m.StartedAt)))...)
	default:
		c.log.Debug("mutation applied", fields...)
	}
	c.notify(*m)
}

func (c *Coordinator) notify(m Mutation) {
	if c.observer != nil {
		c.observer(m)
	}
}
