// Package store caches one collection on the client. Reads come from memory;
// Load refreshes the cache from the remote, and the optimistic helpers let a
// mutation coordinator stage changes ahead of the remote.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"boardline/internal/domain"
	"boardline/internal/filter"
	"boardline/internal/remote"
)

// DefaultTimeout bounds a Load when Options.Timeout is zero.
const DefaultTimeout = 15 * time.Second

// ErrClosed is returned by Load after Close.
var ErrClosed = errors.New("store closed")

// Provenance tells confirmed rows from locally staged ones.
type Provenance int

const (
	Confirmed Provenance = iota + 1
	Optimistic
)

func (p Provenance) String() string {
	switch p {
	case Confirmed:
		return "confirmed"
	case Optimistic:
		return "optimistic"
	}
	return "unknown"
}

type pendingKind int

const (
	pendingCreate pendingKind = iota + 1
	pendingUpdate
	pendingDelete
)

type entry struct {
	entity domain.Entity
	prov   Provenance
}

// Options configures a Store.
type Options struct {
	Timeout time.Duration
	Logger  *zap.Logger
}

// Store is the in-memory copy of one collection for one session.
type Store struct {
	remote     remote.DataStore
	collection string
	timeout    time.Duration
	log        *zap.Logger

	loads  singleflight.Group
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	entries []entry
	// pending holds staged local changes by id.
	pending map[string]pendingKind
	// recent records confirmations so a load that started before them does
	// not undo them.
	recent  map[string]change
	version uint64
	cmp     filter.Comparator
	gen     uint64
	closed  bool
	// waiting counts Load callers whose context is still live.
	waiting int
}

type change struct {
	version uint64
	deleted bool
}

// New returns an empty store for collection.
func New(ds remote.DataStore, collection string, opts Options) *Store {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	_, cmp, _ := filter.Compile(filter.Query{})
	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		remote:     ds,
		collection: collection,
		timeout:    opts.Timeout,
		log:        opts.Logger.With(zap.String("collection", collection)),
		ctx:        ctx,
		cancel:     cancel,
		pending:    map[string]pendingKind{},
		recent:     map[string]change{},
		cmp:        cmp,
	}
}

// Collection returns the collection name.
func (s *Store) Collection() string { return s.collection }

// Load replaces the contents with the rows visible to p that match q. Paging
// in q is ignored. Calls made while a load is in flight share its result and
// make no network call of their own. The shared result is applied while any
// caller is still waiting for it. On failure the previous contents stay and
// the error is returned.
func (s *Store) Load(ctx context.Context, p domain.Principal, q filter.Query) ([]domain.Entity, error) {
	if !p.Authenticated() {
		return nil, domain.ErrNotAuthenticated
	}
	q = q.Unpaged()
	_, cmp, err := filter.Compile(q)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	closed, gen := s.closed, s.gen
	if !closed {
		s.waiting++
	}
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	defer func() {
		s.mu.Lock()
		s.waiting--
		s.mu.Unlock()
	}()

	ch := s.loads.DoChan("load", func() (any, error) {
		return s.fetch(ctx, p, q, cmp, gen)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			s.log.Debug("load coalesced")
		}
		return cloneAll(res.Val.([]domain.Entity)), nil
	case <-ctx.Done():
		return nil, domain.AsRemote(ctx.Err())
	}
}

func (s *Store) fetch(ctx context.Context, p domain.Principal, q filter.Query, cmp filter.Comparator, gen uint64) ([]domain.Entity, error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	s.mu.RLock()
	since := s.version
	s.mu.RUnlock()

	start := time.Now()
	rows, total, err := s.remote.Select(rctx, s.collection, p, q)
	if err != nil {
		err = domain.AsRemote(err)
		s.log.Warn("load failed, keeping cached rows", zap.Error(err))
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return nil, ErrClosed
	case s.gen != gen:
		s.log.Debug("discarding load from a previous generation")
		return nil, domain.Errorf(domain.KindRemoteUnavailable, "load superseded by reset")
	case s.waiting == 0:
		s.log.Debug("discarding load, every caller is gone")
		return nil, domain.Errorf(domain.KindRemoteUnavailable, "load abandoned by every caller")
	}
	s.cmp = cmp
	s.entries = s.merge(rows, since)
	s.recent = map[string]change{}
	s.log.Debug("loaded",
		zap.Int("rows", len(rows)),
		zap.Int("total", total),
		zap.Int("pending", len(s.pending)),
		zap.Duration("took", time.Since(start)))
	return s.snapshotLocked(), nil
}

// merge combines fresh rows with staged changes and with confirmations that
// landed after the load started. Caller holds mu.
func (s *Store) merge(rows []domain.Entity, since uint64) []entry {
	newer := func(id string) (change, bool) {
		c, ok := s.recent[id]
		return c, ok && c.version > since
	}
	local := make(map[string]entry, len(s.pending))
	for _, e := range s.entries {
		if _, ok := s.pending[e.entity.ID]; ok {
			local[e.entity.ID] = e
			continue
		}
		if _, ok := newer(e.entity.ID); ok {
			local[e.entity.ID] = e
		}
	}
	out := make([]entry, 0, len(rows)+len(local))
	for _, r := range rows {
		if s.pending[r.ID] == pendingDelete {
			continue
		}
		if c, ok := newer(r.ID); ok && c.deleted {
			continue
		}
		if kept, ok := local[r.ID]; ok {
			out = append(out, kept)
			delete(local, r.ID)
			continue
		}
		out = append(out, entry{entity: r.Clone(), prov: Confirmed})
	}
	for _, e := range local {
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return s.cmp(out[i].entity, out[j].entity) < 0 })
	return out
}

// Snapshot returns a copy of the current contents in store order.
func (s *Store) Snapshot() []domain.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() []domain.Entity {
	out := make([]domain.Entity, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.entity.Clone()
	}
	return out
}

// View runs q over the snapshot.
func (s *Store) View(q filter.Query) ([]domain.Entity, int, error) {
	return filter.Apply(s.Snapshot(), q)
}

// Get returns the cached entity with id.
func (s *Store) Get(id string) (domain.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.entries[i].entity.Clone(), true
	}
	return domain.Entity{}, false
}

// Provenance reports whether the cached entity with id is confirmed or staged.
func (s *Store) Provenance(id string) (Provenance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.entries[i].prov, true
	}
	return 0, false
}

// UpsertLocal replaces the entity with e.ID in place, or inserts e at its
// sorted position. It never touches the network.
func (s *Store) UpsertLocal(e domain.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(e, Confirmed)
}

// RemoveLocal drops the entity with id. It never touches the network.
func (s *Store) RemoveLocal(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(id)
}

// StageCreate inserts a provisional entity.
func (s *Store) StageCreate(e domain.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending[e.ID] = pendingCreate
	s.upsertLocked(e, Optimistic)
}

// StageUpdate replaces the cached entity with its optimistic version.
func (s *Store) StageUpdate(e domain.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending[e.ID] = pendingUpdate
	s.upsertLocked(e, Optimistic)
}

// StageDelete hides the entity with id and returns what was removed.
func (s *Store) StageDelete(id string) (domain.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.Entity{}, false
	}
	i := s.indexLocked(id)
	if i < 0 {
		return domain.Entity{}, false
	}
	captured := s.entries[i].entity.Clone()
	s.pending[id] = pendingDelete
	s.removeLocked(id)
	return captured, true
}

// Confirm replaces the staged entity stagedID with the authoritative row.
// stagedID differs from e.ID when a provisional id is swapped for the
// server-assigned one; both changes land in one step.
func (s *Store) Confirm(stagedID string, e domain.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, stagedID)
	delete(s.pending, e.ID)
	if stagedID != e.ID {
		s.removeLocked(stagedID)
	}
	s.upsertLocked(e, Confirmed)
	s.noteLocked(e.ID, false)
}

func (s *Store) noteLocked(id string, deleted bool) {
	s.version++
	s.recent[id] = change{version: s.version, deleted: deleted}
}

// ConfirmDelete forgets the staged delete of id.
func (s *Store) ConfirmDelete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
	s.noteLocked(id, true)
}

// Rollback discards the staged change to id and restores before, or removes
// the entity when before is nil.
func (s *Store) Rollback(id string, before *domain.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
	if before == nil {
		s.removeLocked(id)
		return
	}
	s.upsertLocked(*before, Confirmed)
}

// Reset drops all contents and staged changes. Loads already in flight are
// discarded when they return.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.entries = nil
	s.pending = map[string]pendingKind{}
	s.recent = map[string]change{}
}

// Close detaches the store. In-flight loads are cancelled and later local
// writes are ignored.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
}

func (s *Store) upsertLocked(e domain.Entity, prov Provenance) {
	if s.closed {
		return
	}
	e = e.Clone()
	if i := s.indexLocked(e.ID); i >= 0 {
		s.entries[i] = entry{entity: e, prov: prov}
		return
	}
	at := sort.Search(len(s.entries), func(i int) bool { return s.cmp(s.entries[i].entity, e) > 0 })
	s.entries = append(s.entries, entry{})
	copy(s.entries[at+1:], s.entries[at:])
	s.entries[at] = entry{entity: e, prov: prov}
}

func (s *Store) removeLocked(id string) {
	if s.closed {
		return
	}
	if i := s.indexLocked(id); i >= 0 {
		s.entries = append(s.entries[:i], s.entries[i+1:]...)
	}
}

func (s *Store) indexLocked(id string) int {
	for i, e := range s.entries {
		if e.entity.ID == id {
			return i
		}
	}
	return -1
}

func cloneAll(list []domain.Entity) []domain.Entity {
	out := make([]domain.Entity, len(list))
	for i, e := range list {
		out[i] = e.Clone()
	}
	return out
}
