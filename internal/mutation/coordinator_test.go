package mutation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"boardline/internal/domain"
	"boardline/internal/filter"
	"boardline/internal/kanban"
	"boardline/internal/remote/remotetest"
	"boardline/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	alice = domain.Principal{OwnerID: "alice", TenantID: "acme"}
	t0    = time.Date(2024, 4, 1, 8, 0, 0, 0, time.UTC)
)

func row(id, owner, status string, minute int) domain.Entity {
	at := t0.Add(time.Duration(minute) * time.Minute)
	return domain.Entity{
		ID:        id,
		OwnerID:   owner,
		TenantID:  "acme",
		GroupKey:  status,
		CreatedAt: at,
		UpdatedAt: at,
		Fields:    domain.Fields{Title: "task " + id, Type: "task", Priority: "medium"},
	}
}

type fixture struct {
	fake  *remotetest.Fake
	store *store.Store
	coord *Coordinator

	mu      sync.Mutex
	history []Mutation
}

func setup(t *testing.T, rows ...domain.Entity) *fixture {
	t.Helper()
	f := &fixture{fake: remotetest.New()}
	f.fake.Seed("activities", rows...)
	f.store = store.New(f.fake, "activities", store.Options{})
	t.Cleanup(f.store.Close)
	_, err := f.store.Load(context.Background(), alice, filter.Query{})
	require.NoError(t, err)
	f.coord = New(Config{
		Store:      f.store,
		Remote:     f.fake,
		Collection: domain.Activities,
		Timeout:    time.Second,
		Observer: func(m Mutation) {
			f.mu.Lock()
			f.history = append(f.history, m)
			f.mu.Unlock()
		},
	})
	return f
}

func (f *fixture) aliasCount() int {
	f.coord.aliasMu.Lock()
	defer f.coord.aliasMu.Unlock()
	return len(f.coord.aliases)
}

func (f *fixture) states() []State {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]State, len(f.history))
	for i, m := range f.history {
		out[i] = m.State
	}
	return out
}

func failWith(op remotetest.Op, err error) func(context.Context, remotetest.Op, string, string) error {
	return func(_ context.Context, got remotetest.Op, _, _ string) error {
		if got == op {
			return err
		}
		return nil
	}
}

func TestCreateConfirmsWithServerID(t *testing.T) {
	f := setup(t)
	f.fake.NewID = func() string { return "abc123" }

	seen := make(chan []domain.Entity, 1)
	f.fake.Hook = func(_ context.Context, op remotetest.Op, _, _ string) error {
		if op == remotetest.OpInsert {
			seen <- f.store.Snapshot()
		}
		return nil
	}

	got, err := f.coord.Create(context.Background(), alice, "", domain.Fields{Title: "Demo"})
	require.NoError(t, err)
	assert.Equal(t, "abc123", got.ID)

	during := <-seen
	require.Len(t, during, 1)
	assert.True(t, domain.IsTemp(during[0].ID))
	assert.Equal(t, "pending", during[0].GroupKey)
	assert.Equal(t, "Demo", during[0].Fields.Title)
	assert.Nil(t, during[0].Fields.DueDate)

	after := f.store.Snapshot()
	require.Len(t, after, 1)
	assert.Equal(t, "abc123", after[0].ID)
	assert.Equal(t, "Demo", after[0].Fields.Title)
	assert.Equal(t, "alice", after[0].OwnerID)
	_, ok := f.store.Get(during[0].ID)
	assert.False(t, ok)
	prov, _ := f.store.Provenance("abc123")
	assert.Equal(t, store.Confirmed, prov)
	assert.Equal(t, []State{Idle, Applying, Confirmed}, f.states())
}

func TestCreateFailureRemovesProvisional(t *testing.T) {
	f := setup(t, row("a", "alice", "pending", 1))
	before := f.store.Snapshot()
	f.fake.Hook = failWith(remotetest.OpInsert, domain.Errorf(domain.KindPermissionDenied, "insert refused"))

	_, err := f.coord.Create(context.Background(), alice, "", domain.Fields{Title: "Demo"})
	require.Error(t, err)
	assert.Equal(t, domain.KindPermissionDenied, domain.KindOf(err))
	if diff := cmp.Diff(before, f.store.Snapshot()); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []State{Idle, Applying, RolledBack}, f.states())
}

func TestValidationErrorsNeverStage(t *testing.T) {
	f := setup(t, row("a", "alice", "pending", 1))
	before := f.store.Snapshot()
	calls := f.fake.TotalCalls()

	_, err := f.coord.Create(context.Background(), alice, "", domain.Fields{Title: "  "})
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	bad := 150
	_, err = f.coord.Update(context.Background(), alice, "a", domain.Patch{Progress: &bad})
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	_, err = f.coord.Move(context.Background(), alice, "a", "")
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	assert.Equal(t, calls, f.fake.TotalCalls())
	assert.Empty(t, f.states())
	assert.Equal(t, before, f.store.Snapshot())
}

func TestUnauthenticatedCallsAreRejected(t *testing.T) {
	f := setup(t, row("a", "alice", "pending", 1))
	before := f.store.Snapshot()
	calls := f.fake.TotalCalls()
	anon := domain.Principal{}

	_, err := f.coord.Create(context.Background(), anon, "", domain.Fields{Title: "x"})
	assert.True(t, errors.Is(err, domain.ErrNotAuthenticated))
	_, err = f.coord.Move(context.Background(), anon, "a", "completed")
	assert.True(t, errors.Is(err, domain.ErrNotAuthenticated))
	assert.True(t, errors.Is(f.coord.Delete(context.Background(), anon, "a"), domain.ErrNotAuthenticated))

	assert.Equal(t, calls, f.fake.TotalCalls())
	assert.Equal(t, before, f.store.Snapshot())
}

// A failed update, delete or move leaves the snapshot exactly as it was.
func TestFailedMutationsRollBack(t *testing.T) {
	title := "renamed"
	cases := map[string]struct {
		op  remotetest.Op
		run func(c *Coordinator) error
	}{
		"update": {remotetest.OpUpdate, func(c *Coordinator) error {
			_, err := c.Update(context.Background(), alice, "b", domain.Patch{Title: &title})
			return err
		}},
		"move": {remotetest.OpUpdate, func(c *Coordinator) error {
			_, err := c.Move(context.Background(), alice, "b", "completed")
			return err
		}},
		"delete": {remotetest.OpDelete, func(c *Coordinator) error {
			return c.Delete(context.Background(), alice, "b")
		}},
		"progress": {remotetest.OpUpdate, func(c *Coordinator) error {
			_, err := c.SetProgress(context.Background(), alice, "b", 80)
			return err
		}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := setup(t, row("a", "alice", "pending", 1), row("b", "alice", "pending", 2), row("c", "alice", "in_progress", 3))
			before := f.store.Snapshot()
			f.fake.Hook = failWith(tc.op, errors.New("dial tcp: connection refused"))

			err := tc.run(f.coord)
			require.Error(t, err)
			assert.Equal(t, domain.KindRemoteUnavailable, domain.KindOf(err))
			if diff := cmp.Diff(before, f.store.Snapshot()); diff != "" {
				t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
			}
			prov, ok := f.store.Provenance("b")
			require.True(t, ok)
			assert.Equal(t, store.Confirmed, prov)
			assert.Equal(t, []State{Idle, Applying, RolledBack}, f.states())
		})
	}
}

func TestOptimisticStateVisibleWhilePending(t *testing.T) {
	f := setup(t, row("a", "alice", "pending", 1))
	entered := make(chan struct{})
	release := make(chan struct{})
	f.fake.Hook = func(_ context.Context, op remotetest.Op, _, _ string) error {
		if op == remotetest.OpUpdate {
			close(entered)
			<-release
		}
		return nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.coord.Move(context.Background(), alice, "a", "completed")
		done <- err
	}()
	<-entered
	got, _ := f.store.Get("a")
	assert.Equal(t, "completed", got.GroupKey)
	prov, _ := f.store.Provenance("a")
	assert.Equal(t, store.Optimistic, prov)
	close(release)
	require.NoError(t, <-done)

	prov, _ = f.store.Provenance("a")
	assert.Equal(t, store.Confirmed, prov)
	stored, _ := f.fake.Row("activities", "a")
	assert.Equal(t, "completed", stored.GroupKey)
}

func TestMoveToSameStatusIsNoop(t *testing.T) {
	f := setup(t, row("a", "alice", "in_progress", 1))
	before := f.store.Snapshot()
	calls := f.fake.TotalCalls()

	got, err := f.coord.Move(context.Background(), alice, "a", "in_progress")
	require.NoError(t, err)
	assert.Equal(t, "in_progress", got.GroupKey)
	assert.Equal(t, calls, f.fake.TotalCalls())
	assert.Equal(t, before, f.store.Snapshot())
	assert.Empty(t, f.states())
}

func TestRemoteOwnershipIsEnforced(t *testing.T) {
	// bob's row is readable through the shared tenant but not writable
	f := setup(t, row("b1", "bob", "pending", 1))
	before := f.store.Snapshot()
	require.Len(t, before, 1)

	_, err := f.coord.Move(context.Background(), alice, "b1", "completed")
	assert.True(t, errors.Is(err, domain.ErrPermissionDenied))
	assert.Equal(t, before, f.store.Snapshot())

	err = f.coord.Delete(context.Background(), alice, "b1")
	assert.True(t, errors.Is(err, domain.ErrPermissionDenied))
	assert.Equal(t, before, f.store.Snapshot())
}

func TestVanishedRowRollsBack(t *testing.T) {
	f := setup(t, row("a", "alice", "pending", 1))
	before := f.store.Snapshot()
	// deleted by someone else after our load
	f.fake.Hook = failWith(remotetest.OpUpdate, domain.Errorf(domain.KindNotFound, "activities a not found"))

	_, err := f.coord.ToggleUrgent(context.Background(), alice, "a", true)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	assert.Equal(t, before, f.store.Snapshot())

	_, err = f.coord.Update(context.Background(), alice, "missing", domain.StatusPatch("completed"))
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestRemoteTimeoutRollsBack(t *testing.T) {
	f := setup(t, row("a", "alice", "pending", 1))
	f.coord.timeout = 20 * time.Millisecond
	before := f.store.Snapshot()
	f.fake.Hook = func(ctx context.Context, op remotetest.Op, _, _ string) error {
		if op == remotetest.OpDelete {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}

	err := f.coord.Delete(context.Background(), alice, "a")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrRemoteUnavailable))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, before, f.store.Snapshot())
}

func TestSameEntityMutationsRunInOrder(t *testing.T) {
	f := setup(t, row("a", "alice", "pending", 1))
	entered := make(chan struct{}, 4)
	release := make(chan struct{})
	var (
		mu     sync.Mutex
		titles []string
	)
	f.fake.Hook = func(_ context.Context, op remotetest.Op, _, _ string) error {
		if op != remotetest.OpUpdate {
			return nil
		}
		entered <- struct{}{}
		<-release
		return nil
	}
	f.coord.observer = func(m Mutation) {
		if m.State == Applying {
			e, _ := f.store.Get("a")
			mu.Lock()
			titles = append(titles, e.Fields.Title)
			mu.Unlock()
		}
	}

	first, second := "first", "second"
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := f.coord.Update(context.Background(), alice, "a", domain.Patch{Title: &first})
		assert.NoError(t, err)
	}()
	<-entered
	go func() {
		defer wg.Done()
		_, err := f.coord.Update(context.Background(), alice, "a", domain.Patch{Title: &second})
		assert.NoError(t, err)
	}()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, f.fake.Calls(remotetest.OpUpdate))
	close(release)
	wg.Wait()

	assert.Equal(t, 2, f.fake.Calls(remotetest.OpUpdate))
	assert.Equal(t, []string{"first", "second"}, titles)
	got, _ := f.store.Get("a")
	assert.Equal(t, "second", got.Fields.Title)
	stored, _ := f.fake.Row("activities", "a")
	assert.Equal(t, "second", stored.Fields.Title)
}

func TestUpdateQueuedBehindCreateReachesServerRow(t *testing.T) {
	f := setup(t)
	f.fake.NewID = func() string { return "srv-1" }
	provisional := make(chan string, 1)
	release := make(chan struct{})
	f.fake.Hook = func(_ context.Context, op remotetest.Op, _, _ string) error {
		if op == remotetest.OpInsert {
			provisional <- f.store.Snapshot()[0].ID
			<-release
		}
		return nil
	}

	created := make(chan error, 1)
	go func() {
		_, err := f.coord.Create(context.Background(), alice, "", domain.Fields{Title: "Demo"})
		created <- err
	}()
	tempID := <-provisional

	moved := make(chan error, 1)
	go func() {
		_, err := f.coord.Move(context.Background(), alice, tempID, "completed")
		moved <- err
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	require.NoError(t, <-created)
	require.NoError(t, <-moved)

	snap := f.store.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "srv-1", snap[0].ID)
	assert.Equal(t, "completed", snap[0].GroupKey)
	assert.Zero(t, f.aliasCount())
}

func TestConfirmedCreatesDoNotAccumulateAliases(t *testing.T) {
	f := setup(t)
	for _, title := range []string{"one", "two", "three"} {
		_, err := f.coord.Create(context.Background(), alice, "", domain.Fields{Title: title})
		require.NoError(t, err)
	}
	assert.Len(t, f.store.Snapshot(), 3)
	assert.Zero(t, f.aliasCount())
}

func TestGetRefreshesCachedRow(t *testing.T) {
	f := setup(t, row("a", "alice", "pending", 1))
	changed := row("a", "alice", "completed", 1)
	f.fake.Seed("activities", changed)

	got, err := f.coord.Get(context.Background(), alice, "a")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.GroupKey)
	cached, _ := f.store.Get("a")
	assert.Equal(t, "completed", cached.GroupKey)

	f.fake.Hook = failWith(remotetest.OpGet, domain.Errorf(domain.KindNotFound, "gone"))
	_, err = f.coord.Get(context.Background(), alice, "a")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	_, ok := f.store.Get("a")
	assert.False(t, ok)
}

func TestKanbanIntentDrivesMove(t *testing.T) {
	f := setup(t, row("a", "alice", "open", 1))
	board := kanban.DefaultActivityBoard()

	intent, err := board.Move("a", "todo", "done")
	require.NoError(t, err)
	got, err := intent.Apply(context.Background(), f.coord, alice)
	require.NoError(t, err)
	assert.Equal(t, "completed", got.GroupKey)
	assert.Equal(t, map[string]int{"todo": 0, "doing": 0, "done": 1}, board.GroupBy(f.store.Snapshot()).Counts())
}

func TestEnsureTransition(t *testing.T) {
	assert.NoError(t, ensureTransition(Idle, Applying))
	assert.NoError(t, ensureTransition(Applying, Confirmed))
	assert.NoError(t, ensureTransition(Applying, RolledBack))
	assert.Error(t, ensureTransition(Confirmed, RolledBack))
	assert.Error(t, ensureTransition(RolledBack, Applying))
	assert.Error(t, ensureTransition(Idle, Confirmed))
}
