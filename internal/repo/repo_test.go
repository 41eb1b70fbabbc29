package repo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardline/internal/db"
	"boardline/internal/domain"
	"boardline/internal/filter"
	"boardline/internal/migrate"
)

func newRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	return Repo{DB: conn}
}

func seedRow(id, owner, tenant, status string) domain.Entity {
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	return domain.Entity{ID: id, OwnerID: owner, TenantID: tenant, GroupKey: status, CreatedAt: at, UpdatedAt: at,
		Fields: domain.Fields{Title: "row " + id}}
}

func TestScopeLimitsSelectAndCounts(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	for _, e := range []domain.Entity{
		seedRow("a", "alice", "acme", "pending"),
		seedRow("b", "bob", "acme", "pending"),
		seedRow("c", "carol", "", "completed"),
		seedRow("d", "alice", "", "completed"),
	} {
		require.NoError(t, r.InsertEntity(ctx, nil, "activities", e))
	}
	require.NoError(t, r.InsertEntity(ctx, nil, "projects", seedRow("a", "alice", "", "planning")))

	rows, total, err := r.SelectEntities(ctx, "activities", Scope{OwnerID: "alice", TenantID: "acme"}, filter.Query{Sort: []filter.SortKey{{Field: "id"}}})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, []string{"a", "b", "d"}, []string{rows[0].ID, rows[1].ID, rows[2].ID})

	_, total, err = r.SelectEntities(ctx, "activities", Scope{OwnerID: "alice"}, filter.Query{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	counts, err := r.CountByStatus(ctx, "activities", Scope{OwnerID: "carol"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"completed": 1}, counts)
}

func TestUpdateAndDeleteMatchOwner(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	e := seedRow("a", "alice", "", "pending")
	require.NoError(t, r.InsertEntity(ctx, nil, "activities", e))

	e.OwnerID = "bob"
	e.GroupKey = "completed"
	assert.ErrorIs(t, r.UpdateEntity(ctx, nil, "activities", e), ErrNotFound)
	assert.ErrorIs(t, r.DeleteEntity(ctx, nil, "activities", "a", "bob"), ErrNotFound)

	e.OwnerID = "alice"
	require.NoError(t, r.UpdateEntity(ctx, nil, "activities", e))
	got, err := r.GetEntity(ctx, nil, "activities", "a")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.GroupKey)

	require.NoError(t, r.DeleteEntity(ctx, nil, "activities", "a", "alice"))
	_, err = r.GetEntity(ctx, nil, "activities", "a")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAPIKeyLifecycle(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	key := domain.APIKey{ID: "k1", OwnerID: "alice", TenantID: "acme", Name: "ci", KeyHash: HashAPIKey(" secret ")}
	require.NoError(t, r.InsertAPIKey(ctx, nil, key))
	assert.Error(t, r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k2", KeyHash: "x"}))

	got, err := r.GetAPIKeyByHash(ctx, HashAPIKey("secret"))
	require.NoError(t, err)
	assert.Equal(t, "acme", got.TenantID)
	assert.Equal(t, "ci", got.Name)

	keys, err := r.ListAPIKeys(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	assert.ErrorIs(t, r.DeleteAPIKey(ctx, "k1", "bob"), ErrNotFound)
	require.NoError(t, r.DeleteAPIKey(ctx, "k1", "alice"))
	_, err = r.GetAPIKeyByHash(ctx, HashAPIKey("secret"))
	assert.ErrorIs(t, err, ErrNotFound)
}
