package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardline/internal/db"
	"boardline/internal/domain"
	"boardline/internal/engine"
	"boardline/internal/filter"
	"boardline/internal/migrate"
	"boardline/internal/mutation"
	"boardline/internal/remote"
	"boardline/internal/store"
)

const testSecret = "test-secret"

type testServer struct {
	*httptest.Server
	Engine engine.Engine
	Client *remote.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	e := engine.New(conn)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, DevAuth: true},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	client := remote.New(srv.URL, 5*time.Second)
	client.HTTPClient = srv.Client()
	return &testServer{Server: srv, Engine: e, Client: client}
}

func (s *testServer) login(t *testing.T, owner, tenant string) domain.Principal {
	t.Helper()
	token, err := s.Client.DevLogin(context.Background(), owner, tenant)
	require.NoError(t, err)
	return domain.Principal{OwnerID: owner, TenantID: tenant, Token: token}
}

func decodeError(t *testing.T, resp *http.Response) apiErrorBody {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &envelope), string(body))
	return envelope.Error
}

func TestHealthIsPublic(t *testing.T) {
	s := newTestServer(t)
	resp, err := s.Client.HTTPClient.Get(s.URL + "/v0/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMissingCredentialsUseErrorEnvelope(t *testing.T) {
	s := newTestServer(t)
	resp, err := s.Client.HTTPClient.Get(s.URL + "/v0/activities")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "not_authenticated", decodeError(t, resp).Code)

	_, _, err = s.Client.Select(context.Background(), "activities", domain.Principal{OwnerID: "x", Token: "garbage"}, filter.Query{})
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)
}

func TestRowRoundTripThroughClient(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	alice := s.login(t, "alice", "acme")

	created, err := s.Client.Insert(ctx, "activities", alice, domain.Entity{Fields: domain.Fields{Title: "Demo", Tags: []string{"x"}}})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "pending", created.GroupKey)
	assert.Equal(t, "alice", created.OwnerID)

	got, err := s.Client.Get(ctx, "activities", alice, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, []string{"x"}, got.Fields.Tags)

	updated, err := s.Client.Update(ctx, "activities", alice, created.ID, domain.StatusPatch("completed"))
	require.NoError(t, err)
	assert.Equal(t, "completed", updated.GroupKey)

	rows, total, err := s.Client.Select(ctx, "activities", alice, filter.Query{Search: "demo", Equals: map[string]string{"status": "completed"}})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, rows, 1)

	require.NoError(t, s.Client.Delete(ctx, "activities", alice, created.ID))
	_, err = s.Client.Get(ctx, "activities", alice, created.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestErrorKindsSurviveTheWire(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	alice := s.login(t, "alice", "acme")
	bob := s.login(t, "bob", "acme")
	row, err := s.Client.Insert(ctx, "activities", alice, domain.Entity{Fields: domain.Fields{Title: "mine"}})
	require.NoError(t, err)

	_, err = s.Client.Update(ctx, "activities", bob, row.ID, domain.StatusPatch("completed"))
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	_, err = s.Client.Insert(ctx, "activities", alice, domain.Entity{Fields: domain.Fields{Title: "   "}})
	assert.ErrorIs(t, err, domain.ErrValidation)

	bad := 150
	_, err = s.Client.Update(ctx, "activities", alice, row.ID, domain.Patch{Progress: &bad})
	assert.ErrorIs(t, err, domain.ErrValidation)

	err = s.Client.Delete(ctx, "activities", alice, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, _, err = s.Client.Select(ctx, "activities", alice, filter.Query{Sort: []filter.SortKey{{Field: "bogus"}}})
	assert.ErrorIs(t, err, domain.ErrValidation)

	var apiErr *remote.APIError
	_, err = s.Client.Get(ctx, "widgets", alice, "1")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
}

func TestAPIKeyAuthenticatesRequests(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	alice := s.login(t, "alice", "acme")

	key, err := s.Client.CreateAPIKey(ctx, alice, "ci")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(key.Key, engine.APIKeyPrefix))

	viaKey := domain.Principal{OwnerID: "alice", APIKey: key.Key}
	_, err = s.Client.Insert(ctx, "projects", viaKey, domain.Entity{Fields: domain.Fields{Title: "keyed"}})
	require.NoError(t, err)

	rows, total, err := s.Client.Select(ctx, "projects", alice, filter.Query{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "acme", rows[0].TenantID)
}

func TestEventsArePagedNewestFirst(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	alice := s.login(t, "alice", "")
	for _, title := range []string{"one", "two", "three"} {
		_, err := s.Client.Insert(ctx, "activities", alice, domain.Entity{Fields: domain.Fields{Title: title}})
		require.NoError(t, err)
	}

	page, err := s.Client.EventsPage(ctx, alice, 2, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "three", page.Items[0].Payload["title"])
	require.NotEmpty(t, page.NextCursor)

	rest, err := s.Client.EventsPage(ctx, alice, 2, page.NextCursor)
	require.NoError(t, err)
	require.Len(t, rest.Items, 1)
	assert.Equal(t, "one", rest.Items[0].Payload["title"])
	assert.Empty(t, rest.NextCursor)
}

func TestDevLoginDisabled(t *testing.T) {
	_, err := New(Config{Auth: AuthConfig{DevAuth: true}})
	assert.Error(t, err)

	handler, err := New(Config{Auth: AuthConfig{JWTSecret: testSecret}})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v0/auth/dev/login", strings.NewReader(`{"owner_id":"a"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.NotEqual(t, http.StatusOK, rec.Code)
}

func TestExpiredTokenIsRejected(t *testing.T) {
	token, err := SignToken(testSecret, "alice", "", time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	_, err = authenticateJWT(token, testSecret)
	assert.Error(t, err)

	token, err = SignToken(testSecret, "alice", "acme", time.Hour, time.Now())
	require.NoError(t, err)
	p, err := authenticateJWT(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "acme", p.TenantID)
	_, err = authenticateJWT(token, "other-secret")
	assert.Error(t, err)
}

func TestCoordinatorOverHTTP(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	alice := s.login(t, "alice", "acme")
	st := store.New(s.Client, "activities", store.Options{Timeout: 5 * time.Second})
	t.Cleanup(st.Close)
	_, err := st.Load(ctx, alice, filter.Query{})
	require.NoError(t, err)
	coord := mutation.New(mutation.Config{Store: st, Remote: s.Client, Collection: domain.Activities, Timeout: 5 * time.Second})

	created, err := coord.Create(ctx, alice, "", domain.Fields{Title: "over the wire"})
	require.NoError(t, err)
	assert.False(t, domain.IsTemp(created.ID))

	_, err = coord.SetProgress(ctx, alice, created.ID, 60)
	require.NoError(t, err)
	cached, ok := st.Get(created.ID)
	require.True(t, ok)
	assert.Equal(t, 60, cached.Fields.Progress)

	bad := 300
	_, err = coord.Update(ctx, alice, created.ID, domain.Patch{Progress: &bad})
	assert.ErrorIs(t, err, domain.ErrValidation)
	cached, _ = st.Get(created.ID)
	assert.Equal(t, 60, cached.Fields.Progress)
}
