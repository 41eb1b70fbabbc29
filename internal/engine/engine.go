// Package engine is the SQLite-backed row service. It implements
// remote.DataStore directly so the client layer can run against a local
// database, and it backs the HTTP server.
package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"boardline/internal/domain"
	"boardline/internal/events"
	"boardline/internal/filter"
	"boardline/internal/remote"
	"boardline/internal/repo"
)

// APIKeyPrefix starts every minted key.
const APIKeyPrefix = "bl_"

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
	NewID  func() string
}

var _ remote.DataStore = Engine{}

func New(db *sql.DB) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{Now: time.Now},
		Now:    time.Now,
		NewID:  uuid.NewString,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func authorize(p domain.Principal, collection string) (domain.Collection, error) {
	if !p.Authenticated() {
		return domain.Collection{}, domain.ErrNotAuthenticated
	}
	return domain.LookupCollection(collection)
}

func visible(row domain.Entity, p domain.Principal) bool {
	return row.OwnerID == p.OwnerID || (p.TenantID != "" && row.TenantID == p.TenantID)
}

// ensureOwner guards every write: only the owner may change a row.
func ensureOwner(row domain.Entity, p domain.Principal, collection string) error {
	if row.OwnerID != p.OwnerID {
		return domain.Errorf(domain.KindPermissionDenied, "%s %s belongs to another owner", collection, row.ID)
	}
	return nil
}

func notFound(err error, collection, id string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Errorf(domain.KindNotFound, "%s %s not found", collection, id)
	}
	return err
}

func (e Engine) Select(ctx context.Context, collection string, p domain.Principal, q filter.Query) ([]domain.Entity, int, error) {
	if _, err := authorize(p, collection); err != nil {
		return nil, 0, err
	}
	return e.Repo.SelectEntities(ctx, collection, repo.ScopeOf(p), q)
}

func (e Engine) Get(ctx context.Context, collection string, p domain.Principal, id string) (domain.Entity, error) {
	if _, err := authorize(p, collection); err != nil {
		return domain.Entity{}, err
	}
	row, err := e.Repo.GetEntity(ctx, nil, collection, id)
	if err != nil {
		return domain.Entity{}, notFound(err, collection, id)
	}
	if !visible(row, p) {
		return domain.Entity{}, domain.Errorf(domain.KindNotFound, "%s %s not found", collection, id)
	}
	return row, nil
}

// Insert stores a new row owned by p. The engine assigns id and timestamps.
func (e Engine) Insert(ctx context.Context, collection string, p domain.Principal, in domain.Entity) (domain.Entity, error) {
	c, err := authorize(p, collection)
	if err != nil {
		return domain.Entity{}, err
	}
	groupKey, fields, err := c.Prepare(in.GroupKey, in.Fields)
	if err != nil {
		return domain.Entity{}, err
	}
	tenant := in.TenantID
	if tenant == "" {
		tenant = p.TenantID
	}
	if tenant != p.TenantID {
		return domain.Entity{}, domain.Errorf(domain.KindPermissionDenied, "cannot share with tenant %s", tenant)
	}
	now := e.now()
	row := domain.Entity{
		ID:        e.newID(),
		OwnerID:   p.OwnerID,
		TenantID:  tenant,
		GroupKey:  groupKey,
		CreatedAt: now,
		UpdatedAt: now,
		Fields:    fields,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Entity{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertEntity(ctx, tx, collection, row); err != nil {
		return domain.Entity{}, fmt.Errorf("insert %s: %w", collection, err)
	}
	payload := events.Payload{"status": row.GroupKey, "title": row.Fields.Title}
	if err := e.Events.Append(ctx, tx, events.TypeCreated, collection, row.ID, p, payload); err != nil {
		return domain.Entity{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Entity{}, err
	}
	return row, nil
}

// Update applies patch to a row owned by p.
func (e Engine) Update(ctx context.Context, collection string, p domain.Principal, id string, patch domain.Patch) (domain.Entity, error) {
	c, err := authorize(p, collection)
	if err != nil {
		return domain.Entity{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Entity{}, err
	}
	defer tx.Rollback()

	current, err := e.Repo.GetEntity(ctx, tx, collection, id)
	if err != nil {
		return domain.Entity{}, notFound(err, collection, id)
	}
	if err := ensureOwner(current, p, collection); err != nil {
		return domain.Entity{}, err
	}
	if err := c.ValidatePatch(current, patch); err != nil {
		return domain.Entity{}, err
	}
	row := patch.Apply(current)
	row.Fields.Title = strings.TrimSpace(row.Fields.Title)
	row.UpdatedAt = e.now()
	if err := e.Repo.UpdateEntity(ctx, tx, collection, row); err != nil {
		return domain.Entity{}, notFound(err, collection, id)
	}
	payload := events.PatchPayload(patch)
	if patch.GroupKey != nil && *patch.GroupKey != current.GroupKey {
		payload["from_status"] = current.GroupKey
	}
	if err := e.Events.Append(ctx, tx, events.TypeUpdated, collection, id, p, payload); err != nil {
		return domain.Entity{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Entity{}, err
	}
	return row, nil
}

func (e Engine) Delete(ctx context.Context, collection string, p domain.Principal, id string) error {
	if _, err := authorize(p, collection); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	current, err := e.Repo.GetEntity(ctx, tx, collection, id)
	if err != nil {
		return notFound(err, collection, id)
	}
	if err := ensureOwner(current, p, collection); err != nil {
		return err
	}
	if err := e.Repo.DeleteEntity(ctx, tx, collection, id, p.OwnerID); err != nil {
		return notFound(err, collection, id)
	}
	if err := e.Events.Append(ctx, tx, events.TypeDeleted, collection, id, p, events.Payload{"title": current.Fields.Title}); err != nil {
		return err
	}
	return tx.Commit()
}

// StatusCounts returns how many rows in scope sit in each status.
func (e Engine) StatusCounts(ctx context.Context, collection string, p domain.Principal) (map[string]int, error) {
	if _, err := authorize(p, collection); err != nil {
		return nil, err
	}
	return e.Repo.CountByStatus(ctx, collection, repo.ScopeOf(p))
}

// EventsPage returns up to limit events older than cursor and the cursor of
// the next page, empty on the last one.
func (e Engine) EventsPage(ctx context.Context, p domain.Principal, collection string, limit int, cursor int64) ([]domain.Event, string, error) {
	if !p.Authenticated() {
		return nil, "", domain.ErrNotAuthenticated
	}
	if limit <= 0 {
		limit = 50
	}
	items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursor, repo.ScopeOf(p), collection)
	if err != nil {
		return nil, "", err
	}
	next := ""
	if len(items) > limit {
		next = fmt.Sprintf("%d", items[limit-1].ID)
		items = items[:limit]
	}
	return items, next, nil
}

// CreateAPIKey mints a key for p and returns it with its plaintext value,
// which is not stored.
func (e Engine) CreateAPIKey(ctx context.Context, p domain.Principal, name string) (domain.APIKey, string, error) {
	if !p.Authenticated() {
		return domain.APIKey{}, "", domain.ErrNotAuthenticated
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", fmt.Errorf("generate api key: %w", err)
	}
	plain := APIKeyPrefix + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        e.newID(),
		OwnerID:   p.OwnerID,
		TenantID:  p.TenantID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: domain.FormatTime(e.now()),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plain, nil
}

// Authenticate resolves an API key to the principal that minted it.
func (e Engine) Authenticate(ctx context.Context, key string) (domain.Principal, error) {
	if strings.TrimSpace(key) == "" {
		return domain.Principal{}, domain.ErrNotAuthenticated
	}
	stored, err := e.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Principal{}, domain.Errorf(domain.KindNotAuthenticated, "unknown api key")
	}
	if err != nil {
		return domain.Principal{}, err
	}
	return domain.Principal{OwnerID: stored.OwnerID, TenantID: stored.TenantID, APIKey: key}, nil
}
