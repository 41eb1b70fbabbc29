package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"boardline/internal/domain"
)

// HashAPIKey returns the hex SHA-256 of the trimmed key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// InsertAPIKey stores key. KeyHash must already be hashed.
func (r Repo) InsertAPIKey(ctx context.Context, tx *sql.Tx, key domain.APIKey) error {
	switch {
	case key.ID == "":
		return errors.New("id required")
	case key.OwnerID == "":
		return errors.New("owner_id required")
	case key.KeyHash == "":
		return errors.New("key_hash required")
	}
	if key.CreatedAt == "" {
		key.CreatedAt = domain.FormatTime(time.Now())
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO api_keys(id,owner_id,tenant_id,name,key_hash,created_at) VALUES (?,?,?,?,?,?)`,
		key.ID, key.OwnerID, nullable(key.TenantID), nullable(key.Name), key.KeyHash, key.CreatedAt)
	return err
}

const apiKeyColumns = `id,owner_id,COALESCE(tenant_id,''),COALESCE(name,''),key_hash,created_at`

func scanAPIKey(row scanner) (domain.APIKey, error) {
	var key domain.APIKey
	err := row.Scan(&key.ID, &key.OwnerID, &key.TenantID, &key.Name, &key.KeyHash, &key.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.APIKey{}, ErrNotFound
	}
	return key, err
}

// GetAPIKeyByHash looks a key up by its hash.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	return scanAPIKey(r.DB.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash=? LIMIT 1`, hash))
}

// ListAPIKeys returns the keys of ownerID, newest first.
func (r Repo) ListAPIKeys(ctx context.Context, ownerID string) ([]domain.APIKey, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE owner_id=? ORDER BY created_at DESC, id DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// DeleteAPIKey removes a key belonging to ownerID.
func (r Repo) DeleteAPIKey(ctx context.Context, id, ownerID string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM api_keys WHERE id=? AND owner_id=?`, id, ownerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
