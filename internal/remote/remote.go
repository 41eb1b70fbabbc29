// Package remote defines the row service the client layer talks to and an
// HTTP implementation of it.
package remote

import (
	"context"

	"boardline/internal/domain"
	"boardline/internal/filter"
)

// DataStore is a table-like row service. Every call carries the acting
// principal; the service enforces row ownership on its own.
type DataStore interface {
	// Select returns the rows visible to p that match q, plus the match count
	// before pagination.
	Select(ctx context.Context, collection string, p domain.Principal, q filter.Query) ([]domain.Entity, int, error)
	Get(ctx context.Context, collection string, p domain.Principal, id string) (domain.Entity, error)
	// Insert stores e for p. The service assigns id and timestamps.
	Insert(ctx context.Context, collection string, p domain.Principal, e domain.Entity) (domain.Entity, error)
	// Update applies patch to the row with id owned by p.
	Update(ctx context.Context, collection string, p domain.Principal, id string, patch domain.Patch) (domain.Entity, error)
	Delete(ctx context.Context, collection string, p domain.Principal, id string) error
}

// Page is the list response body.
type Page struct {
	Items []domain.Entity `json:"items"`
	Total int             `json:"total"`
}

// NewEntity is the insert request body.
type NewEntity struct {
	Status   string        `json:"status,omitempty"`
	TenantID string        `json:"tenant_id,omitempty"`
	Fields   domain.Fields `json:"fields"`
}
