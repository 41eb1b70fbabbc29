package domain

// Event is one audit log row.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	Collection string         `json:"collection"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	TenantID   string         `json:"tenant_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// APIKey is a stored key. Only the hash is kept.
type APIKey struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	TenantID  string `json:"tenant_id,omitempty"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
