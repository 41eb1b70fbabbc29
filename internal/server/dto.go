package server

import (
	"boardline/internal/domain"
)

// Request payloads

type DevLoginRequest struct {
	OwnerID  string `json:"owner_id" minLength:"1"`
	TenantID string `json:"tenant_id,omitempty"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

// Response payloads

type DevLoginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresAt   string `json:"expires_at" format:"date-time"`
}

// APIKeyResponse carries the plaintext key only on creation.
type APIKeyResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	OwnerID   string `json:"owner_id"`
	TenantID  string `json:"tenant_id,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type WhoAmIResponse struct {
	OwnerID  string `json:"owner_id"`
	TenantID string `json:"tenant_id,omitempty"`
	Source   string `json:"source" enum:"jwt,api_key"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func apiKeyResponse(k domain.APIKey, plain string) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		Name:      k.Name,
		Key:       plain,
		OwnerID:   k.OwnerID,
		TenantID:  k.TenantID,
		CreatedAt: k.CreatedAt,
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
