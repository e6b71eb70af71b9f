package database

import (
	"context"
	"fmt"
	"time"

	"github.com/tracktags/tracktags/internal/errs"
)

// ============================================================================
// INTEGRATION KEY OPERATIONS
// ============================================================================

// CreateIntegrationKey inserts a key row. (business_id, key_type, key_name)
// is unique; a live duplicate fails with ErrAlreadyExists.
func (sc *SupabaseClient) CreateIntegrationKey(ctx context.Context, row *IntegrationKeyRow) error {
	existing, err := sc.GetIntegrationKey(ctx, row.BusinessID, row.KeyType, row.KeyName)
	if err != nil {
		return err
	}
	if existing != nil && existing.IsActive {
		return fmt.Errorf("key %s/%s for %s: %w",
			row.KeyType, row.KeyName, row.BusinessID, errs.ErrAlreadyExists)
	}

	var result []IntegrationKeyRow
	_, err = sc.client.From("integration_keys").
		Insert(row, false, "", "", "").
		ExecuteTo(&result)
	return err
}

// GetIntegrationKey retrieves one key by its unique triple.
func (sc *SupabaseClient) GetIntegrationKey(ctx context.Context, businessID, keyType, keyName string) (*IntegrationKeyRow, error) {
	var rows []IntegrationKeyRow
	_, err := sc.client.From("integration_keys").
		Select("*", "", false).
		Eq("business_id", businessID).
		Eq("key_type", keyType).
		Eq("key_name", keyName).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to get integration key: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// GetKeyByHash resolves an active key from its SHA-256 hash. This is the
// auth-cache miss path; the hash column is indexed.
func (sc *SupabaseClient) GetKeyByHash(ctx context.Context, keyHash string) (*IntegrationKeyRow, error) {
	var rows []IntegrationKeyRow
	_, err := sc.client.From("integration_keys").
		Select("*", "", false).
		Eq("key_hash", keyHash).
		Eq("is_active", "true").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to look up key by hash: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// GetActiveKeyByType returns the first active key of a type under a
// business (e.g. the stored stripe credential).
func (sc *SupabaseClient) GetActiveKeyByType(ctx context.Context, businessID, keyType string) (*IntegrationKeyRow, error) {
	var rows []IntegrationKeyRow
	_, err := sc.client.From("integration_keys").
		Select("*", "", false).
		Eq("business_id", businessID).
		Eq("key_type", keyType).
		Eq("is_active", "true").
		Limit(1, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// ListIntegrationKeys lists keys for a business, never exposing encrypted
// material to list callers.
func (sc *SupabaseClient) ListIntegrationKeys(ctx context.Context, businessID string) ([]IntegrationKeyRow, error) {
	var rows []IntegrationKeyRow
	_, err := sc.client.From("integration_keys").
		Select("id,business_id,customer_id,key_type,key_name,is_active,created_at,updated_at", "", false).
		Eq("business_id", businessID).
		ExecuteTo(&rows)
	return rows, err
}

// DeactivateIntegrationKey flips is_active off and returns the stored row
// so the caller can evict its hash from the auth cache.
func (sc *SupabaseClient) DeactivateIntegrationKey(ctx context.Context, businessID, keyType, keyName string) (*IntegrationKeyRow, error) {
	existing, err := sc.GetIntegrationKey(ctx, businessID, keyType, keyName)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("key %s/%s: %w", keyType, keyName, errs.ErrNotFound)
	}

	update := map[string]interface{}{
		"is_active":  false,
		"updated_at": time.Now().UTC(),
	}
	var result []IntegrationKeyRow
	_, err = sc.client.From("integration_keys").
		Update(update, "", "").
		Eq("business_id", businessID).
		Eq("key_type", keyType).
		Eq("key_name", keyName).
		ExecuteTo(&result)
	if err != nil {
		return nil, err
	}
	existing.IsActive = false
	return existing, nil
}

// PurgeKeysForBusiness permanently deletes a business's key rows.
func (sc *SupabaseClient) PurgeKeysForBusiness(ctx context.Context, businessID string) error {
	_, _, err := sc.client.From("integration_keys").
		Delete("", "").
		Eq("business_id", businessID).
		Execute()
	return err
}
