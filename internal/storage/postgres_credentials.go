package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"tunecast/internal/models"
)

const credentialColumns = "user_id, access_token, refresh_token, expires_at, channel_id, channel_title, updated_at"

func scanCredential(row pgRow) (models.Credential, error) {
	var (
		cred      models.Credential
		expiresAt *time.Time
	)
	err := row.Scan(
		&cred.UserID,
		&cred.AccessToken,
		&cred.RefreshToken,
		&expiresAt,
		&cred.ChannelID,
		&cred.ChannelTitle,
		&cred.UpdatedAt,
	)
	if err != nil {
		return models.Credential{}, err
	}
	if expiresAt != nil {
		cred.ExpiresAt = expiresAt.UTC()
	}
	return cred, nil
}

func (r *postgresRepository) GetCredential(ctx context.Context, userID string) (models.Credential, error) {
	row := r.pool.QueryRow(ctx, "SELECT "+credentialColumns+" FROM credentials WHERE user_id = $1", userID)
	cred, err := scanCredential(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Credential{}, ErrCredentialNotFound
	}
	if err != nil {
		return models.Credential{}, fmt.Errorf("select credential for %s: %w", userID, err)
	}
	return cred, nil
}

func (r *postgresRepository) SaveCredential(ctx context.Context, cred models.Credential) (models.Credential, error) {
	userID := strings.TrimSpace(cred.UserID)
	if userID == "" {
		return models.Credential{}, fmt.Errorf("user id is required")
	}
	var expiresAt *time.Time
	if !cred.ExpiresAt.IsZero() {
		expires := cred.ExpiresAt.UTC()
		expiresAt = &expires
	}
	row := r.pool.QueryRow(ctx,
		`INSERT INTO credentials (user_id, access_token, refresh_token, expires_at, channel_id, channel_title, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id) DO UPDATE SET access_token = EXCLUDED.access_token, refresh_token = EXCLUDED.refresh_token, expires_at = EXCLUDED.expires_at, channel_id = EXCLUDED.channel_id, channel_title = EXCLUDED.channel_title, updated_at = EXCLUDED.updated_at
		 RETURNING `+credentialColumns,
		userID, cred.AccessToken, cred.RefreshToken, expiresAt, cred.ChannelID, cred.ChannelTitle, r.now(),
	)
	saved, err := scanCredential(row)
	if err != nil {
		return models.Credential{}, fmt.Errorf("upsert credential for %s: %w", userID, err)
	}
	return saved, nil
}

func (r *postgresRepository) DeleteCredential(ctx context.Context, userID string) error {
	if _, err := r.pool.Exec(ctx, "DELETE FROM credentials WHERE user_id = $1", userID); err != nil {
		return fmt.Errorf("delete credential for %s: %w", userID, err)
	}
	return nil
}
