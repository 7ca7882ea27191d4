package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/signgate/internal/model"
)

// PostgresCredentialRepo はPostgreSQLを使用したIdP資格情報のリポジトリ。
// プロセス再起動後もサイレント復元できるようにリフレッシュトークンを保持する。
type PostgresCredentialRepo struct {
	db *sql.DB
}

// NewPostgresCredentialRepo はPostgresCredentialRepoを生成する。
func NewPostgresCredentialRepo(db *sql.DB) *PostgresCredentialRepo {
	return &PostgresCredentialRepo{db: db}
}

// Load は指定IdPの資格情報を取得する。
func (r *PostgresCredentialRepo) Load(ctx context.Context, provider model.Provider) (*model.ProviderCredential, error) {
	cred := &model.ProviderCredential{}
	err := r.db.QueryRowContext(ctx,
		`SELECT provider, subject, refresh_token, id_token, updated_at
		 FROM provider_credentials
		 WHERE provider = $1`,
		string(provider),
	).Scan(&cred.Provider, &cred.Subject, &cred.RefreshToken, &cred.IDToken, &cred.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load provider credential: %w", err)
	}
	return cred, nil
}

// Save は資格情報をUPSERTする。
func (r *PostgresCredentialRepo) Save(ctx context.Context, cred *model.ProviderCredential) error {
	if cred == nil {
		return fmt.Errorf("credential is required")
	}
	if cred.UpdatedAt.IsZero() {
		cred.UpdatedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO provider_credentials (provider, subject, refresh_token, id_token, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (provider) DO UPDATE SET
		   subject = EXCLUDED.subject,
		   refresh_token = EXCLUDED.refresh_token,
		   id_token = EXCLUDED.id_token,
		   updated_at = EXCLUDED.updated_at`,
		string(cred.Provider), cred.Subject, cred.RefreshToken, cred.IDToken, cred.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save provider credential: %w", err)
	}
	return nil
}

// Delete は資格情報を削除する。
func (r *PostgresCredentialRepo) Delete(ctx context.Context, provider model.Provider) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM provider_credentials WHERE provider = $1`,
		string(provider),
	)
	if err != nil {
		return fmt.Errorf("failed to delete provider credential: %w", err)
	}
	return nil
}

// compile-time interface check
var _ CredentialRepository = (*PostgresCredentialRepo)(nil)
