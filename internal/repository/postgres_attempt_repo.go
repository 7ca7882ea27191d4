package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/signgate/internal/model"
)

// maxListLimit はListRecentで一度に返す最大件数。
const maxListLimit = 500

// PostgresAttemptRepo はPostgreSQLを使用した試行監査ログのリポジトリ。
type PostgresAttemptRepo struct {
	db *sql.DB
}

// NewPostgresAttemptRepo はPostgresAttemptRepoを生成する。
func NewPostgresAttemptRepo(db *sql.DB) *PostgresAttemptRepo {
	return &PostgresAttemptRepo{db: db}
}

// Create は試行を記録する。IDが空の場合は生成し、CreatedAtがゼロの場合は現在時刻を使う。
func (r *PostgresAttemptRepo) Create(ctx context.Context, record *model.AttemptRecord) error {
	if record == nil {
		return fmt.Errorf("attempt record is required")
	}
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sign_in_attempts (id, mode, status, error_code, user_id, duration_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		record.ID, record.Mode, record.Status, record.ErrorCode, record.UserID, record.DurationMs, record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create sign-in attempt: %w", err)
	}
	return nil
}

// DeleteOlderThan はcutoffより古い試行を削除する。
func (r *PostgresAttemptRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM sign_in_attempts WHERE created_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete sign-in attempts: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get deleted count: %w", err)
	}
	return n, nil
}

// ListRecent は新しい順に試行を返す。limitは1以上maxListLimit以下に丸める。
func (r *PostgresAttemptRepo) ListRecent(ctx context.Context, limit int) ([]*model.AttemptRecord, error) {
	limit = clampLimit(limit)

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, mode, status, error_code, user_id, duration_ms, created_at
		 FROM sign_in_attempts
		 ORDER BY created_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sign-in attempts: %w", err)
	}
	defer rows.Close()

	var records []*model.AttemptRecord
	for rows.Next() {
		rec := &model.AttemptRecord{}
		if err := rows.Scan(&rec.ID, &rec.Mode, &rec.Status, &rec.ErrorCode, &rec.UserID, &rec.DurationMs, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sign-in attempt: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sign-in attempts: %w", err)
	}
	return records, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 1
	case limit > maxListLimit:
		return maxListLimit
	default:
		return limit
	}
}

// compile-time interface check
var _ AttemptRepository = (*PostgresAttemptRepo)(nil)
