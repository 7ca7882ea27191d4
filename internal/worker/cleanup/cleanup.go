// Package cleanup はサインイン試行の監査ログの自動削除ジョブを提供する。
// 保持期間を超過したsign_in_attemptsを定期的に削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Deleter は保持期間を超過した試行を削除するインターフェース。
// repository.PostgresAttemptRepoが実装する。
type Deleter interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// DefaultRetention は監査ログのデフォルト保持期間。
const DefaultRetention = 14 * 24 * time.Hour

// CleanupJob は保持期間を超過した試行の自動削除ジョブ。
// 冪等な削除処理を保証する。
type CleanupJob struct {
	repo      Deleter
	logger    *slog.Logger
	Retention time.Duration
	now       func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(repo Deleter, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		repo:      repo,
		logger:    logger,
		Retention: DefaultRetention,
		now:       time.Now,
	}
}

// Run は保持期間を超過した試行を削除する。
// 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := j.now()
	cutoff := start.Add(-j.Retention)

	deleted, err := j.repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		j.logger.Error("監査ログのクリーンアップに失敗しました",
			slog.String("error", err.Error()),
			slog.Duration("retention", j.Retention),
		)
		return fmt.Errorf("監査ログのクリーンアップに失敗: %w", err)
	}

	j.logger.Info("監査ログのクリーンアップが完了しました",
		slog.Int64("deleted_count", deleted),
		slog.Duration("retention", j.Retention),
		slog.Time("cutoff", cutoff),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start はinterval間隔でRunを実行する。起動直後に1回実行し、
// コンテキストがキャンセルされるまで継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("クリーンアップジョブを開始しました",
		slog.Duration("interval", interval),
	)

	_ = j.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
