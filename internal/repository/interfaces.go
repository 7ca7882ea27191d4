// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/signgate/internal/model"
)

// AttemptRepository はサインイン試行の監査ログの永続化インターフェース。
type AttemptRepository interface {
	// Create は完了した試行を1件記録する。
	Create(ctx context.Context, record *model.AttemptRecord) error

	// DeleteOlderThan はcutoffより前に開始した試行を削除し、削除件数を返す。
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// ListRecent は新しい順に最大limit件の試行を返す。
	ListRecent(ctx context.Context, limit int) ([]*model.AttemptRecord, error)
}

// CredentialRepository はIdPアダプタのローカルセッションの永続化インターフェース。
// auth.CredentialStoreと同じメソッドセットを持つ。
type CredentialRepository interface {
	// Load は保存済みの資格情報を返す。見つからない場合はnilを返す。
	Load(ctx context.Context, provider model.Provider) (*model.ProviderCredential, error)

	// Save は資格情報をUPSERTする。
	Save(ctx context.Context, cred *model.ProviderCredential) error

	// Delete は資格情報を削除する。存在しない場合もエラーにしない。
	Delete(ctx context.Context, provider model.Provider) error
}
