// Package model はドメインモデルを定義する。
package model

import (
	"maps"
	"time"
)

// Provider は外部IdPの種別を表す。
type Provider string

const (
	// ProviderGoogle はGoogleサインインを表す。
	ProviderGoogle Provider = "google"
)

// メタデータキー。IdPごとのプロフィール項目をバックエンドが返すキー名のまま保持する。
const (
	MetaFullName  = "full_name"
	MetaName      = "name"
	MetaAvatarURL = "avatar_url"
	MetaPicture   = "picture"
)

// Session はサインイン済みユーザーをローカルに保持するレコード。
// バックエンドが発行したユーザーレコードに基づく。プロセス内に高々1つ。
type Session struct {
	UserID         string
	Email          string
	Provider       Provider
	CreatedAt      time.Time
	LastActivityAt time.Time
	Metadata       map[string]string
}

// Clone はメタデータを含めたディープコピーを返す。
// nilレシーバーの場合はnilを返す。
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.Metadata != nil {
		c.Metadata = maps.Clone(s.Metadata)
	}
	return &c
}

// DisplayName は表示名を返す。full_name、nameの順に参照する。
func (s *Session) DisplayName() string {
	if s == nil {
		return ""
	}
	if v := s.Metadata[MetaFullName]; v != "" {
		return v
	}
	return s.Metadata[MetaName]
}

// AvatarURL はアバター画像のURLを返す。picture、avatar_urlの順に参照する。
func (s *Session) AvatarURL() string {
	if s == nil {
		return ""
	}
	if v := s.Metadata[MetaPicture]; v != "" {
		return v
	}
	return s.Metadata[MetaAvatarURL]
}

// ProviderCredential はIdPアダプタが保持するローカルセッション。
// サイレント復元に使用する。コア（Controller/Store）からは参照しない。
type ProviderCredential struct {
	Provider     Provider
	Subject      string
	RefreshToken string
	IDToken      string
	UpdatedAt    time.Time
}

// AttemptRecord は完了したサインイン試行の監査ログ1件を表す。
type AttemptRecord struct {
	ID         string
	Mode       string // "interactive" | "silent"
	Status     string // "succeeded" | "failed" | "idle"
	ErrorCode  string
	UserID     string
	DurationMs int64
	CreatedAt  time.Time
}
