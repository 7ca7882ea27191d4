package auth

import (
	"context"
	"errors"
	"fmt"
)

// ProviderCode はIdPアダプタが返すステータスコード。
// ネイティブSDKのstatusCodesと同じ値を使う。
type ProviderCode string

const (
	// StatusSignInCancelled はユーザーが対話フローを閉じたことを示す。
	StatusSignInCancelled ProviderCode = "SIGN_IN_CANCELLED"
	// StatusInProgress は対話フローが既に実行中であることを示す。
	StatusInProgress ProviderCode = "IN_PROGRESS"
	// StatusPlayServicesNotAvailable は基盤サービスが利用できないことを示す。
	StatusPlayServicesNotAvailable ProviderCode = "PLAY_SERVICES_NOT_AVAILABLE"
	// StatusSignInRequired はサイレントサインインに使える既存セッションがないことを示す。
	StatusSignInRequired ProviderCode = "SIGN_IN_REQUIRED"
)

// ProviderError はIdPアダプタが返すエラー。
type ProviderError struct {
	Code    ProviderCode
	Message string
	Err     error
}

// Error はerrorインターフェースを実装する。
func (e *ProviderError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("identity provider: %s", e.Code)
	}
	return fmt.Sprintf("identity provider: %s: %s", e.Code, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *ProviderError) Unwrap() error { return e.Err }

// BackendError は認証バックエンドがトークン交換を拒否したことを表す。
// Messageはそのまま画面に表示する。
type BackendError struct {
	StatusCode int
	Message    string
}

// Error はerrorインターフェースを実装する。
func (e *BackendError) Error() string {
	return fmt.Sprintf("auth backend: status %d: %s", e.StatusCode, e.Message)
}

// ErrNoPriorSession はサイレント復元で既存のIdPセッションが存在しないことを示す。
// 失敗ではなく、Controllerはエラーなしでアイドルに戻る。
var ErrNoPriorSession = &ProviderError{Code: StatusSignInRequired, Message: "no prior provider session"}

// Is はStatusSignInRequiredのProviderErrorをErrNoPriorSessionと同一視する。
func (e *ProviderError) Is(target error) bool {
	t, ok := target.(*ProviderError)
	if !ok {
		return false
	}
	return t == ErrNoPriorSession && e.Code == StatusSignInRequired
}

// errMissingToken はIdPが成功を返したのに使えるIDトークンを含まなかったことを示す。
var errMissingToken = errors.New("identity provider returned no usable ID token")

// errEmptyUser はバックエンドが成功を返したのにユーザーを含まなかったことを示す。
var errEmptyUser = errors.New("auth backend returned no user")

// ErrorKind は画面層に渡す分類済みエラーの種別。
type ErrorKind string

const (
	KindProviderCancelled           ErrorKind = "PROVIDER_CANCELLED"
	KindProviderBusy                ErrorKind = "PROVIDER_BUSY"
	KindProviderServicesUnavailable ErrorKind = "PROVIDER_SERVICES_UNAVAILABLE"
	KindProviderUnknown             ErrorKind = "PROVIDER_UNKNOWN"
	KindMissingToken                ErrorKind = "MISSING_TOKEN"
	KindBackendExchangeFailed       ErrorKind = "BACKEND_EXCHANGE_FAILED"
	KindTimeout                     ErrorKind = "TIMEOUT"
	KindUnexpected                  ErrorKind = "UNEXPECTED"
)

// Error はControllerの境界で分類されたエラー。
// IdP/バックエンドの生のエラー型はこれより外側に出さない。
type Error struct {
	Kind ErrorKind
	// Message はBackendExchangeFailedの場合のみ、バックエンドのメッセージを保持する。
	Message string
	err     error
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

// Unwrap は分類前のエラーを返す。ログ出力用。
func (e *Error) Unwrap() error { return e.err }

// Silent はユーザーにメッセージを表示しない種別かを返す。
func (e *Error) Silent() bool {
	return e.Kind == KindProviderCancelled
}

// ErrBusy は試行中にSignInが呼ばれた場合に返すエラー。
var ErrBusy = &Error{Kind: KindProviderBusy}

// Classify は任意のエラーを分類済みの*Errorに変換する。nilはnilを返す。
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, err: err}
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindProviderCancelled, err: err}
	case errors.Is(err, errMissingToken):
		return &Error{Kind: KindMissingToken, err: err}
	}

	var backendErr *BackendError
	if errors.As(err, &backendErr) {
		return &Error{Kind: KindBackendExchangeFailed, Message: backendErr.Message, err: err}
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		switch providerErr.Code {
		case StatusSignInCancelled:
			return &Error{Kind: KindProviderCancelled, err: err}
		case StatusInProgress:
			return &Error{Kind: KindProviderBusy, err: err}
		case StatusPlayServicesNotAvailable:
			return &Error{Kind: KindProviderServicesUnavailable, err: err}
		default:
			return &Error{Kind: KindProviderUnknown, err: err}
		}
	}

	return &Error{Kind: KindUnexpected, err: err}
}
