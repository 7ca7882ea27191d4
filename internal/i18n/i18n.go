// Package i18n は画面と分類済みエラーのローカライズを提供する。
// 既定言語はスペイン語。
package i18n

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/signgate/internal/auth"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

const (
	// LangParam は言語を指定するクエリパラメータ。
	LangParam = "lang"
	// LangCookieName は選択された言語を保存するCookie。
	LangCookieName = "signgate_lang"
)

// メッセージキー。
const (
	MsgTitle          = "title"
	MsgSubtitle       = "subtitle"
	MsgSignInButton   = "sign_in_button"
	MsgSigningIn      = "signing_in"
	MsgRestoring      = "restoring"
	MsgLoadingUser    = "loading_user"
	MsgWelcome        = "welcome"
	MsgHomeTab        = "home_tab"
	MsgProfileTab     = "profile_tab"
	MsgNoName         = "no_name"
	MsgProvider       = "provider"
	MsgRole           = "role"
	MsgRoleUndefined  = "role_undefined"
	MsgCreated        = "created"
	MsgLastSignIn     = "last_sign_in"
	MsgSignOut        = "sign_out"
	MsgSigningOut     = "signing_out"
	MsgSignInComplete = "sign_in_complete"
)

var supported = []language.Tag{language.Spanish, language.English, language.Japanese}

type entry struct {
	key string
	es  string
	en  string
	ja  string
}

var entries = []entry{
	{MsgTitle, "Ingeniería Informática", "Computer Engineering", "情報工学科"},
	{MsgSubtitle, "Universidad Mayor de San Simón", "San Simon University", "サン・シモン大学"},
	{MsgSignInButton, "Iniciar sesión con Google", "Sign in with Google", "Googleでサインイン"},
	{MsgSigningIn, "Iniciando sesión...", "Signing in...", "サインインしています..."},
	{MsgRestoring, "Restaurando sesión...", "Restoring session...", "セッションを復元しています..."},
	{MsgLoadingUser, "Cargando usuario...", "Loading user...", "ユーザーを読み込んでいます..."},
	{MsgWelcome, "Bienvenido, %s", "Welcome, %s", "ようこそ、%sさん"},
	{MsgHomeTab, "Inicio", "Home", "ホーム"},
	{MsgProfileTab, "Perfil", "Profile", "プロフィール"},
	{MsgNoName, "Sin nombre", "No name", "名前なし"},
	{MsgProvider, "Proveedor:", "Provider:", "プロバイダー:"},
	{MsgRole, "Rol:", "Role:", "ロール:"},
	{MsgRoleUndefined, "Por definir", "To be defined", "未定"},
	{MsgCreated, "Creado:", "Created:", "作成日時:"},
	{MsgLastSignIn, "Último acceso:", "Last sign-in:", "最終ログイン:"},
	{MsgSignOut, "Cerrar sesión", "Sign out", "サインアウト"},
	{MsgSigningOut, "Cerrando sesión...", "Signing out...", "サインアウトしています..."},
	{MsgSignInComplete, "Inicio de sesión completado. Puedes volver a la terminal.", "Sign-in complete. You can return to the terminal.", "サインインが完了しました。ターミナルに戻ってください。"},

	{string(auth.KindProviderBusy), "Operación en progreso...", "Operation in progress...", "処理中です..."},
	{string(auth.KindProviderServicesUnavailable), "Google Play Services no disponible o desactualizado.", "Google sign-in services are unavailable or outdated.", "Googleサインインのサービスが利用できないか、古くなっています。"},
	{string(auth.KindProviderUnknown), "Error desconocido de Google SignIn.", "Unknown Google sign-in error.", "Googleサインインで不明なエラーが発生しました。"},
	{string(auth.KindMissingToken), "Google no devolvió un token de identidad.", "No ID token present!", "IDトークンが取得できませんでした。"},
	{string(auth.KindTimeout), "La operación tardó demasiado. Inténtalo de nuevo.", "The operation took too long. Please try again.", "時間内に完了しませんでした。もう一度お試しください。"},
	{string(auth.KindUnexpected), "Error inesperado al iniciar sesión.", "Unexpected error while signing in.", "サインイン中に予期しないエラーが発生しました。"},
}

// Localizer は言語の判定とメッセージの整形を行う。
type Localizer struct {
	catalog  *catalog.Builder
	tags     []language.Tag
	matcher  language.Matcher
	fallback language.Tag
}

// New はLocalizerを生成する。defaultLocaleが未対応の場合はエラーを返す。
func New(defaultLocale string) (*Localizer, error) {
	fallback := language.Spanish
	if defaultLocale != "" {
		tag, err := language.Parse(defaultLocale)
		if err != nil {
			return nil, fmt.Errorf("parse default locale %q: %w", defaultLocale, err)
		}
		base, _ := tag.Base()
		fallback = language.Make(base.String())
		if !isSupported(fallback) {
			return nil, fmt.Errorf("unsupported default locale %q", defaultLocale)
		}
	}

	b := catalog.NewBuilder(catalog.Fallback(fallback))
	for _, e := range entries {
		for _, m := range []struct {
			tag language.Tag
			msg string
		}{
			{language.Spanish, e.es},
			{language.English, e.en},
			{language.Japanese, e.ja},
		} {
			if err := b.SetString(m.tag, e.key, m.msg); err != nil {
				return nil, fmt.Errorf("set message %s/%s: %w", m.tag, e.key, err)
			}
		}
	}

	// 先頭がフォールバックになる
	tags := []language.Tag{fallback}
	for _, t := range supported {
		if t != fallback {
			tags = append(tags, t)
		}
	}

	return &Localizer{
		catalog:  b,
		tags:     tags,
		matcher:  language.NewMatcher(tags),
		fallback: fallback,
	}, nil
}

func isSupported(tag language.Tag) bool {
	for _, t := range supported {
		if t == tag {
			return true
		}
	}
	return false
}

// Default は既定言語を返す。
func (l *Localizer) Default() language.Tag {
	return l.fallback
}

// Supported は対応言語を返す。
func (l *Localizer) Supported() []language.Tag {
	return append([]language.Tag(nil), supported...)
}

// Match は文字列で指定された言語を最も近い対応言語に変換する。
func (l *Localizer) Match(preferred ...string) language.Tag {
	var tags []language.Tag
	for _, p := range preferred {
		parsed, _, err := language.ParseAcceptLanguage(p)
		if err != nil {
			continue
		}
		tags = append(tags, parsed...)
	}
	if len(tags) == 0 {
		return l.fallback
	}
	_, idx, conf := l.matcher.Match(tags...)
	if conf == language.No {
		return l.fallback
	}
	return l.tags[idx]
}

// ResolveRequest はクエリ、Cookie、Accept-Languageの順に言語を決める。
// クエリで指定された場合はtrueを返し、呼び出し側はCookieに保存する。
func (l *Localizer) ResolveRequest(r *http.Request) (language.Tag, bool) {
	if v := strings.TrimSpace(r.URL.Query().Get(LangParam)); v != "" {
		return l.Match(v), true
	}
	if c, err := r.Cookie(LangCookieName); err == nil && c.Value != "" {
		return l.Match(c.Value), false
	}
	if accept := strings.TrimSpace(r.Header.Get("Accept-Language")); accept != "" {
		return l.Match(accept), false
	}
	return l.fallback, false
}

// SetLanguageCookie は選択された言語をCookieに保存する。
func SetLanguageCookie(w http.ResponseWriter, tag language.Tag) {
	http.SetCookie(w, &http.Cookie{
		Name:     LangCookieName,
		Value:    tag.String(),
		Path:     "/",
		MaxAge:   int((365 * 24 * time.Hour).Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// Printer は指定言語のmessage.Printerを返す。
func (l *Localizer) Printer(tag language.Tag) *message.Printer {
	return message.NewPrinter(tag, message.Catalog(l.catalog))
}

// Text はキーに対応するメッセージを整形して返す。
func (l *Localizer) Text(tag language.Tag, key string, args ...any) string {
	return l.Printer(tag).Sprintf(key, args...)
}

// ErrorMessage は分類済みエラーの表示用メッセージを返す。
// キャンセルなど表示しない種別とnilには空文字を返す。
// バックエンドの拒否はバックエンドのメッセージをそのまま返す。
func (l *Localizer) ErrorMessage(tag language.Tag, err *auth.Error) string {
	switch {
	case err == nil, err.Silent():
		return ""
	case err.Kind == auth.KindBackendExchangeFailed:
		if err.Message != "" {
			return err.Message
		}
		return l.Text(tag, string(auth.KindUnexpected))
	}
	return l.Text(tag, string(err.Kind))
}
