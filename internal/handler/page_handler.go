package handler

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/signgate/internal/auth"
	"github.com/hitoshi/signgate/internal/i18n"
	"github.com/hitoshi/signgate/internal/middleware"
	"github.com/hitoshi/signgate/internal/model"
	"github.com/hitoshi/signgate/internal/navigator"
	"golang.org/x/text/language"
)

//go:embed templates/*.html
var templatesFS embed.FS

// refreshSeconds は復元中・サインイン中の画面を再読み込みする間隔。
const refreshSeconds = 1

const timestampLayout = "2006-01-02 15:04"

// PageHandler はサインイン・ホーム・プロフィール画面を描画する。
// 表示前にNavigatorで遷移先を判定し、別の画面を表示すべき場合はリダイレクトする。
type PageHandler struct {
	controller SignInController
	sessions   SessionReader
	nav        Navigation
	loc        *i18n.Localizer
	logger     *slog.Logger
	pages      map[navigator.Surface]*template.Template
}

// NewPageHandler はテンプレートを読み込んでPageHandlerを生成する。
func NewPageHandler(controller SignInController, sessions SessionReader, nav Navigation, loc *i18n.Localizer, logger *slog.Logger) (*PageHandler, error) {
	base, err := template.ParseFS(templatesFS, "templates/layout.html")
	if err != nil {
		return nil, fmt.Errorf("parse layout template: %w", err)
	}

	pages := make(map[navigator.Surface]*template.Template)
	for _, s := range []navigator.Surface{navigator.SurfaceSignIn, navigator.SurfaceHome, navigator.SurfaceProfile} {
		t, err := template.Must(base.Clone()).ParseFS(templatesFS, "templates/"+string(s)+".html")
		if err != nil {
			return nil, fmt.Errorf("parse %s template: %w", s, err)
		}
		pages[s] = t
	}

	return &PageHandler{
		controller: controller,
		sessions:   sessions,
		nav:        nav,
		loc:        loc,
		logger:     logger,
		pages:      pages,
	}, nil
}

// Serve は指定画面のハンドラーを返す。
func (h *PageHandler) Serve(surface navigator.Surface) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tag, persist := h.loc.ResolveRequest(r)
		if persist {
			i18n.SetLanguageCookie(w, tag)
		}

		if shown := h.nav.Visit(surface); shown != surface {
			http.Redirect(w, r, shown.Path(), http.StatusSeeOther)
			return
		}

		h.render(w, r, http.StatusOK, surface, h.pageData(r, tag, surface, nil))
	}
}

// RenderError はサインイン画面に分類済みエラーを表示する。
func (h *PageHandler) RenderError(w http.ResponseWriter, r *http.Request, status int, err *auth.Error) {
	tag, _ := h.loc.ResolveRequest(r)
	h.render(w, r, status, navigator.SurfaceSignIn, h.pageData(r, tag, navigator.SurfaceSignIn, err))
}

func (h *PageHandler) render(w http.ResponseWriter, r *http.Request, status int, surface navigator.Surface, data *pageData) {
	var buf bytes.Buffer
	if err := h.pages[surface].ExecuteTemplate(&buf, "layout", data); err != nil {
		h.logger.Error("failed to render page",
			slog.String("surface", string(surface)),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	buf.WriteTo(w)
}

// pageData はテンプレートに渡す値。
type pageData struct {
	loc *i18n.Localizer
	tag language.Tag

	Lang      string
	Surface   string
	CSRFField string
	CSRFToken string
	Busy      bool
	Restoring bool
	Refresh   int
	Error     string
	User      *profileView
}

// T はキーに対応するローカライズ済みメッセージを返す。
func (d *pageData) T(key string, args ...any) string {
	return d.loc.Text(d.tag, key, args...)
}

type profileView struct {
	Name       string
	Email      string
	AvatarURL  string
	Provider   string
	Created    string
	LastSignIn string
}

func (h *PageHandler) pageData(r *http.Request, tag language.Tag, surface navigator.Surface, shown *auth.Error) *pageData {
	state := h.controller.State()
	sess := h.sessions.Get()

	d := &pageData{
		loc:       h.loc,
		tag:       tag,
		Lang:      tag.String(),
		Surface:   string(surface),
		CSRFField: middleware.CSRFFormField,
		CSRFToken: middleware.CSRFToken(r),
		Busy:      state.Busy(),
		Restoring: state.Restoring,
		User:      h.profile(tag, sess),
	}

	switch {
	case shown != nil:
		d.Error = h.loc.ErrorMessage(tag, shown)
	case state.Last != nil && state.Last.Err != nil && !state.Busy():
		d.Error = h.loc.ErrorMessage(tag, state.Last.Err)
	}

	// 復元中やコールバック待ちの間は、結果が出るまで画面を再読み込みする
	if d.Busy || (surface.Authenticated() && sess == nil) {
		d.Refresh = refreshSeconds
	}
	return d
}

func (h *PageHandler) profile(tag language.Tag, sess *model.Session) *profileView {
	if sess == nil {
		return nil
	}
	name := sess.DisplayName()
	if name == "" {
		name = h.loc.Text(tag, i18n.MsgNoName)
	}
	return &profileView{
		Name:       name,
		Email:      sess.Email,
		AvatarURL:  sess.AvatarURL(),
		Provider:   string(sess.Provider),
		Created:    formatTimestamp(sess.CreatedAt),
		LastSignIn: formatTimestamp(sess.LastActivityAt),
	}
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(timestampLayout)
}
