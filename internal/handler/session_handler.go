package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/signgate/internal/auth"
	"github.com/hitoshi/signgate/internal/i18n"
	"github.com/hitoshi/signgate/internal/middleware"
	"github.com/hitoshi/signgate/internal/model"
	"github.com/hitoshi/signgate/internal/navigator"
	"golang.org/x/text/language"
)

// SessionReader はプロセス内のセッションストアの読み取りインターフェース。
type SessionReader interface {
	Get() *model.Session
}

// Navigation は画面遷移ルールのインターフェース。navigator.Navigatorが実装する。
type Navigation interface {
	Visit(s navigator.Surface) navigator.Surface
	Current() navigator.Surface
}

// SessionHandler はセッション状態のJSON APIハンドラー。
type SessionHandler struct {
	controller SignInController
	sessions   SessionReader
	nav        Navigation
	loc        *i18n.Localizer
	logger     *slog.Logger
}

// NewSessionHandler はSessionHandlerを生成する。
func NewSessionHandler(controller SignInController, sessions SessionReader, nav Navigation, loc *i18n.Localizer, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{
		controller: controller,
		sessions:   sessions,
		nav:        nav,
		loc:        loc,
		logger:     logger,
	}
}

// SessionResponse はGET /api/sessionのレスポンス。
type SessionResponse struct {
	HasSession  bool         `json:"has_session"`
	Restoring   bool         `json:"restoring"`
	Phase       string       `json:"phase"`
	Surface     string       `json:"surface"`
	LastAttempt *AttemptView `json:"last_attempt,omitempty"`
	User        *UserView    `json:"user,omitempty"`
}

// AttemptView は直近の試行の表示用表現。
type AttemptView struct {
	ID         string    `json:"id"`
	Mode       string    `json:"mode"`
	Status     string    `json:"status"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Message    string    `json:"message,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// UserView はサインイン済みユーザーの表示用表現。
type UserView struct {
	ID           string            `json:"id"`
	Email        string            `json:"email"`
	Provider     string            `json:"provider"`
	DisplayName  string            `json:"display_name"`
	AvatarURL    string            `json:"avatar_url,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	LastSignInAt time.Time         `json:"last_sign_in_at"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Get は現在のセッション状態を返す。
// GET /api/session
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	tag := h.language(w, r)
	writeJSON(w, http.StatusOK, h.snapshot(tag))
}

// User はサインイン済みユーザーのプロフィールを返す。
// NewRequireSessionMiddlewareの後に配置する。
// GET /api/session/user
func (h *SessionHandler) User(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserIDFromContext(r.Context())
	sess := h.sessions.Get()
	// サインアウトがミドルウェア通過後に割り込んだ場合
	if sess == nil || sess.UserID != userID {
		middleware.WriteErrorResponse(w, r, http.StatusUnauthorized, model.NewSessionNotFoundError())
		return
	}
	writeJSON(w, http.StatusOK, newUserView(sess))
}

// Restore はサイレント復元を実行し、結果の状態を返す。
// 既存のIdPセッションがない場合もエラーではなく、has_session=falseを返す。
// POST /api/session/restore
func (h *SessionHandler) Restore(w http.ResponseWriter, r *http.Request) {
	tag := h.language(w, r)

	if _, err := h.controller.RestoreSession(r.Context()); err != nil {
		classified := auth.Classify(err)
		h.logger.Info("session restore failed", slog.String("error_kind", string(classified.Kind)))
		middleware.WriteErrorResponse(w, r, statusForKind(classified.Kind), authAPIError(h.loc, tag, classified))
		return
	}

	writeJSON(w, http.StatusOK, h.snapshot(tag))
}

func (h *SessionHandler) language(w http.ResponseWriter, r *http.Request) language.Tag {
	tag, persist := h.loc.ResolveRequest(r)
	if persist {
		i18n.SetLanguageCookie(w, tag)
	}
	return tag
}

func (h *SessionHandler) snapshot(tag language.Tag) SessionResponse {
	state := h.controller.State()
	sess := h.sessions.Get()

	resp := SessionResponse{
		HasSession: sess != nil,
		Restoring:  state.Restoring,
		Phase:      string(state.Phase),
		Surface:    string(h.nav.Current()),
		User:       newUserView(sess),
	}
	if a := state.Last; a != nil {
		resp.LastAttempt = &AttemptView{
			ID:         a.ID,
			Mode:       string(a.Mode),
			Status:     string(a.Status),
			StartedAt:  a.StartedAt,
			FinishedAt: a.FinishedAt,
		}
		if a.Err != nil {
			resp.LastAttempt.ErrorKind = string(a.Err.Kind)
			resp.LastAttempt.Message = h.loc.ErrorMessage(tag, a.Err)
		}
	}
	return resp
}

func newUserView(sess *model.Session) *UserView {
	if sess == nil {
		return nil
	}
	return &UserView{
		ID:           sess.UserID,
		Email:        sess.Email,
		Provider:     string(sess.Provider),
		DisplayName:  sess.DisplayName(),
		AvatarURL:    sess.AvatarURL(),
		CreatedAt:    sess.CreatedAt,
		LastSignInAt: sess.LastActivityAt,
		Metadata:     sess.Metadata,
	}
}

// authAPIError は分類済みエラーを統一エラーフォーマットに変換する。
func authAPIError(loc *i18n.Localizer, tag language.Tag, err *auth.Error) *model.APIError {
	msg := loc.ErrorMessage(tag, err)
	if msg == "" {
		msg = string(err.Kind)
	}
	return &model.APIError{
		Code:     string(err.Kind),
		Message:  msg,
		Category: "auth",
		Action:   "retry the sign-in",
	}
}

// statusForKind は分類済みエラーのHTTPステータスを返す。
func statusForKind(kind auth.ErrorKind) int {
	switch kind {
	case auth.KindProviderBusy, auth.KindProviderCancelled:
		return http.StatusConflict
	case auth.KindTimeout:
		return http.StatusGatewayTimeout
	case auth.KindProviderServicesUnavailable:
		return http.StatusServiceUnavailable
	case auth.KindBackendExchangeFailed, auth.KindMissingToken, auth.KindProviderUnknown:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// wantsJSON はクライアントがJSONレスポンスを要求しているかを返す。
func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}
