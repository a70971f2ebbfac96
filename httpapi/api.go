// Package httpapi exposes the session service over HTTP with cookie-based
// token transport.
package httpapi

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	timeblocks "github.com/timeblocks/timeblocks"
	"github.com/timeblocks/timeblocks/internal/logger"
	"github.com/timeblocks/timeblocks/middleware"
	"github.com/timeblocks/timeblocks/token"
)

// API wires the session service into an http.Handler.
type API struct {
	svc     *timeblocks.Service
	codec   *token.Codec
	cookies CookieConfig
	log     logger.Logger
}

func New(svc *timeblocks.Service, codec *token.Codec, cookies CookieConfig, log logger.Logger) *API {
	return &API{svc: svc, codec: codec, cookies: cookies, log: log}
}

// Handler builds the full route table, authentication middleware included.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/auth/signup", a.handleSignup)
	mux.HandleFunc("POST /api/auth/verify-email", a.handleVerifyEmail)
	mux.HandleFunc("POST /api/auth/resend-verification", a.handleResendVerification)
	mux.HandleFunc("POST /api/auth/login", a.handleLogin)
	mux.HandleFunc("POST /api/auth/refresh", a.handleRefresh)
	mux.HandleFunc("POST /api/auth/logout", a.handleLogout)
	mux.HandleFunc("POST /api/auth/request-password-reset", a.handleRequestPasswordReset)
	mux.HandleFunc("POST /api/auth/reset-password", a.handleResetPassword)
	mux.Handle("GET /api/auth/me", middleware.RequireAuth(http.HandlerFunc(a.handleMe)))
	mux.HandleFunc("GET /api/health", a.handleHealth)

	return middleware.Authenticate(a.svc, a.codec)(mux)
}

type userResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	Role     string `json:"role"`
	Verified bool   `json:"verified"`
}

func (a *API) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if !a.decode(w, r, &req) {
		return
	}

	u, err := a.svc.Signup(r.Context(), timeblocks.SignupInput{
		ClientKey: remoteKey(r),
		Email:     req.Email,
		Name:      req.Name,
		Password:  req.Password,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, toUserResponse(u.ID, u.Email, u.Name, string(u.Role), false))
}

func (a *API) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Code  string `json:"code"`
	}
	if !a.decode(w, r, &req) {
		return
	}

	res, err := a.svc.VerifyEmail(r.Context(), req.Email, req.Code)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]bool{"already_verified": res.AlreadyVerified})
}

func (a *API) handleResendVerification(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !a.decode(w, r, &req) {
		return
	}

	if err := a.svc.ResendVerification(r.Context(), remoteKey(r), req.Email); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !a.decode(w, r, &req) {
		return
	}

	u, pair, err := a.svc.Login(r.Context(), remoteKey(r), req.Email, req.Password)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.cookies.SetAuthCookies(w, pair)
	a.writeJSON(w, http.StatusOK, toUserResponse(u.ID, u.Email, u.Name, string(u.Role), true))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	raw := cookieValue(r, RefreshCookie)
	if raw == "" {
		a.writeError(w, timeblocks.ErrInvalidToken)
		return
	}

	u, pair, err := a.svc.Refresh(r.Context(), raw)
	if err != nil {
		// Replay and ordinary token failures must look identical, and a
		// dead refresh token means the cookies are useless.
		if errors.Is(err, timeblocks.ErrInvalidToken) || errors.Is(err, timeblocks.ErrTokenReplayDetected) {
			a.cookies.ClearAuthCookies(w)
		}
		a.writeError(w, err)
		return
	}
	a.cookies.SetAuthCookies(w, pair)
	a.writeJSON(w, http.StatusOK, toUserResponse(u.ID, u.Email, u.Name, string(u.Role), true))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Logout(r.Context(), cookieValue(r, RefreshCookie)); err != nil {
		a.writeError(w, err)
		return
	}
	a.cookies.ClearAuthCookies(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !a.decode(w, r, &req) {
		return
	}

	if err := a.svc.RequestPasswordReset(r.Context(), req.Email); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Code     string `json:"code"`
		Password string `json:"password"`
	}
	if !a.decode(w, r, &req) {
		return
	}

	if err := a.svc.ResetPassword(r.Context(), req.Email, req.Code, req.Password); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	id, _ := middleware.IdentityFromContext(r.Context())
	u := id.User
	a.writeJSON(w, http.StatusOK, toUserResponse(u.ID, u.Email, u.Name, string(u.Role), u.Verified()))
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func toUserResponse(id, email, name, role string, verified bool) userResponse {
	return userResponse{ID: id, Email: email, Name: name, Role: role, Verified: verified}
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return false
	}
	return true
}

func (a *API) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.log.Error("write response", logger.Error(err))
	}
}

// writeError maps the service error taxonomy onto HTTP statuses. Replay is
// deliberately indistinguishable from any other invalid token.
func (a *API) writeError(w http.ResponseWriter, err error) {
	var status int
	var msg string
	switch {
	case errors.Is(err, timeblocks.ErrBadCredentials):
		status, msg = http.StatusUnauthorized, "bad credentials"
	case errors.Is(err, timeblocks.ErrInvalidToken), errors.Is(err, timeblocks.ErrTokenReplayDetected):
		status, msg = http.StatusUnauthorized, "invalid token"
	case errors.Is(err, timeblocks.ErrEmailNotVerified):
		status, msg = http.StatusForbidden, "email not verified"
	case errors.Is(err, timeblocks.ErrEmailTaken):
		status, msg = http.StatusConflict, "email already taken"
	case errors.Is(err, timeblocks.ErrRateLimited):
		status, msg = http.StatusTooManyRequests, "too many requests"
	case errors.Is(err, timeblocks.ErrInvalidCode), errors.Is(err, timeblocks.ErrCodeExpired),
		errors.Is(err, timeblocks.ErrPasswordPolicy):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, timeblocks.ErrUserNotFound):
		status, msg = http.StatusNotFound, "not found"
	default:
		a.log.Error("internal error", logger.Error(err))
		status, msg = http.StatusInternalServerError, "internal error"
	}
	a.writeJSON(w, status, map[string]string{"error": msg})
}

// remoteKey identifies the caller for rate limiting: the first entry of
// X-Forwarded-For when present, otherwise the connection's host part.
func remoteKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
