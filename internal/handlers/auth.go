package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/Oscar-999/hero-chat/internal/metrics"
	"github.com/Oscar-999/hero-chat/internal/models"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// SessionCookieName is the cookie carrying the sign-in session token.
const SessionCookieName = "herochat_session"

type sessionCtxKey struct{}

type signInRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type signInResponse struct {
	Username  string    `json:"username"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type signInPageData struct {
	Username string
	Error    string
}

var errInvalidCredentials = errors.New("invalid username or password")

// SessionFromContext returns the SessionContext resolved for the request. A context that never went
// through the session middleware is still loading.
func SessionFromContext(ctx context.Context) models.SessionContext {
	s, ok := ctx.Value(sessionCtxKey{}).(models.SessionContext)
	if !ok {
		return models.SessionContext{State: models.SessionLoading}
	}
	return s
}

// withSession resolves the session cookie into an explicit SessionContext stored in the request context.
func (m Main) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := m.resolveSession(r)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionCtxKey{}, s)))
	})
}

// requireSession rejects requests without an authenticated session.
func (m Main) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !SessionFromContext(r.Context()).Authenticated() {
			metrics.RequestsTotal.WithLabelValues("unauthorized").Inc()
			writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Message: "Sign in required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m Main) resolveSession(r *http.Request) models.SessionContext {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return models.UnauthenticatedSession()
	}

	s, err := m.store.Session(r.Context(), cookie.Value)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			m.requestLogger(r).Error("Failed to get session", slog.String(errLoggerKey, err.Error()))
		}
		return models.UnauthenticatedSession()
	}

	if s.Expired(time.Now()) {
		if err := m.store.DeleteSession(r.Context(), s.Token); err != nil {
			m.requestLogger(r).Error("Failed to delete expired session", slog.String(errLoggerKey, err.Error()))
		}
		return models.UnauthenticatedSession()
	}

	return models.AuthenticatedSession(models.User{Username: s.Username})
}

// HandleSignInPage renders the sign-in form. Users that are already signed in are sent to the chat.
func (m Main) HandleSignInPage(w http.ResponseWriter, r *http.Request) {
	if SessionFromContext(r.Context()).Authenticated() {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	if err := m.templates.ExecuteTemplate(w, "signin.html", signInPageData{}); err != nil {
		m.requestLogger(r).Error("Failed to render sign-in page", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleSignIn verifies credentials posted either as a form or as JSON. On success it issues a session,
// sets the session cookie and either redirects to the chat (form) or answers with the session (JSON).
func (m Main) HandleSignIn(w http.ResponseWriter, r *http.Request) {
	logger := m.requestLogger(r)
	asJSON := isJSON(r)

	var req signInRequest
	if asJSON {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Message: "Invalid sign-in request", Error: err.Error()})
			return
		}
	} else {
		req.Username = r.FormValue("username")
		req.Password = r.FormValue("password")
	}

	session, err := m.signIn(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, errInvalidCredentials) {
			status = http.StatusUnauthorized
			logger.Warn("Sign-in rejected", slog.String("username", req.Username))
		} else {
			logger.Error("Sign-in failed", slog.String("username", req.Username), slog.String(errLoggerKey, err.Error()))
		}

		if asJSON {
			writeJSON(w, status, models.ErrorResponse{Message: "Sign-in failed", Error: err.Error()})
			return
		}
		w.WriteHeader(status)
		if err := m.templates.ExecuteTemplate(w, "signin.html", signInPageData{
			Username: req.Username,
			Error:    err.Error(),
		}); err != nil {
			logger.Error("Failed to render sign-in page", slog.String(errLoggerKey, err.Error()))
		}
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    session.Token,
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		Secure:   m.cfg.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	logger.Info("Signed in", slog.String("username", session.Username))

	if asJSON {
		writeJSON(w, http.StatusOK, signInResponse{
			Username:  session.Username,
			Token:     session.Token,
			ExpiresAt: session.ExpiresAt,
		})
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// HandleSignOut ends the current session and sends the user back to the sign-in page.
func (m Main) HandleSignOut(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		if err := m.store.DeleteSession(r.Context(), cookie.Value); err != nil {
			m.requestLogger(r).Error("Failed to delete session", slog.String(errLoggerKey, err.Error()))
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.cfg.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, "/signin", http.StatusSeeOther)
}

func (m Main) signIn(ctx context.Context, req signInRequest) (models.SignInSession, error) {
	if req.Username == "" || req.Password == "" {
		return models.SignInSession{}, errInvalidCredentials
	}

	account, err := m.store.Account(ctx, req.Username)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.SignInSession{}, errInvalidCredentials
		}
		return models.SignInSession{}, err
	}

	if err := bcrypt.CompareHashAndPassword(account.PasswordHash, []byte(req.Password)); err != nil {
		return models.SignInSession{}, errInvalidCredentials
	}

	session := models.SignInSession{
		Token:     uuid.New().String(),
		Username:  account.Username,
		ExpiresAt: time.Now().Add(m.cfg.SessionTTL),
	}
	if err := m.store.AddSession(ctx, session); err != nil {
		return models.SignInSession{}, err
	}
	return session, nil
}

func isJSON(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/json"
}
