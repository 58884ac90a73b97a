package main

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const (
	sessionCookieName = "session"
	csrfCookieName    = "csrf"
	csrfFieldName     = "csrf_token"
)

type sessionKey struct{}

func generateToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

func sessionFromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionKey{}).(*Session)
	return sess
}

func currentUser(r *http.Request) *User {
	if sess := sessionFromContext(r.Context()); sess != nil {
		return &sess.User
	}
	return nil
}

func (b *Blog) setSessionCookie(w http.ResponseWriter, sess *Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   b.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
		Expires:  sess.ExpiresAt,
	})
}

func (b *Blog) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   b.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// startSession replaces whatever session the browser had with a new one
// holding user and the API token.
func (b *Blog) startSession(w http.ResponseWriter, r *http.Request, token string, user User) (*Session, error) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		if err := b.sessions.Delete(r.Context(), cookie.Value); err != nil {
			b.logger.Warnw("dropping previous session", "error", err)
		}
	}

	id, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("generating session id: %w", err)
	}

	now := b.now()
	sess := &Session{
		ID:          id,
		User:        user,
		APIToken:    token,
		CreatedAt:   now,
		ExpiresAt:   sessionExpiry(token, now, b.cfg.SessionTTL),
		RefreshedAt: now,
	}
	if !sess.ExpiresAt.After(now) {
		return nil, errors.New("api token is already expired")
	}
	if err := b.sessions.Create(r.Context(), sess); err != nil {
		return nil, err
	}

	b.setSessionCookie(w, sess)
	return sess, nil
}

func (b *Blog) endSession(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		if err := b.sessions.Delete(r.Context(), cookie.Value); err != nil {
			b.logger.Errorw("deleting session", "error", err)
		}
	}
	b.clearSessionCookie(w)
}

// handleUnauthorized is the reaction to a 401 from the API: forget the
// session and start over at the login page. Visitors who never had a
// session are not told it expired.
func (b *Blog) handleUnauthorized(w http.ResponseWriter, r *http.Request) {
	if sessionFromContext(r.Context()) != nil {
		b.addFlash(w, r, Flash{
			Title:       "Session expired",
			Description: "Please log in again.",
			Variant:     flashDestructive,
		})
	}
	b.endSession(w, r)
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

// loadSession attaches the browser's session, if any, to the request
// context along with its API token.
func (b *Blog) loadSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil || cookie.Value == "" {
			next.ServeHTTP(w, r)
			return
		}

		sess, err := b.sessions.Get(r.Context(), cookie.Value)
		if err != nil {
			b.logger.Errorw("loading session", "error", err)
		}
		if sess == nil {
			b.clearSessionCookie(w)
			next.ServeHTTP(w, r)
			return
		}

		ctx := ContextWithToken(r.Context(), sess.APIToken)
		if r.Method == http.MethodGet && b.now().Sub(sess.RefreshedAt) >= b.cfg.UserRefresh {
			if !b.refreshUser(ctx, sess) {
				b.endSession(w, r)
				next.ServeHTTP(w, r)
				return
			}
		}

		ctx = context.WithValue(ctx, sessionKey{}, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// refreshUser re-reads the logged-in user from the API. It returns false
// only when the API rejected the token; other failures keep the stale user.
func (b *Blog) refreshUser(ctx context.Context, sess *Session) bool {
	user, err := b.api.CurrentUser(ctx)
	if errors.Is(err, ErrUnauthorized) {
		return false
	}
	if err != nil {
		b.logger.Warnw("refreshing current user", "error", err)
		return true
	}

	now := b.now()
	if err := b.sessions.UpdateUser(ctx, sess.ID, *user, now); err != nil {
		b.logger.Errorw("storing refreshed user", "error", err)
		return true
	}
	sess.User = *user
	sess.RefreshedAt = now
	return true
}

// requireAuth is middleware that protects routes requiring a session
func (b *Blog) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if sessionFromContext(r.Context()) == nil {
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}
		next(w, r)
	}
}

// requireAdmin additionally hides admin-only pages from authors. The API
// enforces the same rule; this only avoids showing forms that would fail.
func (b *Blog) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return b.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		if !currentUser(r).IsAdmin() {
			b.renderError(w, r, http.StatusForbidden, "You are not allowed to do that.")
			return
		}
		next(w, r)
	})
}

// CSRF protection using double-submit cookie pattern

func (b *Blog) setCSRFCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: false,
		Secure:   b.cfg.SecureCookies,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(b.cfg.SessionTTL.Seconds()),
	})
}

func getCSRFToken(r *http.Request) string {
	cookie, err := r.Cookie(csrfCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func validateCSRF(r *http.Request) bool {
	cookieToken := getCSRFToken(r)
	formToken := r.FormValue(csrfFieldName)

	if cookieToken == "" || formToken == "" {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(cookieToken), []byte(formToken)) == 1
}

func parseFormWithCSRF(w http.ResponseWriter, r *http.Request) bool {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return false
	}
	if !validateCSRF(r) {
		http.Error(w, "Invalid CSRF token", http.StatusForbidden)
		return false
	}
	return true
}

// ensureCSRFToken returns existing token or creates a new one
func (b *Blog) ensureCSRFToken(w http.ResponseWriter, r *http.Request) string {
	token := getCSRFToken(r)
	if token != "" {
		return token
	}

	token, err := generateToken()
	if err != nil {
		b.logger.Errorw("generating csrf token", "error", err)
		return ""
	}
	b.setCSRFCookie(w, token)
	return token
}

// sessionSweeper purges expired sessions now and then every interval until
// ctx is done.
func (b *Blog) sessionSweeper(ctx context.Context, interval time.Duration) {
	if err := b.sessions.DeleteExpired(ctx); err != nil {
		b.logger.Errorw("cleaning up expired sessions", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.sessions.DeleteExpired(ctx); err != nil {
				b.logger.Errorw("cleaning up expired sessions", "error", err)
			}
		}
	}
}
