// Package identity resolves the owner of a request: an explicit owner header set by a
// trusted front end, or an anonymous per-device cookie.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const (
	AnonCookieName   = "draftsmith_anon_id"
	OwnerHeaderName  = "X-Owner-ID"
	anonCookieMaxAge = 30 * 24 * time.Hour
)

type contextKey int

const ownerIDKey contextKey = iota

var (
	anonIDPattern  = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	ownerIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:@-]{1,128}$`)
)

// OwnerIDFromContext extracts the owner ID from the request context.
func OwnerIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ownerIDKey).(string); ok {
		return v
	}
	return ""
}

// WithOwnerID returns a context carrying ownerID.
func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerIDKey, ownerID)
}

func generateAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

func isValidAnonID(id string) bool {
	return anonIDPattern.MatchString(id)
}

func setAnonCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func getOrCreateAnonID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(AnonCookieName); err == nil && isValidAnonID(c.Value) {
		setAnonCookie(w, c.Value, isDev)
		return c.Value, nil
	}

	id, err := generateAnonID()
	if err != nil {
		return "", err
	}
	setAnonCookie(w, id, isDev)
	return id, nil
}

// Middleware injects the owner ID. A well-formed X-Owner-ID header wins; otherwise the
// anonymous cookie is used and refreshed.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ownerID := strings.TrimSpace(r.Header.Get(OwnerHeaderName))
			if ownerID != "" && !ownerIDPattern.MatchString(ownerID) {
				http.Error(w, `{"error":"invalid owner id"}`, http.StatusBadRequest)
				return
			}
			if ownerID == "" {
				var err error
				ownerID, err = getOrCreateAnonID(w, r, isDev)
				if err != nil {
					http.Error(w, `{"error":"failed to establish anonymous identity"}`, http.StatusInternalServerError)
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(WithOwnerID(r.Context(), ownerID)))
		})
	}
}
