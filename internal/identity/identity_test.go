package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoOwner() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(OwnerIDFromContext(r.Context())))
	})
}

func TestOwnerHeaderWins(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(OwnerHeaderName, "user@example.org")
	w := httptest.NewRecorder()

	Middleware(true)(echoOwner()).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user@example.org", w.Body.String())
	assert.Empty(t, w.Result().Cookies())
}

func TestAnonymousCookieIsIssuedAndReused(t *testing.T) {
	h := Middleware(false)(echoOwner())

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, AnonCookieName, cookies[0].Name)
	assert.True(t, cookies[0].Secure)
	assert.True(t, isValidAnonID(cookies[0].Value))
	assert.Equal(t, cookies[0].Value, w.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, cookies[0].Value, w.Body.String())
}

func TestForgedCookieIsReplaced(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: "anon_../../etc"})
	w := httptest.NewRecorder()

	Middleware(true)(echoOwner()).ServeHTTP(w, req)

	assert.NotEqual(t, "anon_../../etc", w.Body.String())
	assert.True(t, isValidAnonID(w.Body.String()))
}

func TestMalformedOwnerHeaderIsRejected(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(OwnerHeaderName, "owner with spaces")
	w := httptest.NewRecorder()

	Middleware(true)(echoOwner()).ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
