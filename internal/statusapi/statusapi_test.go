package statusapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	os          string
	breakpoints int
	inFlight    int
	interrupted bool
}

func (f *fakeSource) OSTypeString() string     { return f.os }
func (f *fakeSource) BreakpointCount() int     { return f.breakpoints }
func (f *fakeSource) InFlightCallCount() int   { return f.inFlight }
func (f *fakeSource) Interrupted() bool        { return f.interrupted }

func TestHandleStatusJSON(t *testing.T) {
	src := &fakeSource{os: "Linux", breakpoints: 3, inFlight: 1}
	h := NewHandler(src, []byte("secret"), func() {})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"breakpoint-count":3`)
}

func TestHandleQuitRejectsMissingToken(t *testing.T) {
	src := &fakeSource{}
	quitCalled := false
	h := NewHandler(src, []byte("secret"), func() { quitCalled = true })

	req := httptest.NewRequest(http.MethodPost, "/quit", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, quitCalled)
}

func TestHandleQuitAcceptsValidToken(t *testing.T) {
	src := &fakeSource{}
	quitCalled := false
	secret := []byte("secret")
	h := NewHandler(src, secret, func() { quitCalled = true })

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "admin",
		"exp": time.Now().Add(time.Minute).Unix(),
	})
	signed, err := token.SignedString(secret)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/quit", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, quitCalled)
}
