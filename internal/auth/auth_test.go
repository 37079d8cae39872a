package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestSignAndParse(t *testing.T) {
	tok, err := SignJWT("s3cret", "u1", time.Hour)
	require.NoError(t, err)

	cl, err := ParseJWT("s3cret", tok)
	require.NoError(t, err)
	assert.Equal(t, "u1", cl.UserID)

	_, err = ParseJWT("other", tok)
	assert.Error(t, err)
	_, err = ParseJWT("s3cret", "")
	assert.Error(t, err)
}

func TestExpiredTokenRejected(t *testing.T) {
	tok, err := SignJWT("s3cret", "u1", -time.Minute)
	require.NoError(t, err)
	_, err = ParseJWT("s3cret", tok)
	assert.Error(t, err)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=q", nil)
	assert.Equal(t, "q", TokenFromRequest(r))

	r.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "h", TokenFromRequest(r))

	r.AddCookie(&http.Cookie{Name: CookieName, Value: "c"})
	assert.Equal(t, "c", TokenFromRequest(r))
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", Middleware("s3cret"), func(c *gin.Context) { c.String(http.StatusOK, UserID(c)) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"error":"Unauthorized - Invalid Token"}`, w.Body.String())

	tok, err := SignJWT("s3cret", "u7", time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: tok})
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u7", w.Body.String())
}

func TestPasswordHashing(t *testing.T) {
	hashed, err := HashPassword("Secr3t!pw", bcrypt.MinCost)
	require.NoError(t, err)
	assert.NotEqual(t, "Secr3t!pw", hashed)
	assert.True(t, VerifyPassword(hashed, "Secr3t!pw"))
	assert.False(t, VerifyPassword(hashed, "secr3t!pw"))
	assert.False(t, VerifyPassword("not-a-hash", "Secr3t!pw"))
}
