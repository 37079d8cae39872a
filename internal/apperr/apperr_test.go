package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{Validation("bad"), http.StatusBadRequest},
		{Unauthenticated("no"), http.StatusUnauthorized},
		{Conflict("dup"), http.StatusConflict},
		{RateLimited("slow"), http.StatusTooManyRequests},
		{Persistence("write", errors.New("boom")), http.StatusInternalServerError},
		{Upload("bad image", nil, true), http.StatusBadRequest},
		{Upload("disk", errors.New("io"), false), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
		{fmt.Errorf("wrapped: %w", Validation("inner")), http.StatusBadRequest},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, HTTPStatus(tc.err), tc.err.Error())
	}
}

func TestKindOfAndUnwrap(t *testing.T) {
	cause := errors.New("mongo down")
	err := fmt.Errorf("send: %w", Persistence("persist message", cause))
	assert.Equal(t, KindPersistence, KindOf(err))
	assert.True(t, IsKind(err, KindPersistence))
	assert.ErrorIs(t, err, cause)
	assert.False(t, IsKind(nil, KindPersistence))
	assert.Equal(t, KindInternal, KindOf(errors.New("x")))
}

func TestPublicMessage(t *testing.T) {
	assert.Equal(t, "bad", PublicMessage(Validation("bad")))
	assert.Equal(t, "Internal server error", PublicMessage(Persistence("insert failed", errors.New("secret dsn"))))
	assert.Equal(t, "Image upload failed", PublicMessage(Upload("write file", errors.New("disk"), false)))
	assert.Equal(t, "unsupported image", PublicMessage(Upload("unsupported image", nil, true)))
}
