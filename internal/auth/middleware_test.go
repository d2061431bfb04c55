package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(v *Verifier) *gin.Engine {
	r := gin.New()
	r.GET("/internal/ping", RequireToken(v), func(c *gin.Context) {
		caller, _ := c.Get(ContextKeyCaller)
		c.JSON(http.StatusOK, gin.H{"caller": caller})
	})
	return r
}

func request(r *gin.Engine, header, value string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/internal/ping", nil)
	if header != "" {
		req.Header.Set(header, value)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequireToken(t *testing.T) {
	r := newRouter(NewVerifier("s3cret"))

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"bearer", "Authorization", "Bearer s3cret", http.StatusOK},
		{"lowercase scheme", "Authorization", "bearer s3cret", http.StatusOK},
		{"bare token", "Authorization", "s3cret", http.StatusOK},
		{"api key header", "X-API-Key", "s3cret", http.StatusOK},
		{"wrong token", "Authorization", "Bearer nope", http.StatusUnauthorized},
		{"prefix of token", "Authorization", "Bearer s3cre", http.StatusUnauthorized},
		{"empty bearer", "Authorization", "Bearer ", http.StatusUnauthorized},
		{"missing", "", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := request(r, tt.header, tt.value)
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusOK {
				assert.Contains(t, w.Body.String(), `"caller":"internal"`)
			} else {
				assert.Contains(t, w.Body.String(), `"error":"unauthorized"`)
			}
		})
	}
}

func TestVerifier(t *testing.T) {
	v := NewVerifier("tok")
	assert.False(t, v.Open())
	assert.ErrorIs(t, v.Verify(""), ErrNoToken)
	assert.ErrorIs(t, v.Verify("Bearer other"), ErrInvalidToken)
	assert.NoError(t, v.Verify("Bearer tok"))
}

func TestVerifier_EmptyTokenIsOpen(t *testing.T) {
	v := NewVerifier("")
	assert.True(t, v.Open())
	assert.Equal(t, http.StatusOK, request(newRouter(v), "", "").Code)
}
