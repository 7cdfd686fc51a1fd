package requestid

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(capture *string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/ping", func(c *gin.Context) {
		*capture = Value(c)
		c.Status(http.StatusOK)
	})
	return r
}

func TestGeneratesIDWhenAbsent(t *testing.T) {
	var got string
	r := newRouter(&got)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))

	_, err := uuid.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, got, w.Header().Get("X-Request-ID"))
}

func TestHonorsCallerSuppliedID(t *testing.T) {
	var got string
	r := newRouter(&got)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Request-ID", "upstream-42")
	r.ServeHTTP(w, req)

	assert.Equal(t, "upstream-42", got)
	assert.Equal(t, "upstream-42", w.Header().Get("X-Request-ID"))
}
