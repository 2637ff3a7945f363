package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"collabsync/internal/auth"
)

var testTokenConfig = auth.TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}

func TestRequireAuth_SetsParticipant(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tok, err := auth.CreateToken(auth.Grant{ParticipantID: "ada"}, testTokenConfig)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	r := gin.New()
	r.GET("/", RequireAuth(testTokenConfig), func(c *gin.Context) {
		id, ok := ParticipantIDFromContext(c)
		if !ok || id != "ada" {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Basic abc")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestRequireSession(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tok, err := auth.CreateToken(auth.Grant{ParticipantID: "ada", SessionID: "doc-1"}, testTokenConfig)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	r := gin.New()
	r.GET("/sessions/:id", RequireAuth(testTokenConfig), RequireSession(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	for path, want := range map[string]int{
		"/sessions/doc-1": http.StatusOK,
		"/sessions/doc-2": http.StatusForbidden,
	} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != want {
			t.Fatalf("%s: expected %d, got %d", path, want, w.Code)
		}
	}
}
