package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/deemkeen/fedcore/auth"
	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/util"
	"github.com/gin-gonic/gin"
)

func setupRouter(t *testing.T) (*gin.Engine, *auth.Provider, *domain.Actor) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.Open(context.Background(), ":memory:", util.DiscardLogger())
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	alice := &domain.Actor{
		Username:      "alice",
		Domain:        "local.example",
		URI:           "https://local.example/users/alice",
		InboxURI:      "https://local.example/users/alice/inbox",
		PublicKeyPem:  "pub",
		PrivateKeyPem: "priv",
	}
	if err := database.CreateActor(context.Background(), alice); err != nil {
		t.Fatalf("Failed to create actor: %v", err)
	}

	provider := auth.NewProvider(database, "secret", "https://local.example")
	router := gin.New()
	api := router.Group("/api", Bearer(provider, util.DiscardLogger()))
	api.GET("/read", RequireScope(auth.ScopeRead), func(c *gin.Context) {
		c.String(http.StatusOK, Identity(c).Actor.Username)
	})
	api.POST("/write", RequireScope(auth.ScopeWrite), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return router, provider, alice
}

func TestBearer(t *testing.T) {
	router, provider, alice := setupRouter(t)
	readOnly, err := provider.Issue(alice, []auth.Scope{auth.ScopeRead}, time.Hour)
	if err != nil {
		t.Fatalf("Failed to issue token: %v", err)
	}

	tests := []struct {
		name   string
		method string
		path   string
		header string
		want   int
	}{
		{"no header", "GET", "/api/read", "", http.StatusUnauthorized},
		{"basic scheme", "GET", "/api/read", "Basic YWRtaW46YWRtaW4=", http.StatusUnauthorized},
		{"empty token", "GET", "/api/read", "Bearer ", http.StatusUnauthorized},
		{"bad token", "GET", "/api/read", "Bearer nope", http.StatusUnauthorized},
		{"read scope", "GET", "/api/read", "Bearer " + readOnly, http.StatusOK},
		{"lowercase scheme", "GET", "/api/read", "bearer " + readOnly, http.StatusOK},
		{"missing write scope", "POST", "/api/write", "Bearer " + readOnly, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d (%s)", tt.want, w.Code, w.Body.String())
			}
			if tt.want == http.StatusOK && w.Body.String() != "alice" {
				t.Errorf("Expected identity alice, got %q", w.Body.String())
			}
			if tt.want == http.StatusUnauthorized && w.Header().Get("WWW-Authenticate") == "" {
				t.Error("Expected a WWW-Authenticate challenge")
			}
		})
	}
}

func TestIdentityWithoutBearer(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	if Identity(c) != nil {
		t.Error("Expected no identity on a fresh context")
	}
}
