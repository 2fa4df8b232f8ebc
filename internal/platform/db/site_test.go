package db

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/lis/lis/internal/platform/auth"
)

func newSiteContext(target string, headers map[string]string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return e.NewContext(req, httptest.NewRecorder())
}

func TestExtractSiteID(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		headers map[string]string
		claim   string
		want    string
	}{
		{"default", "/", nil, "", "main"},
		{"query", "/?site_id=east", nil, "", "east"},
		{"header beats query", "/?site_id=east", map[string]string{"X-Site-ID": "west"}, "", "west"},
		{"claim beats header", "/", map[string]string{"X-Site-ID": "west"}, "north", "north"},
		{"empty claim falls through", "/", map[string]string{"X-Site-ID": "west"}, "", "west"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newSiteContext(tt.target, tt.headers)
			c.Set(auth.SiteClaimKey, tt.claim)
			if got := extractSiteID(c, "main"); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestValidSiteID(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{"main", true},
		{"Lab_2", true},
		{"A1B2", true},
		{"a-b", false},
		{"a.b", false},
		{"a b", false},
		{"'; DROP SCHEMA public", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ValidSiteID(tt.input); got != tt.valid {
			t.Errorf("ValidSiteID(%q) = %v, want %v", tt.input, got, tt.valid)
		}
	}
}

func TestSchemaName(t *testing.T) {
	if got := SchemaName("north"); got != "site_north" {
		t.Errorf("expected site_north, got %s", got)
	}
}

func TestSiteMiddleware_RejectsInvalidSite(t *testing.T) {
	c := newSiteContext("/", map[string]string{"X-Site-ID": "bad-site"})
	called := false
	h := SiteMiddleware(nil, "main")(func(echo.Context) error {
		called = true
		return nil
	})

	err := h(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
	if called {
		t.Error("next handler ran for an invalid site")
	}
}

func TestContextAccessors(t *testing.T) {
	if ConnFromContext(context.Background()) != nil {
		t.Error("expected nil conn from empty context")
	}
	if SiteFromContext(context.Background()) != "" {
		t.Error("expected empty site from empty context")
	}

	ctx := WithSiteConn(context.Background(), "north", nil)
	if SiteFromContext(ctx) != "north" {
		t.Errorf("expected north, got %q", SiteFromContext(ctx))
	}
	if ConnFromContext(ctx) != nil {
		t.Error("expected nil conn when none was bound")
	}

	wrong := context.WithValue(context.Background(), DBConnKey, "not-a-conn")
	if ConnFromContext(wrong) != nil {
		t.Error("expected nil when context value is wrong type")
	}
}

func TestForkSiteConn_WithoutBoundConn(t *testing.T) {
	for _, ctx := range []context.Context{
		context.Background(),
		WithSiteConn(context.Background(), "north", nil),
	} {
		got, release, err := ForkSiteConn(ctx, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		release()
		if got != ctx {
			t.Error("expected the context back unchanged")
		}
	}
}

func TestCreateSiteSchema_InvalidID(t *testing.T) {
	for _, id := range []string{"site-with-dash", "site.dot", "si te", "drop;table"} {
		if err := CreateSiteSchema(context.Background(), nil, id, nil); err == nil {
			t.Errorf("expected error for invalid site ID %q", id)
		}
	}
}
