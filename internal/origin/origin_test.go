package origin

import (
	"net/http/httptest"
	"testing"
)

func TestNormalize(t *testing.T) {
	t.Run("normalizes scheme and host", func(t *testing.T) {
		normalized, host, ok := Normalize("HTTPS://Example.COM:8443")
		if !ok {
			t.Fatalf("expected ok=true")
		}
		if normalized != "https://example.com:8443" {
			t.Fatalf("normalized=%q, want %q", normalized, "https://example.com:8443")
		}
		if host != "example.com:8443" {
			t.Fatalf("host=%q, want %q", host, "example.com:8443")
		}
	})

	t.Run("elides default port", func(t *testing.T) {
		normalized, host, ok := Normalize("https://example.com:443")
		if !ok {
			t.Fatalf("expected ok=true")
		}
		if normalized != "https://example.com" || host != "example.com" {
			t.Fatalf("normalized=%q host=%q", normalized, host)
		}
	})

	t.Run("allows trailing slash", func(t *testing.T) {
		normalized, host, ok := Normalize("http://localhost:5173/")
		if !ok {
			t.Fatalf("expected ok=true")
		}
		if normalized != "http://localhost:5173" || host != "localhost:5173" {
			t.Fatalf("normalized=%q host=%q", normalized, host)
		}
	})

	t.Run("brackets ipv6 literals", func(t *testing.T) {
		normalized, host, ok := Normalize("http://[::1]:8080")
		if !ok {
			t.Fatalf("expected ok=true")
		}
		if normalized != "http://[::1]:8080" || host != "[::1]:8080" {
			t.Fatalf("normalized=%q host=%q", normalized, host)
		}
	})

	t.Run("allows null origin", func(t *testing.T) {
		normalized, host, ok := Normalize("null")
		if !ok || normalized != "null" || host != "" {
			t.Fatalf("normalized=%q host=%q ok=%v", normalized, host, ok)
		}
	})

	t.Run("rejects scheme other than http/https", func(t *testing.T) {
		if _, _, ok := Normalize("ftp://example.com"); ok {
			t.Fatalf("expected ok=false")
		}
	})

	t.Run("rejects path, query, credentials, fragment", func(t *testing.T) {
		cases := []string{
			"https://example.com/path",
			"https://example.com/?q=1",
			"https://user@example.com",
			"https://example.com/#frag",
		}
		for _, c := range cases {
			if _, _, ok := Normalize(c); ok {
				t.Fatalf("expected ok=false for %q", c)
			}
		}
	})
}

func TestChecker_Allow(t *testing.T) {
	t.Run("default is same host only", func(t *testing.T) {
		c := NewChecker(nil)
		if !c.Allow("https://app.hutz.live", "app.hutz.live") {
			t.Fatalf("expected same-host to be allowed")
		}
		if !c.Allow("https://app.hutz.live:443", "app.hutz.live") {
			t.Fatalf("expected default port to be treated as equivalent")
		}
		if c.Allow("https://evil.example.com", "app.hutz.live") {
			t.Fatalf("expected cross-host to be rejected")
		}
	})

	t.Run("null never matches a host under default policy", func(t *testing.T) {
		c := NewChecker(nil)
		if c.Allow("null", "app.hutz.live") {
			t.Fatalf("expected null origin to be rejected")
		}
	})

	t.Run("wildcard allows everything parseable", func(t *testing.T) {
		c := NewChecker([]string{"*"})
		if !c.Allow("https://anything.example.com", "app.hutz.live") {
			t.Fatalf("expected * to allow any origin")
		}
		if c.Allow("ftp://anything.example.com", "app.hutz.live") {
			t.Fatalf("expected malformed origin to be rejected even with *")
		}
	})

	t.Run("explicit allowlist", func(t *testing.T) {
		c := NewChecker([]string{"https://app.hutz.live"})
		if !c.Allow("https://app.hutz.live", "signal.hutz.live") {
			t.Fatalf("expected listed origin to be allowed")
		}
		if !c.Allow("HTTPS://App.Hutz.Live", "signal.hutz.live") {
			t.Fatalf("expected case-insensitive match")
		}
		if c.Allow("https://other.hutz.live", "signal.hutz.live") {
			t.Fatalf("expected unlisted origin to be rejected")
		}
	})

	t.Run("null allowed when listed", func(t *testing.T) {
		c := NewChecker([]string{"null"})
		if !c.Allow("null", "signal.hutz.live") {
			t.Fatalf("expected null origin to be allowed when configured")
		}
	})
}

func TestChecker_CheckRequest(t *testing.T) {
	c := NewChecker([]string{"https://app.hutz.live"})

	t.Run("missing origin header is allowed", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws", nil)
		if !c.CheckRequest(r) {
			t.Fatalf("expected request without Origin to pass")
		}
	})

	t.Run("listed origin passes", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws", nil)
		r.Header.Set("Origin", "https://app.hutz.live")
		if !c.CheckRequest(r) {
			t.Fatalf("expected listed origin to pass")
		}
	})

	t.Run("unlisted origin is rejected", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws", nil)
		r.Header.Set("Origin", "https://evil.example.com")
		if c.CheckRequest(r) {
			t.Fatalf("expected unlisted origin to be rejected")
		}
	})
}
