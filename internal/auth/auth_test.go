package auth

import (
	"net/http/httptest"
	"testing"
)

func TestAPIKeyVerifier(t *testing.T) {
	t.Parallel()

	v := APIKeyVerifier{Expected: "sekret"}
	if err := v.Verify("sekret"); err != nil {
		t.Fatalf("Verify(correct key): %v", err)
	}
	if err := v.Verify("wrong"); err == nil {
		t.Fatal("Verify(wrong key) accepted")
	}
	if err := v.Verify(""); err == nil {
		t.Fatal("Verify(empty key) accepted")
	}
}

func TestAPIKeyVerifier_EmptyExpectedRejectsEverything(t *testing.T) {
	t.Parallel()

	// A misconfigured empty expected key must never turn into allow-all at
	// this layer; NewVerifier handles the disabled case explicitly.
	v := APIKeyVerifier{}
	if err := v.Verify("anything"); err == nil {
		t.Fatal("Verify accepted with empty expected key")
	}
}

func TestNewVerifier_EmptyKeyDisablesGate(t *testing.T) {
	t.Parallel()

	v := NewVerifier("")
	if err := v.Verify(""); err != nil {
		t.Fatalf("disabled gate rejected: %v", err)
	}
	if err := v.Verify("whatever"); err != nil {
		t.Fatalf("disabled gate rejected credential: %v", err)
	}
}

func TestCredentialFromRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		target string
		header string
		want   string
	}{
		{name: "query param", target: "/ws?apiKey=abc", want: "abc"},
		{name: "bearer header", target: "/ws", header: "Bearer tok", want: "tok"},
		{name: "query wins over header", target: "/ws?apiKey=abc", header: "Bearer tok", want: "abc"},
		{name: "basic auth ignored", target: "/ws", header: "Basic dXNlcg==", want: ""},
		{name: "nothing presented", target: "/ws", want: ""},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest("GET", tc.target, nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			if got := CredentialFromRequest(r); got != tc.want {
				t.Fatalf("CredentialFromRequest() = %q, want %q", got, tc.want)
			}
		})
	}
}
