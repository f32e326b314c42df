package apikey

import (
	"context"
	"net/http"
	"testing"

	"github.com/rhuss/pysandbox/pkg/auth"
	"github.com/rhuss/pysandbox/pkg/config"
)

func newTestAuth() *Authenticator {
	return New([]config.APIKeyConfig{
		{Key: "sk-test-key-1", Subject: "alice"},
		{Key: "sk-test-key-2", Subject: "bob"},
		{Key: "sk-test-key-3"},
		{Subject: "no-key"},
	})
}

func request(header string) *http.Request {
	r, _ := http.NewRequest("POST", "/run", nil)
	if header != "" {
		r.Header.Set("Authorization", header)
	}
	return r
}

func TestAuthenticate(t *testing.T) {
	a := newTestAuth()

	tests := []struct {
		name        string
		header      string
		wantDecision auth.AuthDecision
		wantSubject string
	}{
		{"first key", "Bearer sk-test-key-1", auth.Yes, "alice"},
		{"second key", "Bearer sk-test-key-2", auth.Yes, "bob"},
		{"unnamed key", "Bearer sk-test-key-3", auth.Yes, "apikey-2"},
		{"wrong key", "Bearer sk-wrong-key", auth.No, ""},
		{"empty bearer", "Bearer ", auth.No, ""},
		{"no header", "", auth.Abstain, ""},
		{"basic auth", "Basic dXNlcjpwYXNz", auth.Abstain, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := a.Authenticate(context.Background(), request(tt.header))
			if result.Decision != tt.wantDecision {
				t.Fatalf("Decision = %d, want %d", result.Decision, tt.wantDecision)
			}
			if tt.wantDecision == auth.No && result.Err == nil {
				t.Error("expected an error for a rejected key")
			}
			if tt.wantSubject != "" && result.Identity.Subject != tt.wantSubject {
				t.Errorf("Subject = %q, want %q", result.Identity.Subject, tt.wantSubject)
			}
		})
	}
}

func TestEntryWithoutKeyIsIgnored(t *testing.T) {
	a := newTestAuth()
	if len(a.keys) != 3 {
		t.Errorf("keys = %d, want 3", len(a.keys))
	}
}

func TestIdentityIsCopied(t *testing.T) {
	a := newTestAuth()

	first := a.Authenticate(context.Background(), request("Bearer sk-test-key-1"))
	first.Identity.Subject = "mallory"
	first.Identity.Metadata["auth"] = "tampered"

	second := a.Authenticate(context.Background(), request("Bearer sk-test-key-1"))
	if second.Identity.Subject != "alice" {
		t.Errorf("Subject = %q, want alice", second.Identity.Subject)
	}
	if second.Identity.Metadata["auth"] != "apikey" {
		t.Errorf("Metadata leaked between calls: %v", second.Identity.Metadata)
	}
}
