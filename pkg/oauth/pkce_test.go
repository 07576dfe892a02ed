package oauth

import (
	"crypto/sha256"
	"encoding/base64"
	"regexp"
	"strings"
	"testing"
)

// verifierAlphabet matches the unreserved characters RFC 7636 allows in a
// code verifier. Base64url output is a subset of this.
var verifierAlphabet = regexp.MustCompile(`^[A-Za-z0-9\-._~]+$`)

func TestGeneratePKCE_ChallengeMatchesVerifier(t *testing.T) {
	for i := 0; i < 100; i++ {
		pkce, err := GeneratePKCE()
		if err != nil {
			t.Fatalf("GeneratePKCE failed: %v", err)
		}

		hash := sha256.Sum256([]byte(pkce.CodeVerifier))
		want := base64.RawURLEncoding.EncodeToString(hash[:])
		if pkce.CodeChallenge != want {
			t.Fatalf("challenge mismatch: got %q, want %q", pkce.CodeChallenge, want)
		}

		if pkce.CodeChallengeMethod != "S256" {
			t.Fatalf("expected S256 method, got %q", pkce.CodeChallengeMethod)
		}
	}
}

func TestGeneratePKCE_VerifierConformsToRFC7636(t *testing.T) {
	pkce, err := GeneratePKCE()
	if err != nil {
		t.Fatalf("GeneratePKCE failed: %v", err)
	}

	// 32 random bytes encode to 43 characters, within the 43-128 range.
	if len(pkce.CodeVerifier) < 43 || len(pkce.CodeVerifier) > 128 {
		t.Errorf("verifier length %d outside RFC 7636 range [43, 128]", len(pkce.CodeVerifier))
	}

	if !verifierAlphabet.MatchString(pkce.CodeVerifier) {
		t.Errorf("verifier contains characters outside the RFC 7636 alphabet: %q", pkce.CodeVerifier)
	}

	if strings.ContainsAny(pkce.CodeVerifier, "=+/") {
		t.Errorf("verifier must be unpadded base64url, got %q", pkce.CodeVerifier)
	}
	if strings.ContainsAny(pkce.CodeChallenge, "=+/") {
		t.Errorf("challenge must be unpadded base64url, got %q", pkce.CodeChallenge)
	}
}

func TestGeneratePKCE_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		pkce, err := GeneratePKCE()
		if err != nil {
			t.Fatalf("GeneratePKCE failed: %v", err)
		}
		if seen[pkce.CodeVerifier] {
			t.Fatal("duplicate verifier generated")
		}
		seen[pkce.CodeVerifier] = true
	}
}

func TestGenerateState(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		state, err := GenerateState()
		if err != nil {
			t.Fatalf("GenerateState failed: %v", err)
		}
		if len(state) < 32 {
			t.Fatalf("state too short: %d characters", len(state))
		}
		if seen[state] {
			t.Fatal("duplicate state generated")
		}
		seen[state] = true
	}
}
