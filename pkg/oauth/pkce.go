package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// Verifiers and state parameters both carry 32 bytes of entropy, which
// base64url-encodes to 43 characters. RFC 7636 requires a verifier of 43 to
// 128 characters from the unreserved set.
const randomTokenBytes = 32

// PKCEChallenge is a verifier/challenge pair for one authorization request.
// Only the S256 method is supported; "plain" is deliberately absent.
type PKCEChallenge struct {
	CodeVerifier        string
	CodeChallenge       string
	CodeChallengeMethod string
}

// GeneratePKCE returns a fresh verifier/challenge pair.
func GeneratePKCE() (*PKCEChallenge, error) {
	verifier, challenge, err := GeneratePKCERaw()
	if err != nil {
		return nil, err
	}
	return &PKCEChallenge{
		CodeVerifier:        verifier,
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
	}, nil
}

// GeneratePKCERaw returns the verifier and its S256 challenge as bare strings
// for callers that assemble the authorization request themselves.
func GeneratePKCERaw() (verifier, challenge string, err error) {
	verifier, err = randomURLToken()
	if err != nil {
		return "", "", fmt.Errorf("generating code verifier: %w", err)
	}
	sum := sha256.Sum256([]byte(verifier))
	return verifier, base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// GenerateState returns an unguessable state parameter. The state ties the
// provider's redirect back to the pending request that produced it.
func GenerateState() (string, error) {
	state, err := randomURLToken()
	if err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}
	return state, nil
}

func randomURLToken() (string, error) {
	buf := make([]byte, randomTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
