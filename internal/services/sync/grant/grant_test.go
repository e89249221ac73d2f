package grant

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func testKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pub, priv
}

// signGrant builds a raw JWT so tests can craft claims the minting path
// would never produce.
func signGrant(t *testing.T, privateKey ed25519.PrivateKey, header, payload map[string]any) string {
	t.Helper()

	headerJSON, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	encodedHeader := base64.RawURLEncoding.EncodeToString(headerJSON)
	encodedPayload := base64.RawURLEncoding.EncodeToString(payloadJSON)
	signingInput := encodedHeader + "." + encodedPayload
	signature := ed25519.Sign(privateKey, []byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(signature)
}

func TestLoadConfigFromEnvDisabledWhenUnset(t *testing.T) {
	t.Setenv(EnvIssuer, "")
	t.Setenv(EnvAudience, "")
	t.Setenv(EnvPublicKey, "")

	cfg, err := LoadConfigFromEnv(nil)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg != nil {
		t.Fatal("expected nil config when no grant vars are set")
	}
}

func TestLoadConfigFromEnvRejectsPartialConfig(t *testing.T) {
	t.Setenv(EnvIssuer, "vellum-shares")
	t.Setenv(EnvAudience, "")
	t.Setenv(EnvPublicKey, "")

	if _, err := LoadConfigFromEnv(nil); err == nil {
		t.Fatal("expected error when only some grant vars are set")
	}
}

func TestLoadConfigFromEnvValidatesKey(t *testing.T) {
	t.Setenv(EnvIssuer, "vellum-shares")
	t.Setenv(EnvAudience, "vellum-sync")

	t.Setenv(EnvPublicKey, "!!not-base64!!")
	if _, err := LoadConfigFromEnv(nil); err == nil {
		t.Fatal("expected error for undecodable public key")
	}

	t.Setenv(EnvPublicKey, base64.RawStdEncoding.EncodeToString([]byte("short")))
	if _, err := LoadConfigFromEnv(nil); err == nil {
		t.Fatal("expected error for wrong-size public key")
	}
}

func TestLoadConfigFromEnvSuccess(t *testing.T) {
	pub, _ := testKey(t)
	t.Setenv(EnvIssuer, "vellum-shares")
	t.Setenv(EnvAudience, "vellum-sync")
	t.Setenv(EnvPublicKey, base64.RawStdEncoding.EncodeToString(pub))

	cfg, err := LoadConfigFromEnv(nil)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Issuer != "vellum-shares" || cfg.Audience != "vellum-sync" {
		t.Fatalf("config = %+v, want issuer and audience loaded", cfg)
	}
	if len(cfg.Key) != ed25519.PublicKeySize {
		t.Fatalf("key size = %d, want %d", len(cfg.Key), ed25519.PublicKeySize)
	}
	if cfg.Now == nil {
		t.Fatal("expected a clock to be installed")
	}
}

func TestMintedGrantRoundTrip(t *testing.T) {
	pub, priv := testKey(t)
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	token, err := Mint(priv, MintParams{
		Issuer:     "vellum-shares",
		Audience:   "vellum-sync",
		DocumentID: "doc-1",
		Name:       "  Ada  ",
		TTL:        30 * time.Minute,
		Now:        clock,
	})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	cfg := &Config{Issuer: "vellum-shares", Audience: "vellum-sync", Key: pub, Now: clock}
	claims, err := Validate(token, "doc-1", cfg)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.DocumentID != "doc-1" {
		t.Fatalf("document = %q, want doc-1", claims.DocumentID)
	}
	if claims.Name != "Ada" {
		t.Fatalf("name = %q, want trimmed Ada", claims.Name)
	}
	if claims.JWTID == "" {
		t.Fatal("expected a jti to be minted")
	}
	if !claims.ExpiresAt.Equal(now.Add(30 * time.Minute)) {
		t.Fatalf("expires at = %s, want %s", claims.ExpiresAt, now.Add(30*time.Minute))
	}
}

func TestMintValidatesInputs(t *testing.T) {
	_, priv := testKey(t)
	if _, err := Mint(priv[:16], MintParams{Issuer: "i", Audience: "a", DocumentID: "d"}); err == nil {
		t.Fatal("expected error for truncated key")
	}
	if _, err := Mint(priv, MintParams{Issuer: "i", Audience: "a"}); err == nil {
		t.Fatal("expected error for missing document id")
	}
}

func TestValidateGrantExpired(t *testing.T) {
	pub, priv := testKey(t)
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	token := signGrant(t, priv, map[string]any{"alg": "EdDSA"}, map[string]any{
		"iss":         "vellum-shares",
		"aud":         "vellum-sync",
		"exp":         now.Add(-time.Minute).Unix(),
		"jti":         "jti-1",
		"document_id": "doc-1",
	})

	cfg := &Config{Issuer: "vellum-shares", Audience: "vellum-sync", Key: pub, Now: func() time.Time { return now }}
	if _, err := Validate(token, "doc-1", cfg); !errors.Is(err, ErrExpired) {
		t.Fatalf("error = %v, want ErrExpired", err)
	}
}

func TestValidateGrantClaimMismatches(t *testing.T) {
	pub, priv := testKey(t)
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	base := map[string]any{
		"iss":         "vellum-shares",
		"aud":         "vellum-sync",
		"exp":         now.Add(time.Hour).Unix(),
		"jti":         "jti-1",
		"document_id": "doc-1",
	}
	tests := []struct {
		name     string
		mutate   map[string]any
		document string
		wantHint string
	}{
		{name: "issuer", mutate: map[string]any{"iss": "someone-else"}, document: "doc-1", wantHint: "issuer"},
		{name: "audience", mutate: map[string]any{"aud": "other-service"}, document: "doc-1", wantHint: "audience"},
		{name: "document", mutate: nil, document: "doc-2", wantHint: "document"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			payload := make(map[string]any, len(base))
			for k, v := range base {
				payload[k] = v
			}
			for k, v := range tc.mutate {
				payload[k] = v
			}
			token := signGrant(t, priv, map[string]any{"alg": "EdDSA"}, payload)
			cfg := &Config{Issuer: "vellum-shares", Audience: "vellum-sync", Key: pub, Now: func() time.Time { return now }}
			_, err := Validate(token, tc.document, cfg)
			if !errors.Is(err, ErrMismatch) || !strings.Contains(err.Error(), tc.wantHint) {
				t.Fatalf("error = %v, want ErrMismatch on %s", err, tc.wantHint)
			}
		})
	}
}

func TestValidateGrantRequiredClaims(t *testing.T) {
	pub, priv := testKey(t)
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	cfg := &Config{Issuer: "vellum-shares", Audience: "vellum-sync", Key: pub, Now: func() time.Time { return now }}

	missingExp := signGrant(t, priv, map[string]any{"alg": "EdDSA"}, map[string]any{
		"iss":         "vellum-shares",
		"aud":         "vellum-sync",
		"jti":         "jti-1",
		"document_id": "doc-1",
	})
	if _, err := Validate(missingExp, "doc-1", cfg); !errors.Is(err, ErrInvalid) || !strings.Contains(err.Error(), "exp") {
		t.Fatalf("error = %v, want ErrInvalid for missing exp", err)
	}

	missingJTI := signGrant(t, priv, map[string]any{"alg": "EdDSA"}, map[string]any{
		"iss":         "vellum-shares",
		"aud":         "vellum-sync",
		"exp":         now.Add(time.Hour).Unix(),
		"document_id": "doc-1",
	})
	if _, err := Validate(missingJTI, "doc-1", cfg); !errors.Is(err, ErrInvalid) || !strings.Contains(err.Error(), "jti") {
		t.Fatalf("error = %v, want ErrInvalid for missing jti", err)
	}

	notYetActive := signGrant(t, priv, map[string]any{"alg": "EdDSA"}, map[string]any{
		"iss":         "vellum-shares",
		"aud":         "vellum-sync",
		"exp":         now.Add(time.Hour).Unix(),
		"nbf":         now.Add(30 * time.Minute).Unix(),
		"jti":         "jti-1",
		"document_id": "doc-1",
	})
	if _, err := Validate(notYetActive, "doc-1", cfg); !errors.Is(err, ErrInvalid) || !strings.Contains(err.Error(), "active") {
		t.Fatalf("error = %v, want ErrInvalid for future nbf", err)
	}
}

func TestValidateGrantRejectsBadSignatures(t *testing.T) {
	pub, _ := testKey(t)
	_, otherPriv := testKey(t)
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	cfg := &Config{Issuer: "vellum-shares", Audience: "vellum-sync", Key: pub, Now: func() time.Time { return now }}

	wrongKey := signGrant(t, otherPriv, map[string]any{"alg": "EdDSA"}, map[string]any{
		"iss":         "vellum-shares",
		"aud":         "vellum-sync",
		"exp":         now.Add(time.Hour).Unix(),
		"jti":         "jti-1",
		"document_id": "doc-1",
	})
	if _, err := Validate(wrongKey, "doc-1", cfg); !errors.Is(err, ErrInvalid) {
		t.Fatalf("error = %v, want ErrInvalid for wrong key", err)
	}

	wrongAlg := signGrant(t, otherPriv, map[string]any{"alg": "HS256"}, map[string]any{
		"iss": "vellum-shares",
	})
	if _, err := Validate(wrongAlg, "doc-1", cfg); !errors.Is(err, ErrInvalid) {
		t.Fatalf("error = %v, want ErrInvalid for wrong algorithm", err)
	}

	if _, err := Validate("not.a.token", "doc-1", cfg); !errors.Is(err, ErrInvalid) {
		t.Fatalf("error = %v, want ErrInvalid for malformed token", err)
	}
	if _, err := Validate("", "doc-1", cfg); !errors.Is(err, ErrInvalid) {
		t.Fatalf("error = %v, want ErrInvalid for empty token", err)
	}
}

func TestValidateGrantRequiresConfiguration(t *testing.T) {
	if _, err := Validate("token", "doc-1", nil); err == nil {
		t.Fatal("expected error for missing verifier config")
	}
	if _, err := Validate("token", "doc-1", &Config{Issuer: "i"}); err == nil {
		t.Fatal("expected error for incomplete verifier config")
	}
}
