// Package grant verifies document join grants.
//
// A join grant is a short-lived Ed25519-signed JWT that authorizes one
// client to join one document. The sync service checks grants before
// upgrading a connection; when no verifier is configured the gate is
// disabled and documents are open.
package grant

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Environment variables that configure grant verification.
const (
	EnvIssuer    = "VELLUM_JOIN_GRANT_ISSUER"
	EnvAudience  = "VELLUM_JOIN_GRANT_AUDIENCE"
	EnvPublicKey = "VELLUM_JOIN_GRANT_PUBLIC_KEY"
)

// Grant verification failures.
var (
	ErrInvalid  = errors.New("join grant is invalid")
	ErrExpired  = errors.New("join grant is expired")
	ErrMismatch = errors.New("join grant mismatch")
)

// grantEnv holds raw env values before post-parse validation.
type grantEnv struct {
	Issuer    string `env:"VELLUM_JOIN_GRANT_ISSUER"`
	Audience  string `env:"VELLUM_JOIN_GRANT_AUDIENCE"`
	PublicKey string `env:"VELLUM_JOIN_GRANT_PUBLIC_KEY"`
}

// Config defines how join grants are verified.
type Config struct {
	Issuer   string
	Audience string
	Key      ed25519.PublicKey
	Now      func() time.Time
}

// Claims captures validated join grant claims.
type Claims struct {
	Issuer     string
	Audience   []string
	ExpiresAt  time.Time
	NotBefore  time.Time
	IssuedAt   time.Time
	JWTID      string
	DocumentID string
	Name       string
}

// grantClaims is the internal claims type used for JWT parsing and minting.
type grantClaims struct {
	jwt.RegisteredClaims
	DocumentID string `json:"document_id"`
	Name       string `json:"name,omitempty"`
}

// LoadConfigFromEnv reads grant verification configuration.
//
// When none of the grant variables are set it returns (nil, nil): the
// gate is disabled. Setting some but not all of them is a configuration
// error.
func LoadConfigFromEnv(now func() time.Time) (*Config, error) {
	var raw grantEnv
	if err := env.Parse(&raw); err != nil {
		return nil, fmt.Errorf("parse join grant env: %w", err)
	}
	issuer := strings.TrimSpace(raw.Issuer)
	audience := strings.TrimSpace(raw.Audience)
	publicKey := strings.TrimSpace(raw.PublicKey)
	if issuer == "" && audience == "" && publicKey == "" {
		return nil, nil
	}
	if issuer == "" {
		return nil, fmt.Errorf("%s is required when join grants are enabled", EnvIssuer)
	}
	if audience == "" {
		return nil, fmt.Errorf("%s is required when join grants are enabled", EnvAudience)
	}
	if publicKey == "" {
		return nil, fmt.Errorf("%s is required when join grants are enabled", EnvPublicKey)
	}
	keyBytes, err := decodeBase64(publicKey)
	if err != nil {
		return nil, fmt.Errorf("decode join grant public key: %w", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("join grant public key must be %d bytes", ed25519.PublicKeySize)
	}
	if now == nil {
		now = time.Now
	}
	return &Config{
		Issuer:   issuer,
		Audience: audience,
		Key:      ed25519.PublicKey(keyBytes),
		Now:      now,
	}, nil
}

// Validate verifies a join grant token against the expected document.
func Validate(token string, documentID string, cfg *Config) (Claims, error) {
	if cfg == nil || cfg.Issuer == "" || cfg.Audience == "" || len(cfg.Key) != ed25519.PublicKeySize {
		return Claims{}, errors.New("join grant verifier is not configured")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, fmt.Errorf("%w: token is required", ErrInvalid)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	var parsed grantClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(token *jwt.Token) (any, error) {
		return cfg.Key, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Claims{}, mapJWTError(err)
	}

	if parsed.Issuer == "" || parsed.Issuer != cfg.Issuer {
		return Claims{}, fmt.Errorf("%w: issuer", ErrMismatch)
	}
	if !slices.Contains(parsed.Audience, cfg.Audience) {
		return Claims{}, fmt.Errorf("%w: audience", ErrMismatch)
	}

	if parsed.ID == "" {
		return Claims{}, fmt.Errorf("%w: jti is required", ErrInvalid)
	}
	if parsed.ExpiresAt == nil {
		return Claims{}, fmt.Errorf("%w: exp is required", ErrInvalid)
	}

	at := now().UTC()
	exp := parsed.ExpiresAt.Time.UTC()
	if !exp.After(at) {
		return Claims{}, ErrExpired
	}
	if parsed.NotBefore != nil {
		nbf := parsed.NotBefore.Time.UTC()
		if at.Before(nbf) {
			return Claims{}, fmt.Errorf("%w: not active yet", ErrInvalid)
		}
	}

	if strings.TrimSpace(parsed.DocumentID) == "" || parsed.DocumentID != documentID {
		return Claims{}, fmt.Errorf("%w: document", ErrMismatch)
	}

	claims := Claims{
		Issuer:     parsed.Issuer,
		Audience:   []string(parsed.Audience),
		ExpiresAt:  exp,
		JWTID:      parsed.ID,
		DocumentID: parsed.DocumentID,
		Name:       strings.TrimSpace(parsed.Name),
	}
	if parsed.NotBefore != nil {
		claims.NotBefore = parsed.NotBefore.Time.UTC()
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	return claims, nil
}

// MintParams describes a grant to mint.
type MintParams struct {
	Issuer     string
	Audience   string
	DocumentID string
	Name       string
	TTL        time.Duration
	Now        func() time.Time
}

// Mint signs a join grant for the given document. It exists for
// operators and tests; production grants come from whatever issues
// document shares.
func Mint(key ed25519.PrivateKey, params MintParams) (string, error) {
	if len(key) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("join grant private key must be %d bytes", ed25519.PrivateKeySize)
	}
	if params.Issuer == "" || params.Audience == "" || params.DocumentID == "" {
		return "", errors.New("issuer, audience, and document id are required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	ttl := params.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	issued := now().UTC()
	claims := grantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    params.Issuer,
			Audience:  jwt.ClaimStrings{params.Audience},
			ExpiresAt: jwt.NewNumericDate(issued.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(issued),
			ID:        uuid.NewString(),
		},
		DocumentID: params.DocumentID,
		Name:       strings.TrimSpace(params.Name),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign join grant: %w", err)
	}
	return signed, nil
}

// mapJWTError translates jwt library errors to grant errors.
func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrEd25519Verification) {
		return fmt.Errorf("%w: signature verification failed", ErrInvalid)
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return fmt.Errorf("%w: unexpected signing algorithm", ErrInvalid)
	}
	return fmt.Errorf("%w: malformed token", ErrInvalid)
}

func decodeBase64(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("empty base64 value")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(value)
}
