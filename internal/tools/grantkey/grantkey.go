package grantkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/vellumcanvas/vellum/internal/services/sync/grant"
)

// Run generates a join grant key pair and writes exports.
func Run(out io.Writer, reader io.Reader) error {
	if out == nil {
		return errors.New("output is required")
	}
	if reader == nil {
		reader = rand.Reader
	}
	publicKey, privateKey, err := ed25519.GenerateKey(reader)
	if err != nil {
		return fmt.Errorf("generate join grant key: %w", err)
	}
	if _, err := fmt.Fprintf(out, "export %s=%s\n", EnvPrivateKey, base64.RawStdEncoding.EncodeToString(privateKey)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(out, "export %s=%s\n", grant.EnvPublicKey, base64.RawStdEncoding.EncodeToString(publicKey)); err != nil {
		return err
	}
	return nil
}

// EnvPrivateKey names the signing key variable Run emits. Only minting
// reads it; the sync service itself never sees the private half.
const EnvPrivateKey = "VELLUM_JOIN_GRANT_PRIVATE_KEY"

// Mint signs a join grant using a base64-encoded private key as printed
// by Run.
func Mint(privateKey string, params grant.MintParams) (string, error) {
	if privateKey == "" {
		return "", errors.New("private key is required")
	}
	keyBytes, err := decodeBase64(privateKey)
	if err != nil {
		return "", fmt.Errorf("decode join grant private key: %w", err)
	}
	if len(keyBytes) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("join grant private key must be %d bytes", ed25519.PrivateKeySize)
	}
	return grant.Mint(ed25519.PrivateKey(keyBytes), params)
}

func decodeBase64(value string) ([]byte, error) {
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(value)
}
