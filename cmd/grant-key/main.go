// Package main provides a one-shot utility for join grant keys.
//
// Without flags it emits a fresh Ed25519 keypair as export lines. With
// -mint it signs a join grant for one document using the private key
// from VELLUM_JOIN_GRANT_PRIVATE_KEY.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/vellumcanvas/vellum/internal/platform/config"
	"github.com/vellumcanvas/vellum/internal/services/sync/grant"
	"github.com/vellumcanvas/vellum/internal/tools/grantkey"
)

func main() {
	mint := flag.Bool("mint", false, "mint a join grant instead of generating keys")
	document := flag.String("document", "", "document id the grant admits")
	name := flag.String("name", "", "display name carried by the grant")
	issuer := flag.String("issuer", os.Getenv(grant.EnvIssuer), "grant issuer")
	audience := flag.String("audience", os.Getenv(grant.EnvAudience), "grant audience")
	ttl := flag.Duration("ttl", time.Hour, "grant lifetime")
	flag.Parse()

	if !*mint {
		if err := grantkey.Run(os.Stdout, nil); err != nil {
			config.Exitf("generate join grant key: %v", err)
		}
		return
	}

	token, err := grantkey.Mint(os.Getenv(grantkey.EnvPrivateKey), grant.MintParams{
		Issuer:     *issuer,
		Audience:   *audience,
		DocumentID: *document,
		Name:       *name,
		TTL:        *ttl,
	})
	if err != nil {
		config.Exitf("mint join grant: %v", err)
	}
	fmt.Println(token)
}
