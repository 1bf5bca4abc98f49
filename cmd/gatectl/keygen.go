package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"riskgate/internal/integrity"
)

var generateKey = ed25519.GenerateKey

type keyPair struct {
	KeyID      string `json:"key_id"`
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key,omitempty"`
}

func newKeygenCmd() *cobra.Command {
	var keyID, privOut string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an ed25519 manifest signing key",
		Long: `Generate an ed25519 key pair for signing capability manifests.

The public key goes into integrity.trusted_keys under the key id. With
--private-out the private key is written to that file (mode 0600) and
left out of the printed JSON.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(keyID) == "" {
				return fmt.Errorf("--key-id required")
			}
			pub, priv, err := generateKey(rand.Reader)
			if err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			pair := keyPair{KeyID: keyID, PublicKey: integrity.EncodePublicKey(pub)}
			encoded := base64.StdEncoding.EncodeToString(priv)
			if privOut != "" {
				if err := os.WriteFile(privOut, []byte(encoded+"\n"), 0o600); err != nil {
					return fmt.Errorf("write private key: %w", err)
				}
			} else {
				pair.PrivateKey = encoded
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(pair)
		},
	}
	cmd.Flags().StringVar(&keyID, "key-id", "", "identifier the gateway knows this key by")
	cmd.Flags().StringVar(&privOut, "private-out", "", "write the private key to this file instead of stdout")
	return cmd
}

// parsePrivateKey accepts a base64 ed25519 private key or its 32 byte seed.
func parsePrivateKey(s string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}
	switch len(raw) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	default:
		return nil, fmt.Errorf("private key: want %d or %d bytes, got %d", ed25519.PrivateKeySize, ed25519.SeedSize, len(raw))
	}
}
