package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/spf13/cobra"

	"riskgate/internal/integrity"
	"riskgate/internal/risk"
)

// signedManifest is the registration body POST /v1/manifests accepts.
type signedManifest struct {
	CapabilityID string     `json:"capability_id"`
	Version      string     `json:"version"`
	CodeHash     string     `json:"code_hash"`
	DefaultTier  *risk.Tier `json:"default_tier,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	KeyID        string     `json:"key_id"`
	Signature    string     `json:"signature"`
}

type signOptions struct {
	capability string
	version    string
	path       string
	codeHash   string
	tier       string
	expires    string
	keyID      string
	keyFile    string
}

func newSignManifestCmd() *cobra.Command {
	var o signOptions
	cmd := &cobra.Command{
		Use:   "sign-manifest",
		Short: "Sign a capability manifest",
		Long: `Build and sign a capability manifest.

The code hash is computed from --path (a file or directory) unless
--code-hash is given. The printed JSON is the body for POST /v1/manifests.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := o.build(cmd)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(m)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.capability, "capability", "", "capability id")
	f.StringVar(&o.version, "version", "", "semantic version of the capability code")
	f.StringVar(&o.path, "path", "", "file or directory to fingerprint")
	f.StringVar(&o.codeHash, "code-hash", "", "precomputed sha256:<hex> code hash")
	f.StringVar(&o.tier, "tier", "", "default risk tier (LOW, MEDIUM, HIGH, CRITICAL)")
	f.StringVar(&o.expires, "expires", "", "expiry as RFC 3339 time or a duration from now")
	f.StringVar(&o.keyID, "key-id", "", "signing key id")
	f.StringVar(&o.keyFile, "key-file", "", "file holding the base64 private key")
	return cmd
}

func (o signOptions) build(cmd *cobra.Command) (signedManifest, error) {
	if o.capability == "" || o.keyID == "" || o.keyFile == "" {
		return signedManifest{}, fmt.Errorf("--capability, --key-id and --key-file required")
	}
	if _, err := semver.NewVersion(o.version); err != nil {
		return signedManifest{}, fmt.Errorf("--version: %w", err)
	}
	m := integrity.Manifest{CapabilityID: o.capability, Version: o.version, CodeHash: o.codeHash}
	switch {
	case o.codeHash != "" && o.path != "":
		return signedManifest{}, fmt.Errorf("--path and --code-hash are exclusive")
	case o.path != "":
		h, err := integrity.HashPath(cmd.Context(), o.path)
		if err != nil {
			return signedManifest{}, err
		}
		m.CodeHash = h
	case !integrity.ValidHash(o.codeHash):
		return signedManifest{}, fmt.Errorf("--path or a valid --code-hash required")
	}
	if o.tier != "" {
		tier, err := risk.ParseTier(o.tier)
		if err != nil {
			return signedManifest{}, err
		}
		m.DefaultTier = &tier
	}
	if o.expires != "" {
		at, err := parseExpiry(o.expires, time.Now())
		if err != nil {
			return signedManifest{}, err
		}
		m.ExpiresAt = &at
	}
	raw, err := os.ReadFile(o.keyFile)
	if err != nil {
		return signedManifest{}, fmt.Errorf("read key: %w", err)
	}
	key, err := parsePrivateKey(string(raw))
	if err != nil {
		return signedManifest{}, err
	}
	signed, err := integrity.Sign(m, o.keyID, key)
	if err != nil {
		return signedManifest{}, err
	}
	return signedManifest{
		CapabilityID: signed.CapabilityID,
		Version:      signed.Version,
		CodeHash:     signed.CodeHash,
		DefaultTier:  signed.DefaultTier,
		ExpiresAt:    signed.ExpiresAt,
		KeyID:        signed.KeyID,
		Signature:    signed.Signature,
	}, nil
}

func parseExpiry(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return time.Time{}, fmt.Errorf("--expires: want RFC 3339 time or positive duration, got %q", s)
	}
	return now.Add(d).UTC().Truncate(time.Second), nil
}
