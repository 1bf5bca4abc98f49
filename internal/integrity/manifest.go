// Package integrity tracks signed capability manifests and checks that the
// capability being invoked is still the one an administrator approved.
package integrity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/gowebpki/jcs"

	"riskgate/internal/risk"
)

type Status string

const (
	StatusPendingActivation Status = "pending_activation"
	StatusActive            Status = "active"
	StatusRevoked           Status = "revoked"
)

const hashPrefix = "sha256:"

var hashPattern = regexp.MustCompile(`^sha256:[0-9a-f]{64}$`)

type Manifest struct {
	CapabilityID string     `json:"capability_id"`
	Version      string     `json:"version"`
	CodeHash     string     `json:"code_hash"`
	DefaultTier  *risk.Tier `json:"default_tier,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	KeyID        string     `json:"key_id"`
	Signature    string     `json:"signature"`
	Status       Status     `json:"status"`
	RegisteredAt time.Time  `json:"registered_at"`
	RegisteredBy string     `json:"registered_by,omitempty"`
	ApprovedAt   *time.Time `json:"approved_at,omitempty"`
	ApprovedBy   string     `json:"approved_by,omitempty"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	RevokedBy    string     `json:"revoked_by,omitempty"`
	RevokeReason string     `json:"revoke_reason,omitempty"`
}

func (m Manifest) Revoked() bool { return m.Status == StatusRevoked }

func (m Manifest) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !now.Before(*m.ExpiresAt)
}

type signingPayload struct {
	CapabilityID string `json:"capability_id"`
	Version      string `json:"version"`
	CodeHash     string `json:"code_hash"`
	DefaultTier  string `json:"default_tier,omitempty"`
	ExpiresAt    string `json:"expires_at,omitempty"`
}

// SigningPayload is the RFC 8785 canonical form of the signed manifest
// fields. Lifecycle fields are not covered by the signature.
func SigningPayload(m Manifest) ([]byte, error) {
	p := signingPayload{
		CapabilityID: m.CapabilityID,
		Version:      m.Version,
		CodeHash:     m.CodeHash,
	}
	if m.DefaultTier != nil {
		p.DefaultTier = m.DefaultTier.String()
	}
	if m.ExpiresAt != nil {
		p.ExpiresAt = m.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

// Sign fills in the manifest's signature with key.
func Sign(m Manifest, keyID string, key ed25519.PrivateKey) (Manifest, error) {
	payload, err := SigningPayload(m)
	if err != nil {
		return m, fmt.Errorf("signing payload: %w", err)
	}
	m.KeyID = keyID
	m.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(key, payload))
	return m, nil
}

func verifySignature(m Manifest, pub ed25519.PublicKey) error {
	sig, err := base64.StdEncoding.DecodeString(m.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}
	payload, err := SigningPayload(m)
	if err != nil {
		return fmt.Errorf("signing payload: %w", err)
	}
	if !ed25519.Verify(pub, payload, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// HashBytes returns the "sha256:<hex>" digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hashPrefix + hex.EncodeToString(sum[:])
}

func ValidHash(h string) bool {
	return hashPattern.MatchString(h)
}

// ParsePublicKey accepts a base64 (std or raw URL) encoded ed25519 key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawURLEncoding} {
		b, err := enc.DecodeString(s)
		if err == nil && len(b) == ed25519.PublicKeySize {
			return ed25519.PublicKey(b), nil
		}
	}
	return nil, fmt.Errorf("invalid ed25519 public key")
}

func EncodePublicKey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}
