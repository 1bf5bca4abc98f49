package integrity

import (
	"context"
	"crypto/ed25519"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"riskgate/internal/callctx"
	"riskgate/internal/risk"
)

var (
	ErrInvalidSignature = errors.New("invalid manifest signature")
	ErrUnknownKey       = errors.New("unknown signing key")
	ErrInvalidVersion   = errors.New("invalid manifest version")
	ErrVersionNotNewer  = errors.New("manifest version must increase")
	ErrInvalidHash      = errors.New("code hash must be sha256:<hex>")
	ErrManifestExpired  = errors.New("manifest already expired")
	ErrNotAdmin         = errors.New("administrator role required")
	ErrNotPending       = errors.New("manifest is not pending activation")
	ErrAlreadyRevoked   = errors.New("manifest already revoked")
)

// Verification failure reasons.
const (
	ReasonUnregistered           = "unregistered"
	ReasonNotActivated           = "not_activated"
	ReasonRevoked                = "revoked"
	ReasonExpired                = "expired"
	ReasonHashMismatch           = "hash_mismatch"
	ReasonFingerprintUnavailable = "fingerprint_unavailable"
	ReasonStoreUnavailable       = "store_unavailable"
)

type Result struct {
	CapabilityID string `json:"capability_id"`
	Valid        bool   `json:"valid"`
	Reason       string `json:"reason,omitempty"`
	Version      string `json:"version,omitempty"`
	ExpectedHash string `json:"expected_hash,omitempty"`
	ActualHash   string `json:"actual_hash,omitempty"`
}

type Monitor struct {
	Store         Store
	Fingerprinter Fingerprinter
	Keys          map[string]ed25519.PublicKey
	AdminRoles    []string
	// RequireManifest makes calls to capabilities with no manifest fail
	// verification instead of passing through.
	RequireManifest bool
	// Matrix, when set, receives a manifest's default tier on activation.
	Matrix *risk.Matrix
	Now    func() time.Time

	mu sync.Mutex
}

func NewMonitor(store Store, fp Fingerprinter, keys map[string]ed25519.PublicKey) *Monitor {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Monitor{
		Store:         store,
		Fingerprinter: fp,
		Keys:          keys,
		AdminRoles:    []string{"admin"},
		Now:           time.Now,
	}
}

// Register stores a signed manifest as pending activation. A capability that
// already has a manifest only accepts a strictly newer version.
func (m *Monitor) Register(ctx context.Context, manifest Manifest, registeredBy string) (Manifest, error) {
	manifest.CapabilityID = strings.TrimSpace(manifest.CapabilityID)
	if manifest.CapabilityID == "" {
		return Manifest{}, errors.New("capability_id required")
	}
	if !ValidHash(manifest.CodeHash) {
		return Manifest{}, ErrInvalidHash
	}
	next, err := semver.NewVersion(manifest.Version)
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrInvalidVersion, err)
	}
	pub, ok := m.Keys[manifest.KeyID]
	if !ok {
		return Manifest{}, ErrUnknownKey
	}
	if err := verifySignature(manifest, pub); err != nil {
		return Manifest{}, err
	}
	now := m.now()
	if manifest.Expired(now) {
		return Manifest{}, ErrManifestExpired
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	current, err := m.Store.GetManifest(ctx, manifest.CapabilityID)
	switch {
	case err == nil:
		prev, perr := semver.NewVersion(current.Version)
		if perr == nil && !next.GreaterThan(prev) {
			return Manifest{}, fmt.Errorf("%w: %s is not newer than %s", ErrVersionNotNewer, next, prev)
		}
	case !errors.Is(err, ErrNotFound):
		return Manifest{}, err
	}

	manifest.Status = StatusPendingActivation
	manifest.RegisteredAt = now
	manifest.RegisteredBy = registeredBy
	manifest.ApprovedAt, manifest.ApprovedBy = nil, ""
	manifest.RevokedAt, manifest.RevokedBy, manifest.RevokeReason = nil, "", ""
	if err := m.Store.SaveManifest(ctx, manifest); err != nil {
		return Manifest{}, err
	}
	return manifest, nil
}

// Activate approves a pending manifest. Only administrators may activate.
func (m *Monitor) Activate(ctx context.Context, capabilityID string, admin callctx.Actor) (Manifest, error) {
	if !m.isAdmin(admin) {
		return Manifest{}, ErrNotAdmin
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	manifest, err := m.Store.GetManifest(ctx, capabilityID)
	if err != nil {
		return Manifest{}, err
	}
	if manifest.Status != StatusPendingActivation {
		return Manifest{}, ErrNotPending
	}
	now := m.now()
	manifest.Status = StatusActive
	manifest.ApprovedAt = &now
	manifest.ApprovedBy = admin.UserID
	if err := m.Store.SaveManifest(ctx, manifest); err != nil {
		return Manifest{}, err
	}
	if manifest.DefaultTier != nil && m.Matrix != nil {
		m.Matrix.Set(manifest.CapabilityID, *manifest.DefaultTier)
	}
	return manifest, nil
}

func (m *Monitor) Revoke(ctx context.Context, capabilityID string, admin callctx.Actor, reason string) (Manifest, error) {
	if !m.isAdmin(admin) {
		return Manifest{}, ErrNotAdmin
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	manifest, err := m.Store.GetManifest(ctx, capabilityID)
	if err != nil {
		return Manifest{}, err
	}
	if manifest.Revoked() {
		return Manifest{}, ErrAlreadyRevoked
	}
	now := m.now()
	manifest.Status = StatusRevoked
	manifest.RevokedAt = &now
	manifest.RevokedBy = admin.UserID
	manifest.RevokeReason = reason
	if err := m.Store.SaveManifest(ctx, manifest); err != nil {
		return Manifest{}, err
	}
	return manifest, nil
}

func (m *Monitor) Get(ctx context.Context, capabilityID string) (Manifest, error) {
	return m.Store.GetManifest(ctx, capabilityID)
}

// Verify checks the capability against its manifest. Any doubt fails closed.
func (m *Monitor) Verify(ctx context.Context, capabilityID string) Result {
	res := Result{CapabilityID: capabilityID}
	manifest, err := m.Store.GetManifest(ctx, capabilityID)
	if errors.Is(err, ErrNotFound) {
		if m.RequireManifest {
			res.Reason = ReasonUnregistered
			return res
		}
		res.Valid = true
		return res
	}
	if err != nil {
		res.Reason = ReasonStoreUnavailable
		return res
	}
	res.Version = manifest.Version
	res.ExpectedHash = manifest.CodeHash
	switch {
	case manifest.Revoked():
		res.Reason = ReasonRevoked
		return res
	case manifest.Status != StatusActive:
		res.Reason = ReasonNotActivated
		return res
	case manifest.Expired(m.now()):
		res.Reason = ReasonExpired
		return res
	}
	if m.Fingerprinter == nil {
		res.Reason = ReasonFingerprintUnavailable
		return res
	}
	actual, err := m.Fingerprinter.Fingerprint(ctx, capabilityID)
	if err != nil {
		res.Reason = ReasonFingerprintUnavailable
		return res
	}
	res.ActualHash = actual
	if subtle.ConstantTimeCompare([]byte(actual), []byte(manifest.CodeHash)) != 1 {
		res.Reason = ReasonHashMismatch
		return res
	}
	res.Valid = true
	return res
}

func (m *Monitor) isAdmin(actor callctx.Actor) bool {
	if !actor.Authenticated || actor.UserID == "" {
		return false
	}
	for _, role := range m.AdminRoles {
		if actor.HasRole(role) {
			return true
		}
	}
	return false
}

func (m *Monitor) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}
