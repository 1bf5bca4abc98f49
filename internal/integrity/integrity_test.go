package integrity

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"riskgate/internal/callctx"
	"riskgate/internal/risk"
)

var (
	testSeed = bytes.Repeat([]byte{7}, ed25519.SeedSize)
	testKey  = ed25519.NewKeyFromSeed(testSeed)
	testNow  = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	admin    = callctx.Actor{UserID: "root", TenantID: "acme", Roles: []string{"admin"}, Authenticated: true}
)

func codeHash() string { return HashBytes([]byte("capability v1")) }

func newTestMonitor(fp Fingerprinter) *Monitor {
	m := NewMonitor(NewMemoryStore(), fp, map[string]ed25519.PublicKey{
		"ops": testKey.Public().(ed25519.PublicKey),
	})
	m.Now = func() time.Time { return testNow }
	return m
}

func signed(t *testing.T, version, hash string) Manifest {
	t.Helper()
	m, err := Sign(Manifest{CapabilityID: "filesystem_write", Version: version, CodeHash: hash}, "ops", testKey)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	return m
}

func registerActive(t *testing.T, mon *Monitor, version string) {
	t.Helper()
	ctx := context.Background()
	if _, err := mon.Register(ctx, signed(t, version, codeHash()), "release-bot"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := mon.Activate(ctx, "filesystem_write", admin); err != nil {
		t.Fatalf("activate: %v", err)
	}
}

func TestRegisterRequiresActivation(t *testing.T) {
	mon := newTestMonitor(StaticFingerprinter{"filesystem_write": codeHash()})
	m, err := mon.Register(context.Background(), signed(t, "1.0.0", codeHash()), "release-bot")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if m.Status != StatusPendingActivation || m.RegisteredBy != "release-bot" {
		t.Fatalf("manifest: %#v", m)
	}
	if res := mon.Verify(context.Background(), "filesystem_write"); res.Valid || res.Reason != ReasonNotActivated {
		t.Fatalf("result: %#v", res)
	}
}

func TestActivateAndVerify(t *testing.T) {
	mon := newTestMonitor(StaticFingerprinter{"filesystem_write": codeHash()})
	registerActive(t, mon, "1.0.0")
	res := mon.Verify(context.Background(), "filesystem_write")
	if !res.Valid || res.Version != "1.0.0" {
		t.Fatalf("result: %#v", res)
	}
	m, _ := mon.Get(context.Background(), "filesystem_write")
	if m.ApprovedAt == nil || !m.ApprovedAt.Equal(testNow) || m.ApprovedBy != "root" {
		t.Fatalf("manifest: %#v", m)
	}
}

func TestActivateRequiresAdmin(t *testing.T) {
	mon := newTestMonitor(nil)
	if _, err := mon.Register(context.Background(), signed(t, "1.0.0", codeHash()), "bot"); err != nil {
		t.Fatalf("err: %v", err)
	}
	user := callctx.Actor{UserID: "dev", Roles: []string{"reviewer"}, Authenticated: true}
	if _, err := mon.Activate(context.Background(), "filesystem_write", user); !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("expected ErrNotAdmin, got %v", err)
	}
	unauth := admin
	unauth.Authenticated = false
	if _, err := mon.Activate(context.Background(), "filesystem_write", unauth); !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("expected ErrNotAdmin, got %v", err)
	}
}

func TestRegisterRejectsBadInput(t *testing.T) {
	mon := newTestMonitor(nil)
	ctx := context.Background()

	tampered := signed(t, "1.0.0", codeHash())
	tampered.CodeHash = HashBytes([]byte("something else"))
	if _, err := mon.Register(ctx, tampered, "bot"); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("tampered: %v", err)
	}

	unknown := signed(t, "1.0.0", codeHash())
	unknown.KeyID = "other"
	if _, err := mon.Register(ctx, unknown, "bot"); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("unknown key: %v", err)
	}

	if _, err := mon.Register(ctx, signed(t, "one", codeHash()), "bot"); !errors.Is(err, ErrInvalidVersion) {
		t.Fatalf("version: %v", err)
	}
	if _, err := mon.Register(ctx, signed(t, "1.0.0", "md5:abc"), "bot"); !errors.Is(err, ErrInvalidHash) {
		t.Fatalf("hash: %v", err)
	}

	past := testNow.Add(-time.Hour)
	expired, err := Sign(Manifest{CapabilityID: "filesystem_write", Version: "1.0.0", CodeHash: codeHash(), ExpiresAt: &past}, "ops", testKey)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if _, err := mon.Register(ctx, expired, "bot"); !errors.Is(err, ErrManifestExpired) {
		t.Fatalf("expired: %v", err)
	}
}

func TestRegisterVersionMustIncrease(t *testing.T) {
	mon := newTestMonitor(StaticFingerprinter{"filesystem_write": codeHash()})
	registerActive(t, mon, "1.2.0")
	ctx := context.Background()
	if _, err := mon.Register(ctx, signed(t, "1.2.0", codeHash()), "bot"); !errors.Is(err, ErrVersionNotNewer) {
		t.Fatalf("same version: %v", err)
	}
	if _, err := mon.Register(ctx, signed(t, "1.1.9", codeHash()), "bot"); !errors.Is(err, ErrVersionNotNewer) {
		t.Fatalf("older version: %v", err)
	}
	m, err := mon.Register(ctx, signed(t, "1.3.0", codeHash()), "bot")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if m.Status != StatusPendingActivation || m.ApprovedAt != nil {
		t.Fatalf("new version must wait for activation: %#v", m)
	}
}

func TestVerifyFailures(t *testing.T) {
	ctx := context.Background()

	mismatch := newTestMonitor(StaticFingerprinter{"filesystem_write": HashBytes([]byte("patched"))})
	registerActive(t, mismatch, "1.0.0")
	if res := mismatch.Verify(ctx, "filesystem_write"); res.Valid || res.Reason != ReasonHashMismatch {
		t.Fatalf("mismatch: %#v", res)
	}

	missing := newTestMonitor(StaticFingerprinter{})
	registerActive(t, missing, "1.0.0")
	if res := missing.Verify(ctx, "filesystem_write"); res.Valid || res.Reason != ReasonFingerprintUnavailable {
		t.Fatalf("unavailable: %#v", res)
	}

	revoked := newTestMonitor(StaticFingerprinter{"filesystem_write": codeHash()})
	registerActive(t, revoked, "1.0.0")
	if _, err := revoked.Revoke(ctx, "filesystem_write", admin, "key leak"); err != nil {
		t.Fatalf("err: %v", err)
	}
	if res := revoked.Verify(ctx, "filesystem_write"); res.Valid || res.Reason != ReasonRevoked {
		t.Fatalf("revoked: %#v", res)
	}
	if _, err := revoked.Revoke(ctx, "filesystem_write", admin, "again"); !errors.Is(err, ErrAlreadyRevoked) {
		t.Fatalf("double revoke: %v", err)
	}
}

func TestVerifyExpiry(t *testing.T) {
	mon := newTestMonitor(StaticFingerprinter{"filesystem_write": codeHash()})
	expires := testNow.Add(time.Hour)
	m, err := Sign(Manifest{CapabilityID: "filesystem_write", Version: "1.0.0", CodeHash: codeHash(), ExpiresAt: &expires}, "ops", testKey)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	ctx := context.Background()
	if _, err := mon.Register(ctx, m, "bot"); err != nil {
		t.Fatalf("err: %v", err)
	}
	if _, err := mon.Activate(ctx, "filesystem_write", admin); err != nil {
		t.Fatalf("err: %v", err)
	}
	if res := mon.Verify(ctx, "filesystem_write"); !res.Valid {
		t.Fatalf("before expiry: %#v", res)
	}
	mon.Now = func() time.Time { return expires }
	if res := mon.Verify(ctx, "filesystem_write"); res.Valid || res.Reason != ReasonExpired {
		t.Fatalf("after expiry: %#v", res)
	}
}

func TestVerifyUnregistered(t *testing.T) {
	mon := newTestMonitor(nil)
	if res := mon.Verify(context.Background(), "data_read"); !res.Valid {
		t.Fatalf("optional manifest: %#v", res)
	}
	mon.RequireManifest = true
	if res := mon.Verify(context.Background(), "data_read"); res.Valid || res.Reason != ReasonUnregistered {
		t.Fatalf("required manifest: %#v", res)
	}
}

func TestActivateAppliesDefaultTier(t *testing.T) {
	mon := newTestMonitor(nil)
	mon.Matrix = risk.DefaultMatrix()
	tier := risk.TierCritical
	m, err := Sign(Manifest{CapabilityID: "report_export", Version: "0.1.0", CodeHash: codeHash(), DefaultTier: &tier}, "ops", testKey)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	ctx := context.Background()
	if _, err := mon.Register(ctx, m, "bot"); err != nil {
		t.Fatalf("err: %v", err)
	}
	if got := mon.Matrix.LookupBaseRisk("report_export"); got != risk.UnknownTier {
		t.Fatalf("tier applied before activation: %s", got)
	}
	if _, err := mon.Activate(ctx, "report_export", admin); err != nil {
		t.Fatalf("err: %v", err)
	}
	if _, known := mon.Matrix.Lookup("report_export"); !known {
		t.Fatalf("tier not applied")
	}
	if got := mon.Matrix.LookupBaseRisk("report_export"); got != risk.TierCritical {
		t.Fatalf("tier: %s", got)
	}
}

func TestHashPathDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.py"), []byte("print(1)"), 0o600); err != nil {
		t.Fatalf("err: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "lib"), 0o700); err != nil {
		t.Fatalf("err: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "lib", "b.py"), []byte("x = 2"), 0o600); err != nil {
		t.Fatalf("err: %v", err)
	}
	ctx := context.Background()
	first, err := HashPath(ctx, dir)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !ValidHash(first) {
		t.Fatalf("hash format: %s", first)
	}
	again, _ := HashPath(ctx, dir)
	if again != first {
		t.Fatalf("unstable hash")
	}
	if err := os.WriteFile(filepath.Join(dir, "lib", "b.py"), []byte("x = 3"), 0o600); err != nil {
		t.Fatalf("err: %v", err)
	}
	changed, _ := HashPath(ctx, dir)
	if changed == first {
		t.Fatalf("mutation not detected")
	}
	fp := PathFingerprinter{Paths: map[string]string{"script": filepath.Join(dir, "a.py")}}
	got, err := fp.Fingerprint(ctx, "script")
	if err != nil || got != HashBytes([]byte("print(1)")) {
		t.Fatalf("file fingerprint: %s %v", got, err)
	}
	if _, err := fp.Fingerprint(ctx, "nope"); !errors.Is(err, ErrNoFingerprintSource) {
		t.Fatalf("expected ErrNoFingerprintSource, got %v", err)
	}
}

func TestParsePublicKey(t *testing.T) {
	pub := testKey.Public().(ed25519.PublicKey)
	for _, s := range []string{"AAAA", ""} {
		if _, err := ParsePublicKey(s); err == nil {
			t.Fatalf("expected error for %q", s)
		}
	}
	enc := EncodePublicKey(pub)
	got, err := ParsePublicKey(enc)
	if err != nil || !bytes.Equal(got, pub) {
		t.Fatalf("parse: %v", err)
	}
}
