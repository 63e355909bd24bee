package verifier_test

import (
	"crypto/ed25519"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/capengine/cap/pkg/crypto"
	"github.com/capengine/cap/pkg/keystore"
	"github.com/capengine/cap/pkg/manifest"
	"github.com/capengine/cap/pkg/policy"
	"github.com/capengine/cap/pkg/proof"
	"github.com/capengine/cap/pkg/verifier"
)

func samplePolicy() *policy.Source {
	return &policy.Source{
		ID:         "pol.verifier.v1",
		Version:    "1.0.0",
		LegalBasis: []string{"internal"},
		Inputs: map[string]policy.InputSpec{
			"age": {Type: "number"},
		},
		Rules: []policy.Rule{
			{ID: "r1", Op: policy.OpRangeMin, LHS: "age", RHS: 18},
		},
	}
}

func buildSignedManifest(t *testing.T, src *policy.Source, policyHash string, statement proof.Statement) (manifest.Manifest, []byte) {
	t.Helper()
	m, err := manifest.Build(manifest.Input{
		SupplierRoot:          [32]byte{1},
		UBORoot:               [32]byte{2},
		CompanyCommitmentRoot: [32]byte{3},
		Policy:                manifest.PolicyRef{Name: src.ID, Version: src.Version, Hash: policyHash},
		Audit:                 manifest.AuditRef{TailDigest: "sha3-256:abc", EventsCount: 1},
		CreatedAt:             time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	p, err := proof.MockBackend{}.Build(statement, nil)
	require.NoError(t, err)
	encoded, err := proof.Encode(p)
	require.NoError(t, err)
	return m, encoded
}

func TestVerify_HappyPath(t *testing.T) {
	src := samplePolicy()
	result, err := policy.Compile(src)
	require.NoError(t, err)
	env, err := policy.Env(src)
	require.NoError(t, err)

	m, encoded := buildSignedManifest(t, src, result.PolicyHash, proof.Statement{"age": 21.0})

	report, err := verifier.Verify(verifier.Input{
		Manifest:   m,
		ProofBytes: encoded,
		Statement:  proof.Statement{"age": 21.0},
		IR:         result.IR,
		CELEnv:     env,
	}, verifier.Options{})
	require.NoError(t, err)
	require.Equal(t, verifier.StatusOk, report.Status)
	require.NotEmpty(t, report.ManifestHash)
	require.NotEmpty(t, report.ProofHash)
}

func TestVerify_RuleFailureFails(t *testing.T) {
	src := samplePolicy()
	result, err := policy.Compile(src)
	require.NoError(t, err)
	env, err := policy.Env(src)
	require.NoError(t, err)

	m, encoded := buildSignedManifest(t, src, result.PolicyHash, proof.Statement{"age": 10.0})

	report, err := verifier.Verify(verifier.Input{Manifest: m, ProofBytes: encoded, Statement: proof.Statement{"age": 10.0}, IR: result.IR, CELEnv: env}, verifier.Options{})
	require.NoError(t, err)
	require.Equal(t, verifier.StatusFail, report.Status)
}

func TestVerify_ShadowRuleUnderAdaptiveDoesNotFlipStatus(t *testing.T) {
	src := samplePolicy()
	src.Rules[0].Shadow = true
	result, err := policy.Compile(src)
	require.NoError(t, err)
	env, err := policy.Env(src)
	require.NoError(t, err)

	m, encoded := buildSignedManifest(t, src, result.PolicyHash, proof.Statement{"age": 10.0})

	report, err := verifier.Verify(verifier.Input{Manifest: m, ProofBytes: encoded, Statement: proof.Statement{"age": 10.0}, IR: result.IR, CELEnv: env}, verifier.Options{Adaptive: true})
	require.NoError(t, err)
	require.Equal(t, verifier.StatusOk, report.Status)
}

func TestVerify_TamperedProofFails(t *testing.T) {
	src := samplePolicy()
	result, err := policy.Compile(src)
	require.NoError(t, err)
	env, err := policy.Env(src)
	require.NoError(t, err)

	m, encoded := buildSignedManifest(t, src, result.PolicyHash, proof.Statement{"age": 21.0})
	originalHash := proof.Hash(encoded)

	tampered := append([]byte(nil), encoded...)
	tampered[len(tampered)-1] ^= 0xFF

	report, err := verifier.Verify(verifier.Input{Manifest: m, ProofBytes: tampered, Statement: proof.Statement{"age": 21.0}, IR: result.IR, CELEnv: env}, verifier.Options{
		ExpectedProofHash: originalHash,
	})
	require.NoError(t, err)
	require.Equal(t, verifier.StatusFail, report.Status)
	require.False(t, report.SignatureValid) // check_signature was never requested, so it never became true
}

func TestVerify_SignatureCheckValid(t *testing.T) {
	src := samplePolicy()
	result, err := policy.Compile(src)
	require.NoError(t, err)
	env, err := policy.Env(src)
	require.NoError(t, err)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ks := keystore.NewStore()
	rec, err := ks.Generate("tester", []keystore.Usage{keystore.UsageSigning}, now, now.Add(365*24*time.Hour))
	require.NoError(t, err)

	m, encoded := buildSignedManifest(t, src, result.PolicyHash, proof.Statement{"age": 21.0})
	preimage, err := m.Preimage()
	require.NoError(t, err)
	sig := crypto.Ed25519Sign(rec.PrivateKey, preimage)
	m = m.WithSignature(manifest.Signature{KID: rec.KID, SigB64: crypto.B64Std(sig)})

	resolver := func(kid string, ts time.Time) (ed25519.PublicKey, error) {
		require.Equal(t, rec.KID, kid)
		pub, err := crypto.B64StdDecode(rec.PublicKeyB64)
		require.NoError(t, err)
		return pub, nil
	}

	report, err := verifier.Verify(verifier.Input{Manifest: m, ProofBytes: encoded, Statement: proof.Statement{"age": 21.0}, IR: result.IR, CELEnv: env}, verifier.Options{
		CheckSignature: true,
		Now:            now,
		KeyResolver:    resolver,
	})
	require.NoError(t, err)
	require.Equal(t, verifier.StatusOk, report.Status)
	require.True(t, report.SignatureValid)
}

func TestVerify_SignatureCheckInvalidFails(t *testing.T) {
	src := samplePolicy()
	result, err := policy.Compile(src)
	require.NoError(t, err)
	env, err := policy.Env(src)
	require.NoError(t, err)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ks := keystore.NewStore()
	rec, err := ks.Generate("tester", []keystore.Usage{keystore.UsageSigning}, now, now.Add(365*24*time.Hour))
	require.NoError(t, err)
	other, err := ks.Generate("other", []keystore.Usage{keystore.UsageSigning}, now, now.Add(365*24*time.Hour))
	require.NoError(t, err)

	m, encoded := buildSignedManifest(t, src, result.PolicyHash, proof.Statement{"age": 21.0})
	preimage, err := m.Preimage()
	require.NoError(t, err)
	sig := crypto.Ed25519Sign(rec.PrivateKey, preimage)
	// Sign with rec but claim it came from other's KID, forcing a verify failure.
	m = m.WithSignature(manifest.Signature{KID: other.KID, SigB64: crypto.B64Std(sig)})

	resolver := func(kid string, ts time.Time) (ed25519.PublicKey, error) {
		pub, err := crypto.B64StdDecode(other.PublicKeyB64)
		require.NoError(t, err)
		return pub, nil
	}

	report, err := verifier.Verify(verifier.Input{Manifest: m, ProofBytes: encoded, Statement: proof.Statement{"age": 21.0}, IR: result.IR, CELEnv: env}, verifier.Options{
		CheckSignature: true,
		Now:            now,
		KeyResolver:    resolver,
	})
	require.NoError(t, err)
	require.Equal(t, verifier.StatusFail, report.Status)
	require.False(t, report.SignatureValid)
}

// TestVerify_GoldenHappyPathReportsUnsignedAndFixedDetailOrder implements
// §8 scenario 4: an unsigned manifest verifies Ok with signature_valid
// false, and details[] lists manifest, then proof, then each rule by id,
// in that fixed order.
func TestVerify_GoldenHappyPathReportsUnsignedAndFixedDetailOrder(t *testing.T) {
	src := samplePolicy()
	result, err := policy.Compile(src)
	require.NoError(t, err)
	env, err := policy.Env(src)
	require.NoError(t, err)

	m, encoded := buildSignedManifest(t, src, result.PolicyHash, proof.Statement{"age": 21.0})
	require.Empty(t, m.Signatures)

	report, err := verifier.Verify(verifier.Input{Manifest: m, ProofBytes: encoded, Statement: proof.Statement{"age": 21.0}, IR: result.IR, CELEnv: env}, verifier.Options{})
	require.NoError(t, err)
	require.Equal(t, verifier.StatusOk, report.Status)
	require.False(t, report.SignatureValid)

	require.GreaterOrEqual(t, len(report.Details), 4)
	require.Contains(t, report.Details[0], "manifest_hash")
	require.Contains(t, report.Details[1], "proof_hash")
	require.Contains(t, report.Details[2], "proof verify")
	require.Contains(t, report.Details[3], "rule r1")
}

// TestVerify_KeyRotationScenario implements §8 scenario 7: a manifest
// signed under K1 verifies; after rotating to K2 (with attestation), a
// second manifest signed under K2 also verifies; revoking K1 then makes
// re-verifying the first manifest fail with KeyRevoked.
func TestVerify_KeyRotationScenario(t *testing.T) {
	src := samplePolicy()
	result, err := policy.Compile(src)
	require.NoError(t, err)
	env, err := policy.Env(src)
	require.NoError(t, err)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ks := keystore.NewStore()
	k1, err := ks.Generate("rotation-test", []keystore.Usage{keystore.UsageSigning}, now, now.Add(365*24*time.Hour))
	require.NoError(t, err)

	m1, encoded1 := buildSignedManifest(t, src, result.PolicyHash, proof.Statement{"age": 21.0})
	preimage1, err := m1.Preimage()
	require.NoError(t, err)
	sig1 := crypto.Ed25519Sign(k1.PrivateKey, preimage1)
	m1 = m1.WithSignature(manifest.Signature{KID: k1.KID, SigB64: crypto.B64Std(sig1)})

	resolve := func(kid string, ts time.Time) (ed25519.PublicKey, error) {
		rec, err := ks.Get(kid)
		if err != nil {
			return nil, err
		}
		if rec.Status == keystore.StatusRevoked {
			return nil, keystore.ErrKeyRevoked
		}
		deadline := rec.ValidTo
		if rec.Status == keystore.StatusRetired {
			deadline = rec.ValidTo.Add(keystore.GraceWindow)
		}
		if ts.Before(rec.ValidFrom) || ts.After(deadline) {
			return nil, keystore.ErrKeyExpired
		}
		return crypto.B64StdDecode(rec.PublicKeyB64)
	}

	report1, err := verifier.Verify(verifier.Input{Manifest: m1, ProofBytes: encoded1, Statement: proof.Statement{"age": 21.0}, IR: result.IR, CELEnv: env}, verifier.Options{
		CheckSignature: true, Now: now, KeyResolver: resolve,
	})
	require.NoError(t, err)
	require.Equal(t, verifier.StatusOk, report1.Status)
	require.True(t, report1.SignatureValid)

	rotateAt := now.Add(time.Hour)
	k2, attestation, err := ks.Rotate(k1.KID, rotateAt, rotateAt.Add(365*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, k1.KID, attestation.OldKID)
	require.Equal(t, k2.KID, attestation.NewKID)

	m2, encoded2 := buildSignedManifest(t, src, result.PolicyHash, proof.Statement{"age": 30.0})
	preimage2, err := m2.Preimage()
	require.NoError(t, err)
	sig2 := crypto.Ed25519Sign(k2.PrivateKey, preimage2)
	m2 = m2.WithSignature(manifest.Signature{KID: k2.KID, SigB64: crypto.B64Std(sig2)})

	report2, err := verifier.Verify(verifier.Input{Manifest: m2, ProofBytes: encoded2, Statement: proof.Statement{"age": 30.0}, IR: result.IR, CELEnv: env}, verifier.Options{
		CheckSignature: true, Now: rotateAt, KeyResolver: resolve,
	})
	require.NoError(t, err)
	require.Equal(t, verifier.StatusOk, report2.Status)
	require.True(t, report2.SignatureValid)

	require.NoError(t, ks.Revoke(k1.KID))

	_, resolveErr := resolve(k1.KID, rotateAt.Add(2*time.Hour))
	require.ErrorIs(t, resolveErr, keystore.ErrKeyRevoked)

	report3, err := verifier.Verify(verifier.Input{Manifest: m1, ProofBytes: encoded1, Statement: proof.Statement{"age": 21.0}, IR: result.IR, CELEnv: env}, verifier.Options{
		CheckSignature: true, Now: rotateAt.Add(2 * time.Hour), KeyResolver: resolve,
	})
	require.NoError(t, err)
	require.Equal(t, verifier.StatusFail, report3.Status)
	require.False(t, report3.SignatureValid)
	require.Contains(t, strings.Join(report3.Details, "\n"), keystore.ErrKeyRevoked.Error())
}

func TestVerify_RegistryMissWarns(t *testing.T) {
	src := samplePolicy()
	result, err := policy.Compile(src)
	require.NoError(t, err)
	env, err := policy.Env(src)
	require.NoError(t, err)

	m, encoded := buildSignedManifest(t, src, result.PolicyHash, proof.Statement{"age": 21.0})

	report, err := verifier.Verify(verifier.Input{Manifest: m, ProofBytes: encoded, Statement: proof.Statement{"age": 21.0}, IR: result.IR, CELEnv: env}, verifier.Options{
		CheckRegistry:  true,
		RegistryLookup: func(string, string) bool { return false },
	})
	require.NoError(t, err)
	require.Equal(t, verifier.StatusWarn, report.Status)
}
