package manifest_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/capengine/cap/pkg/manifest"
)

func sampleInput() manifest.Input {
	return manifest.Input{
		SupplierRoot:          [32]byte{1},
		UBORoot:               [32]byte{2},
		CompanyCommitmentRoot: [32]byte{3},
		Policy:                manifest.PolicyRef{Name: "lksg", Version: "1.0.0", Hash: "sha3-256:abc"},
		Audit:                 manifest.AuditRef{TailDigest: "sha3-256:def", EventsCount: 3},
		CreatedAt:             time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestBuild_RejectsMissingPolicyHash(t *testing.T) {
	in := sampleInput()
	in.Policy.Hash = ""
	_, err := manifest.Build(in)
	require.Error(t, err)
}

func TestHash_UnaffectedBySignaturesOrTimeAnchor(t *testing.T) {
	m, err := manifest.Build(sampleInput())
	require.NoError(t, err)

	base, err := m.Hash()
	require.NoError(t, err)

	signed := m.WithSignature(manifest.Signature{KID: "abc123", SigB64: "c2ln"})
	signedHash, err := signed.Hash()
	require.NoError(t, err)
	require.Equal(t, base, signedHash)

	anchored := signed.WithTimeAnchor(manifest.TimeAnchor{Authority: "tsa.example", TokenB64: "dG9r", IssuedAt: m.CreatedAt})
	anchoredHash, err := anchored.Hash()
	require.NoError(t, err)
	require.Equal(t, base, anchoredHash)
}

func TestHash_ChangesWithCommitmentRoots(t *testing.T) {
	a, err := manifest.Build(sampleInput())
	require.NoError(t, err)

	in2 := sampleInput()
	in2.SupplierRoot[0] = 0xFF
	b, err := manifest.Build(in2)
	require.NoError(t, err)

	ha, err := a.Hash()
	require.NoError(t, err)
	hb, err := b.Hash()
	require.NoError(t, err)
	require.NotEqual(t, ha, hb)
}

func TestHash_Deterministic(t *testing.T) {
	m, err := manifest.Build(sampleInput())
	require.NoError(t, err)
	h1, err := m.Hash()
	require.NoError(t, err)
	h2, err := m.Hash()
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}
