// Package manifest builds and binds the manifest.v1.0 document: the
// top-level artifact that carries a company's commitment roots, the
// policy it was evaluated against, an audit trail reference, and
// (optionally) proof and signature material. Grounded on the teacher's
// manifest-adjacent hashing conventions in core/pkg/canonicalize/jcs.go
// and core/pkg/crypto/hasher.go, generalized to this protocol's specific
// manifest schema and its signatures/time_anchor-excluded preimage rule.
package manifest

import (
	"fmt"
	"time"

	"github.com/capengine/cap/pkg/canonicalize"
	"github.com/capengine/cap/pkg/capapi"
	"github.com/capengine/cap/pkg/crypto"
)

const SchemaVersion = "manifest.v1.0"

// PolicyRef identifies which compiled policy a manifest was evaluated
// against.
type PolicyRef struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Hash    string `json:"hash"`
}

// AuditRef summarizes the audit chain state at manifest build time.
type AuditRef struct {
	TailDigest  string `json:"tail_digest"`
	EventsCount int    `json:"events_count"`
}

// ProofRef is the manifest's reference to its proof artifact, if built.
type ProofRef struct {
	Backend   string `json:"backend"`
	ProofHash string `json:"proof_hash"`
}

// Signature is one signature over the manifest preimage.
type Signature struct {
	KID    string `json:"kid"`
	SigB64 string `json:"sig_b64"`
}

// TimeAnchor is an external RFC 3161 timestamp token reference. Its
// internal structure is opaque to this package; only its presence (not
// its content) affects anything about the manifest beyond the field
// itself, since it is excluded from manifest_hash.
type TimeAnchor struct {
	Authority string    `json:"authority"`
	TokenB64  string    `json:"token_b64"`
	IssuedAt  time.Time `json:"issued_at"`
}

// Manifest is the manifest.v1.0 document.
type Manifest struct {
	Version               string      `json:"version"`
	CreatedAt             time.Time   `json:"created_at"`
	SupplierRoot          string      `json:"supplier_root"`
	UBORoot               string      `json:"ubo_root"`
	CompanyCommitmentRoot string      `json:"company_commitment_root"`
	Policy                PolicyRef   `json:"policy"`
	Audit                 AuditRef    `json:"audit"`
	Proof                 *ProofRef   `json:"proof,omitempty"`
	Signatures            []Signature `json:"signatures,omitempty"`
	TimeAnchor            *TimeAnchor `json:"time_anchor,omitempty"`
}

// hashPreimage is Manifest minus signatures and time_anchor, the exact set
// of fields manifest_hash (and every signature) is computed over.
type hashPreimage struct {
	Version               string    `json:"version"`
	CreatedAt             time.Time `json:"created_at"`
	SupplierRoot          string    `json:"supplier_root"`
	UBORoot               string    `json:"ubo_root"`
	CompanyCommitmentRoot string    `json:"company_commitment_root"`
	Policy                PolicyRef `json:"policy"`
	Audit                 AuditRef  `json:"audit"`
	Proof                 *ProofRef `json:"proof,omitempty"`
}

func (m Manifest) preimage() hashPreimage {
	return hashPreimage{
		Version:               m.Version,
		CreatedAt:             m.CreatedAt,
		SupplierRoot:          m.SupplierRoot,
		UBORoot:               m.UBORoot,
		CompanyCommitmentRoot: m.CompanyCommitmentRoot,
		Policy:                m.Policy,
		Audit:                 m.Audit,
		Proof:                 m.Proof,
	}
}

// Hash computes manifest_hash = SHA3-256(canonical_json(manifest_without
// _signatures_and_time_anchor)). Adding a signature or a time anchor never
// changes this value. Signatures are not made over this digest but over
// Preimage(), the canonical JSON bytes it hashes.
func (m Manifest) Hash() (string, error) {
	h, err := canonicalize.Hash(m.preimage())
	if err != nil {
		return "", fmt.Errorf("manifest: hash: %w", err)
	}
	return "sha3-256:" + crypto.HexLower(h[:]), nil
}

// Preimage returns the exact canonical JSON bytes a signature over m is
// computed against.
func (m Manifest) Preimage() ([]byte, error) {
	return canonicalize.JSON(m.preimage())
}

// Input bundles everything the manifest builder needs to construct a
// Manifest.
type Input struct {
	SupplierRoot          [32]byte
	UBORoot               [32]byte
	CompanyCommitmentRoot [32]byte
	Policy                PolicyRef
	Audit                 AuditRef
	Proof                 *ProofRef
	CreatedAt             time.Time
}

// Build assembles a manifest from its inputs. It fails with
// KindInvalidInput when Policy.Hash is empty or CreatedAt is zero; no other
// field is checked, so zero-valued roots are accepted as given.
func Build(in Input) (Manifest, error) {
	if in.Policy.Hash == "" {
		return Manifest{}, capapi.New(capapi.KindInvalidInput, "manifest: missing policy hash")
	}
	if in.CreatedAt.IsZero() {
		return Manifest{}, capapi.New(capapi.KindInvalidInput, "manifest: missing created_at")
	}

	return Manifest{
		Version:               SchemaVersion,
		CreatedAt:             in.CreatedAt,
		SupplierRoot:          "0x" + crypto.HexLower(in.SupplierRoot[:]),
		UBORoot:               "0x" + crypto.HexLower(in.UBORoot[:]),
		CompanyCommitmentRoot: "0x" + crypto.HexLower(in.CompanyCommitmentRoot[:]),
		Policy:                in.Policy,
		Audit:                 in.Audit,
		Proof:                 in.Proof,
	}, nil
}

// WithSignature returns a copy of m with sig appended. Appending never
// changes m.Hash()'s value.
func (m Manifest) WithSignature(sig Signature) Manifest {
	out := m
	out.Signatures = append(append([]Signature(nil), m.Signatures...), sig)
	return out
}

// WithTimeAnchor returns a copy of m carrying the given time anchor.
// Attaching one never changes m.Hash()'s value.
func (m Manifest) WithTimeAnchor(ta TimeAnchor) Manifest {
	out := m
	out.TimeAnchor = &ta
	return out
}
