// Package verifier implements the I/O-free verification core: a pure
// function over a manifest, a proof artifact, compiled IR, and resolver
// closures, producing a VerifyReport. No package in this tree may import
// pkg/store, pkg/keystore, pkg/registry, or pkg/blobstore from here —
// every external dependency enters as a closure the caller already
// resolved. Grounded on the teacher's core/pkg/governance/policy_evaluator_cel.go
// CEL-program-per-rule evaluation loop, generalized from policy
// obligation checking to the protocol's fixed five-step verify algorithm.
package verifier

import (
	"crypto/ed25519"
	"fmt"
	"sort"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/capengine/cap/pkg/capapi"
	"github.com/capengine/cap/pkg/crypto"
	"github.com/capengine/cap/pkg/manifest"
	"github.com/capengine/cap/pkg/policy"
	"github.com/capengine/cap/pkg/proof"
)

// Status is the VerifyReport's overall verdict.
type Status string

const (
	StatusOk   Status = "Ok"
	StatusWarn Status = "Warn"
	StatusFail Status = "Fail"
)

// KeyResolver resolves the public key for kid as of ts, the closure form
// of pkg/keystore.Store.Get+status/validity checks, kept out of this
// package's import graph.
type KeyResolver func(kid string, ts time.Time) (ed25519.PublicKey, error)

// TSAVerifier validates an external RFC-3161 timestamp token.
type TSAVerifier func(anchor manifest.TimeAnchor) error

// RegistryLookup reports whether (manifestHash, proofHash) is recorded,
// the closure form of pkg/registry.Lookup.
type RegistryLookup func(manifestHash, proofHash string) bool

// Options enumerates the optional checks §4.L names. CheckSignature,
// CheckTimestamp and CheckRegistry each require their matching resolver
// closure to be set; Adaptive lets a rule marked Shadow record its
// verdict without flipping the overall status.
type Options struct {
	CheckSignature bool
	CheckTimestamp bool
	CheckRegistry  bool
	Adaptive       bool

	KeyResolver    KeyResolver
	TSAVerifier    TSAVerifier
	RegistryLookup RegistryLookup

	// Now is the timestamp signature validity is checked against. Callers
	// pass this explicitly: the verifier core reads no clock itself.
	Now time.Time

	// ExpectedManifestHash/ExpectedProofHash, if non-empty, are compared
	// against the recomputed digests (e.g. values carried by a registry
	// entry or bundle proof unit). Left empty, only the recomputation
	// itself is reported.
	ExpectedManifestHash string
	ExpectedProofHash    string
}

// Input bundles everything Verify needs: the manifest, the raw
// proof.dat bytes, the public statement the proof attests to (proof.dat's
// wire format never carries the statement, so callers supply it out of
// band — typically from proof.json or the producer's own record), the
// compiled IR the manifest's policy hash must match, and a CEL
// environment built over that IR's declared inputs.
type Input struct {
	Manifest   manifest.Manifest
	ProofBytes []byte
	Statement  proof.Statement
	IR         policy.IR
	CELEnv     *cel.Env
}

// Report is the verifier's output: one status, the two recomputed
// digests, whether every checked signature validated, and a fixed-order
// human-readable detail line per executed check.
type Report struct {
	Status         Status
	ManifestHash   string
	ProofHash      string
	SignatureValid bool
	Details        []string
}

// Verify runs the five-step algorithm with no I/O, no clock reads, no
// randomness: recompute manifest_hash, recompute proof_hash, run the
// proof backend's verify, evaluate every IR rule against the proof's
// public statement, then apply whichever of signature/timestamp/registry
// checks opts enables.
func Verify(in Input, opts Options) (Report, error) {
	// SignatureValid defaults to false: it only ever becomes true once the
	// signature check actually runs and every manifest signature verifies.
	// A manifest with no signatures, or a caller who never requested the
	// check, both report false rather than a vacuous true.
	report := Report{SignatureValid: false}
	failed := false
	warned := false

	// (1) manifest_hash
	manifestHash, err := in.Manifest.Hash()
	if err != nil {
		return Report{}, fmt.Errorf("verifier: compute manifest_hash: %w", err)
	}
	report.ManifestHash = manifestHash
	if opts.ExpectedManifestHash != "" && opts.ExpectedManifestHash != manifestHash {
		failed = true
		report.Details = append(report.Details, fmt.Sprintf("manifest_hash mismatch: expected %s, got %s", opts.ExpectedManifestHash, manifestHash))
	} else {
		report.Details = append(report.Details, fmt.Sprintf("manifest_hash %s", manifestHash))
	}

	// (2) proof_hash
	proofHash := proof.Hash(in.ProofBytes)
	report.ProofHash = proofHash
	if opts.ExpectedProofHash != "" && opts.ExpectedProofHash != proofHash {
		failed = true
		report.Details = append(report.Details, fmt.Sprintf("proof_hash mismatch: expected %s, got %s", opts.ExpectedProofHash, proofHash))
	} else {
		report.Details = append(report.Details, fmt.Sprintf("proof_hash %s", proofHash))
	}

	decoded, decodeErr := proof.Decode(in.ProofBytes)
	if decodeErr != nil {
		failed = true
		report.Details = append(report.Details, fmt.Sprintf("proof decode failed: %v", decodeErr))
	} else {
		// (3) backend verify
		backend, berr := proof.ByName(decoded.Backend)
		if berr != nil {
			failed = true
			report.Details = append(report.Details, fmt.Sprintf("proof backend: %v", berr))
		} else {
			verdict, verr := backend.Verify(in.Statement, decoded)
			if verr != nil {
				failed = true
				report.Details = append(report.Details, fmt.Sprintf("proof verify error: %v", verr))
			} else if !verdict.Valid {
				failed = true
				report.Details = append(report.Details, fmt.Sprintf("proof verify failed: %s", verdict.Detail))
			} else {
				report.Details = append(report.Details, fmt.Sprintf("proof verify ok: %s", verdict.Detail))
			}
		}
	}

	// (4) rule evaluation, in rule id order
	if decodeErr == nil && in.CELEnv != nil {
		rules := append([]policy.CompiledRule(nil), in.IR.Rules...)
		sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })

		for _, rule := range rules {
			ok, ruleErr := evalRule(in.CELEnv, rule, in.Statement)
			switch {
			case ruleErr != nil:
				report.Details = append(report.Details, fmt.Sprintf("rule %s: error: %v", rule.ID, ruleErr))
				if !(rule.Shadow && opts.Adaptive) {
					failed = true
				}
			case !ok:
				report.Details = append(report.Details, fmt.Sprintf("rule %s: fail", rule.ID))
				if !(rule.Shadow && opts.Adaptive) {
					failed = true
				}
			default:
				report.Details = append(report.Details, fmt.Sprintf("rule %s: pass", rule.ID))
			}
		}
	}

	// (5) optional checks, fixed order: signature, timestamp, registry
	if opts.CheckSignature {
		if opts.KeyResolver == nil {
			failed = true
			report.SignatureValid = false
			report.Details = append(report.Details, "signature check enabled but no key resolver supplied")
		} else if len(in.Manifest.Signatures) == 0 {
			failed = true
			report.SignatureValid = false
			report.Details = append(report.Details, "signature check enabled but manifest carries no signatures")
		} else {
			preimage, perr := in.Manifest.Preimage()
			if perr != nil {
				return Report{}, fmt.Errorf("verifier: manifest preimage: %w", perr)
			}
			allValid := true
			for _, sig := range in.Manifest.Signatures {
				if err := verifyOneSignature(opts.KeyResolver, sig, preimage, opts.Now); err != nil {
					failed = true
					allValid = false
					report.Details = append(report.Details, fmt.Sprintf("signature %s invalid: %v", sig.KID, err))
				} else {
					report.Details = append(report.Details, fmt.Sprintf("signature %s valid", sig.KID))
				}
			}
			report.SignatureValid = allValid
		}
	}

	if opts.CheckTimestamp {
		if in.Manifest.TimeAnchor == nil {
			warned = true
			report.Details = append(report.Details, "timestamp check enabled but manifest carries no time_anchor")
		} else if opts.TSAVerifier == nil {
			warned = true
			report.Details = append(report.Details, "timestamp check enabled but no TSA verifier supplied")
		} else if err := opts.TSAVerifier(*in.Manifest.TimeAnchor); err != nil {
			warned = true
			report.Details = append(report.Details, fmt.Sprintf("timestamp check failed: %v", err))
		} else {
			report.Details = append(report.Details, "timestamp check ok")
		}
	}

	if opts.CheckRegistry {
		if opts.RegistryLookup == nil {
			warned = true
			report.Details = append(report.Details, "registry check enabled but no registry lookup supplied")
		} else if !opts.RegistryLookup(manifestHash, proofHash) {
			warned = true
			report.Details = append(report.Details, "registry check miss: (manifest_hash, proof_hash) not found")
		} else {
			report.Details = append(report.Details, "registry check ok")
		}
	}

	switch {
	case failed:
		report.Status = StatusFail
	case warned:
		report.Status = StatusWarn
	default:
		report.Status = StatusOk
	}
	return report, nil
}

func evalRule(env *cel.Env, rule policy.CompiledRule, statement proof.Statement) (bool, error) {
	prg, err := policy.CompileRule(env, rule)
	if err != nil {
		return false, err
	}
	vars := make(map[string]interface{}, len(statement))
	for k, v := range statement {
		vars[k] = v
	}
	out, _, err := prg.Eval(vars)
	if err != nil {
		return false, err
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, capapi.New(capapi.KindBackendError, "rule %s did not evaluate to a boolean", rule.ID)
	}
	return result, nil
}

func verifyOneSignature(resolve KeyResolver, sig manifest.Signature, preimage []byte, now time.Time) error {
	pub, err := resolve(sig.KID, now)
	if err != nil {
		return err
	}
	sigBytes, err := crypto.B64StdDecode(sig.SigB64)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if !crypto.Ed25519Verify(pub, preimage, sigBytes) {
		return fmt.Errorf("signature does not verify")
	}
	return nil
}
