package policy

import (
	"fmt"
	"sort"

	"github.com/google/cel-go/cel"

	"github.com/capengine/cap/pkg/canonicalize"
	"github.com/capengine/cap/pkg/capapi"
	"github.com/capengine/cap/pkg/crypto"
)

const irVersion = "ir-v1"

// Canonicalize sorts src's rules by id, producing a new Source value; it
// never mutates the caller's slice.
func Canonicalize(src *Source) *Source {
	out := *src
	out.Rules = append([]Rule(nil), src.Rules...)
	sort.SliceStable(out.Rules, func(i, j int) bool { return out.Rules[i].ID < out.Rules[j].ID })
	return &out
}

// policyHashSource is src without its top-level Description and
// Activation, per §3's "policy_source_without_description_whitespace"
// preimage — the policy description is free-form prose that must not
// perturb the hash, so it is dropped entirely rather than merely trimmed.
// Rule-level descriptions stay in Rules and are hashed.
type policyHashSource struct {
	ID         string               `json:"id"`
	Version    string               `json:"version"`
	LegalBasis []string             `json:"legal_basis"`
	Inputs     map[string]InputSpec `json:"inputs"`
	Rules      []Rule               `json:"rules"`
}

// PolicyHash computes policy_hash = SHA3-256(canonical_json(policy_source
// _without_description_whitespace)).
func PolicyHash(src *Source) (string, error) {
	h, err := canonicalize.Hash(policyHashSource{
		ID:         src.ID,
		Version:    src.Version,
		LegalBasis: src.LegalBasis,
		Inputs:     src.Inputs,
		Rules:      src.Rules,
	})
	if err != nil {
		return "", fmt.Errorf("policy: hash source: %w", err)
	}
	return "sha3-256:" + crypto.HexLower(h[:]), nil
}

// buildExprNode classifies a raw lhs/rhs value as a declared-input
// reference ("var") or a literal ("const").
func buildExprNode(value interface{}, inputs map[string]InputSpec) ExprNode {
	if s, ok := value.(string); ok {
		if _, declared := inputs[s]; declared {
			return ExprNode{Kind: "var", Var: s}
		}
	}
	return ExprNode{Kind: "const", Const: value}
}

func celExprFor(r Rule) string {
	switch r.Op {
	case OpRangeMin:
		return fmt.Sprintf("%s >= %v", r.LHS, formatCELLiteral(r.RHS))
	case OpRangeMax:
		return fmt.Sprintf("%s <= %v", r.LHS, formatCELLiteral(r.RHS))
	case OpEq:
		return fmt.Sprintf("%s == %v", r.LHS, formatCELLiteral(r.RHS))
	case OpNonMembership:
		return fmt.Sprintf("!(%s in %v)", r.LHS, formatCELLiteral(r.RHS))
	default:
		return ""
	}
}

func formatCELLiteral(v interface{}) string {
	switch val := v.(type) {
	case string:
		return fmt.Sprintf("%q", val)
	case []interface{}:
		out := "["
		for i, elem := range val {
			if i > 0 {
				out += ", "
			}
			out += formatCELLiteral(elem)
		}
		return out + "]"
	default:
		return fmt.Sprintf("%v", val)
	}
}

// Env builds a CEL environment declaring every input as a dynamically
// typed variable, grounded on the teacher's CELPolicyEvaluator pattern of
// one shared cel.Env per rule set plus a per-expression program cache.
func Env(src *Source) (*cel.Env, error) {
	opts := make([]cel.EnvOption, 0, len(src.Inputs))
	for name := range src.Inputs {
		opts = append(opts, cel.Variable(name, cel.DynType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("policy: build cel env: %w", err)
	}
	return env, nil
}

// CompileRule compiles a single canonicalized rule's CEL program, used by
// the verifier's rule-check step. It is not part of ir_hash: the IR stores
// CELExpr as a string, and recompiling it into a cel.Program is a pure
// function of that string, so two builds of the same IR always produce
// equivalent programs without needing to re-derive the hash.
func CompileRule(env *cel.Env, r CompiledRule) (cel.Program, error) {
	ast, issues := env.Compile(r.CELExpr)
	if issues != nil && issues.Err() != nil {
		return nil, capapi.Wrap(capapi.KindCompileError, issues.Err(), "compile rule %s cel expression", r.ID)
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, capapi.Wrap(capapi.KindBackendError, err, "build cel program for rule %s", r.ID)
	}
	return prg, nil
}

// Compile runs the full parse-already-done pipeline stage: canonicalize,
// build IR-v1, hash. Lint must be called separately by the caller so that
// strict-mode lint failures can short-circuit before any IR is built.
func Compile(src *Source) (Result, error) {
	canon := Canonicalize(src)

	rules := make([]CompiledRule, 0, len(canon.Rules))
	for _, r := range canon.Rules {
		rules = append(rules, CompiledRule{
			ID:          r.ID,
			Op:          r.Op,
			LHS:         buildExprNode(r.LHS, canon.Inputs),
			RHS:         buildExprNode(r.RHS, canon.Inputs),
			CELExpr:     celExprFor(r),
			Description: r.Description,
			Shadow:      r.Shadow,
		})
	}

	policyHash, err := PolicyHash(canon)
	if err != nil {
		return Result{}, err
	}

	ir := IR{
		IRVersion:  irVersion,
		PolicyID:   canon.ID,
		PolicyHash: policyHash,
		Rules:      rules,
	}

	irHashBytes, err := canonicalize.Hash(ir)
	if err != nil {
		return Result{}, fmt.Errorf("policy: hash ir: %w", err)
	}
	irHash := "sha3-256:" + crypto.HexLower(irHashBytes[:])
	ir.IRHash = irHash

	return Result{
		PolicyID:   canon.ID,
		PolicyHash: policyHash,
		IR:         ir,
		IRHash:     irHash,
	}, nil
}

// CompileStrict runs Lint in the given mode first, failing with
// capapi.CompileError if any error-level diagnostic is found in strict
// mode. Relaxed mode always proceeds to Compile regardless of lint
// findings.
func CompileStrict(src *Source, mode LintMode) (Result, []Diagnostic, error) {
	diags := Lint(src, mode)
	if mode == LintStrict && HasErrors(diags) {
		return Result{}, diags, capapi.CompileError(ErrorCodes(diags))
	}
	result, err := Compile(src)
	if err != nil {
		return Result{}, diags, err
	}
	result.Lints = diags
	return result, diags, nil
}
