// Package policy implements the Policy V2 → IR-v1 compiler pipeline:
// parse, lint, canonicalize, compile, hash. Grounded on the teacher's
// core/pkg/compliance/compiler/compiler.go for the overall pipeline shape
// (tokenize/parse → build clauses → compile → hash → emit diagnostics)
// and core/pkg/governance/policy_evaluator_cel.go for the CEL
// environment/program-cache pattern, retargeted from free-text legal
// obligation parsing to this protocol's structured declarative rule
// sources.
package policy

import "time"

// Op is a rule predicate operator.
type Op string

const (
	OpRangeMin      Op = "range_min"
	OpRangeMax      Op = "range_max"
	OpEq            Op = "eq"
	OpNonMembership Op = "non_membership"
)

// InputSpec describes one declared input a rule's lhs/rhs may reference.
type InputSpec struct {
	Type string `yaml:"type" json:"type"`
}

// Rule is one predicate in a Policy V2 source document.
type Rule struct {
	ID          string      `yaml:"id" json:"id"`
	Op          Op          `yaml:"op" json:"op"`
	LHS         string      `yaml:"lhs" json:"lhs"`
	RHS         interface{} `yaml:"rhs" json:"rhs"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	// Shadow marks a rule as observe-only: the verifier's adaptive option
	// records its verdict without letting a failure flip the overall
	// VerifyReport status.
	Shadow bool `yaml:"shadow,omitempty" json:"shadow,omitempty"`
}

// Source is a Policy V2 document as authored.
type Source struct {
	ID          string               `yaml:"id" json:"id"`
	Version     string               `yaml:"version" json:"version"`
	LegalBasis  []string             `yaml:"legal_basis" json:"legal_basis"`
	Description string               `yaml:"description,omitempty" json:"description,omitempty"`
	Inputs      map[string]InputSpec `yaml:"inputs" json:"inputs"`
	Rules       []Rule               `yaml:"rules" json:"rules"`
	// Activation, if non-empty, lists the subset of declared Rules ids a
	// compliance officer has actually turned on for this policy version —
	// the rest stay authored but dormant, ready to activate in a later
	// version without re-authoring. An empty Activation activates every
	// declared rule.
	Activation []string `yaml:"activation,omitempty" json:"activation,omitempty"`
}

// LintMode governs whether lint errors (as opposed to warnings) abort
// compilation.
type LintMode string

const (
	LintStrict  LintMode = "strict"
	LintRelaxed LintMode = "relaxed"
)

// Diagnostic is one structured lint finding, formatted LINT[<E|W><NNNN>].
type Diagnostic struct {
	Code    string `json:"code"`
	Level   string `json:"level"` // "error" or "warn"
	Message string `json:"message"`
	RuleID  string `json:"rule_id,omitempty"`
}

// ExprNode is one node of a compiled expression tree, in the fixed child
// order (op|func|var|const) → lhs/rhs → args required for ir_hash
// determinism.
type ExprNode struct {
	Kind  string      `json:"kind"` // "var" or "const"
	Var   string      `json:"var,omitempty"`
	Const interface{} `json:"const,omitempty"`
}

// CompiledRule is one rule after canonicalization and CEL compilation.
type CompiledRule struct {
	ID          string   `json:"id"`
	Op          Op       `json:"op"`
	LHS         ExprNode `json:"lhs"`
	RHS         ExprNode `json:"rhs"`
	CELExpr     string   `json:"cel_expr"`
	Description string   `json:"description,omitempty"`
	Shadow      bool     `json:"shadow,omitempty"`
}

// IR is the compiled IR-v1 document.
type IR struct {
	IRVersion  string         `json:"ir_version"`
	PolicyID   string         `json:"policy_id"`
	PolicyHash string         `json:"policy_hash"`
	Rules      []CompiledRule `json:"rules"`
	IRHash     string         `json:"ir_hash,omitempty"`
}

// Status is a policy's lifecycle state.
type Status string

const (
	StatusActive     Status = "active"
	StatusDraft      Status = "draft"
	StatusDeprecated Status = "deprecated"
)

// Metadata is the policy metadata record tracked by the policy store.
type Metadata struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Hash        string    `json:"hash"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Description string    `json:"description,omitempty"`
}

// Result is the full output of a Compile call.
type Result struct {
	PolicyID   string
	PolicyHash string
	IR         IR
	IRHash     string
	Lints      []Diagnostic
}
