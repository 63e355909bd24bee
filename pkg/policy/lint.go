package policy

import (
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
)

// Lint runs the structured diagnostic catalog against src. It reports the
// same diagnostics, at the same levels, in either mode; the mode matters
// only to CompileStrict, where error-level diagnostics (E-codes) abort
// compilation in strict mode and do not block it in relaxed mode.
// Warn-level diagnostics (W-codes) never block either mode.
func Lint(src *Source, mode LintMode) []Diagnostic {
	var diags []Diagnostic

	if len(src.LegalBasis) == 0 {
		diags = append(diags, Diagnostic{Code: "E1002", Level: "error", Message: "legal_basis missing"})
	}
	if src.Description == "" {
		diags = append(diags, Diagnostic{Code: "W1002", Level: "warn", Message: "description missing"})
	}
	if _, err := semver.NewVersion(src.Version); err != nil {
		diags = append(diags, Diagnostic{Code: "E1004", Level: "error", Message: fmt.Sprintf("version %q is not valid semver: %v", src.Version, err)})
	}
	if schemaDiags, err := validateInputSpecs(src.Inputs); err != nil {
		diags = append(diags, Diagnostic{Code: "E1005", Level: "error", Message: fmt.Sprintf("inputs schema validation error: %v", err)})
	} else {
		diags = append(diags, schemaDiags...)
	}

	seenRuleIDs := make(map[string]bool)
	used := make(map[string]bool)
	var seenShapes []string
	seenShapeOf := make(map[string]string)

	declaredRuleIDs := make(map[string]bool, len(src.Rules))
	for _, r := range src.Rules {
		declaredRuleIDs[r.ID] = true
	}
	for _, id := range src.Activation {
		if !declaredRuleIDs[id] {
			diags = append(diags, Diagnostic{Code: "E1001", Level: "error", Message: fmt.Sprintf("unknown rule id %q in activation", id), RuleID: id})
		}
	}

	for _, r := range src.Rules {
		if seenRuleIDs[r.ID] {
			diags = append(diags, Diagnostic{Code: "E1003", Level: "error", Message: "duplicate rule id", RuleID: r.ID})
		}
		seenRuleIDs[r.ID] = true

		switch r.Op {
		case OpRangeMin, OpRangeMax, OpEq, OpNonMembership:
		default:
			diags = append(diags, Diagnostic{Code: "E2001", Level: "error", Message: fmt.Sprintf("invalid operator %q", r.Op), RuleID: r.ID})
		}

		if _, ok := src.Inputs[r.LHS]; !ok {
			diags = append(diags, Diagnostic{Code: "E2003", Level: "error", Message: fmt.Sprintf("lhs references unknown input %q", r.LHS), RuleID: r.ID})
		} else {
			used[r.LHS] = true
		}

		if r.Op == OpRangeMin || r.Op == OpRangeMax {
			if !isTemporalOrNumeric(r.LHS, src.Inputs) {
				diags = append(diags, Diagnostic{Code: "E3002", Level: "error", Message: "range_min/range_max lhs does not match required temporal/numeric pattern", RuleID: r.ID})
			}
			if !isNumericRHS(r.RHS) {
				diags = append(diags, Diagnostic{Code: "E3001", Level: "error", Message: "range_min/range_max requires a numeric rhs", RuleID: r.ID})
			}
		}

		if r.Op == OpNonMembership {
			if _, ok := r.RHS.([]interface{}); !ok {
				diags = append(diags, Diagnostic{Code: "E2004", Level: "error", Message: "non_membership rhs must be a list", RuleID: r.ID})
			}
		}

		if r.Op == OpEq {
			if lhsType, ok := src.Inputs[r.LHS]; ok {
				if !typeMatches(lhsType.Type, r.RHS) {
					diags = append(diags, Diagnostic{Code: "E2002", Level: "error", Message: "type mismatch between lhs and rhs", RuleID: r.ID})
				}
			}
		}

		shape := fmt.Sprintf("%s|%s|%v", r.Op, r.LHS, r.RHS)
		if prior, ok := seenShapeOf[shape]; ok {
			diags = append(diags, Diagnostic{Code: "W2001", Level: "warn", Message: fmt.Sprintf("redundant rule — same op/lhs/rhs as rule %q", prior), RuleID: r.ID})
		} else {
			seenShapeOf[shape] = r.ID
			seenShapes = append(seenShapes, shape)
		}
	}

	for name := range src.Inputs {
		if !used[name] {
			diags = append(diags, Diagnostic{Code: "W1001", Level: "warn", Message: fmt.Sprintf("declared input %q is never used", name)})
		}
	}

	return diags
}

// HasErrors reports whether diags contains any error-level finding.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Level == "error" {
			return true
		}
	}
	return false
}

// ErrorCodes extracts just the error-level codes, for CompileError.
func ErrorCodes(diags []Diagnostic) []string {
	var codes []string
	for _, d := range diags {
		if d.Level == "error" {
			codes = append(codes, d.Code)
		}
	}
	return codes
}

func isTemporalOrNumeric(input string, inputs map[string]InputSpec) bool {
	spec, ok := inputs[input]
	if !ok {
		return false
	}
	switch spec.Type {
	case "number", "integer", "date", "datetime":
		return true
	default:
		return false
	}
}

func isNumericRHS(rhs interface{}) bool {
	switch rhs.(type) {
	case int, int64, float64:
		return true
	case string:
		s := rhs.(string)
		if _, err := time.Parse(time.RFC3339, s); err == nil {
			return true
		}
		return false
	default:
		return false
	}
}

func typeMatches(declaredType string, rhs interface{}) bool {
	switch declaredType {
	case "number", "integer":
		switch rhs.(type) {
		case int, int64, float64:
			return true
		default:
			return false
		}
	case "string", "date", "datetime":
		_, ok := rhs.(string)
		return ok
	case "boolean":
		_, ok := rhs.(bool)
		return ok
	default:
		return true
	}
}
