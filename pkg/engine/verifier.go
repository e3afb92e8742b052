package engine

import (
	"fmt"
	"regexp"
	"strings"
)

// ResultVerifier evaluates a step's declared success criteria against
// the dispatcher's outcome. It distinguishes "the executor didn't
// error" from "the goal was actually achieved": a result with
// Success=true still fails the step when a criterion does not hold.
type ResultVerifier struct{}

// NewResultVerifier creates a verifier.
func NewResultVerifier() *ResultVerifier {
	return &ResultVerifier{}
}

// Verify checks every criterion of the step against the result. A
// step with no declared criteria is verified solely by the
// executor-reported success flag.
func (v *ResultVerifier) Verify(step *Step, result *StepResult) VerificationResult {
	if len(step.SuccessCriteria) == 0 {
		if result.Success {
			return VerificationResult{Passed: true}
		}
		return VerificationResult{Passed: false, Reason: "executor reported failure"}
	}

	for _, c := range step.SuccessCriteria {
		if reason := v.check(c, result); reason != "" {
			return VerificationResult{Passed: false, Reason: reason}
		}
	}
	return VerificationResult{Passed: true}
}

func (v *ResultVerifier) check(c Criterion, result *StepResult) string {
	switch c.Type {
	case CriterionOutputContains:
		if !strings.Contains(result.Output, c.Value) {
			return fmt.Sprintf("output does not contain %q", c.Value)
		}
	case CriterionOutputEquals:
		if result.Output != c.Value {
			return fmt.Sprintf("output does not equal %q", c.Value)
		}
	case CriterionOutputMatches:
		re, err := regexp.Compile(c.Value)
		if err != nil {
			// Validation catches this before scheduling; fail closed.
			return fmt.Sprintf("criterion pattern %q does not compile: %v", c.Value, err)
		}
		if !re.MatchString(result.Output) {
			return fmt.Sprintf("output does not match /%s/", c.Value)
		}
	case CriterionErrorAbsent:
		if result.Error != nil {
			return fmt.Sprintf("result carries error: %s", result.Error.Message)
		}
	default:
		return fmt.Sprintf("unknown criterion type %q", c.Type)
	}
	return ""
}
