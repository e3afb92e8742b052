package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Violation codes reported by the plan validator.
const (
	ViolationDuplicateID       = "duplicate_step_id"
	ViolationMissingDependency = "missing_dependency"
	ViolationSelfDependency    = "self_dependency"
	ViolationCycle             = "dependency_cycle"
	ViolationUnknownKind       = "unknown_step_kind"
	ViolationBadCriterion      = "invalid_criterion"
	ViolationBadRiskLevel      = "invalid_risk_level"
	ViolationStructural        = "structural"
)

// Violation is one structured validation finding.
type Violation struct {
	// Code identifies the violation class.
	Code string `json:"code"`

	// StepID is the offending step, if attributable.
	StepID string `json:"step_id,omitempty"`

	// Message is a human-readable description.
	Message string `json:"message"`
}

func (v Violation) String() string {
	if v.StepID != "" {
		return fmt.Sprintf("%s (step=%s): %s", v.Code, v.StepID, v.Message)
	}
	return fmt.Sprintf("%s: %s", v.Code, v.Message)
}

// ValidationResult is the outcome of validating a plan. A plan that is
// not Valid is never admitted to the scheduler.
type ValidationResult struct {
	// Valid is true when no violations were found.
	Valid bool `json:"valid"`

	// Violations lists every finding; empty when Valid.
	Violations []Violation `json:"violations,omitempty"`
}

// Error renders the result as a single error, or nil when valid.
func (r ValidationResult) Error() error {
	if r.Valid {
		return nil
	}
	msgs := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		msgs[i] = v.String()
	}
	return NewPermanentError(
		fmt.Sprintf("plan validation failed: %s", strings.Join(msgs, "; ")), nil,
	).WithCode(ErrCodeValidation)
}

// Validator checks plans for structural and semantic correctness
// before scheduling. Violations are returned as data, not raised as
// errors, so the caller can report and fix them.
type Validator struct {
	knownKinds map[string]bool
	structural *validator.Validate
}

// NewValidator creates a validator. knownKinds is the set of step
// kinds with a registered executor; unknown kinds are rejected here
// rather than at dispatch time. A nil set disables the kind check.
func NewValidator(knownKinds []string) *Validator {
	var kinds map[string]bool
	if knownKinds != nil {
		kinds = make(map[string]bool, len(knownKinds))
		for _, k := range knownKinds {
			kinds[k] = true
		}
	}
	return &Validator{
		knownKinds: kinds,
		structural: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Validate checks the plan and returns every violation found. A plan
// with zero steps is valid and trivially completes.
func (v *Validator) Validate(plan *Plan) ValidationResult {
	var violations []Violation

	if err := v.structural.Struct(plan); err != nil {
		for _, fe := range flattenFieldErrors(err) {
			violations = append(violations, Violation{
				Code:    ViolationStructural,
				Message: fe,
			})
		}
	}

	seen := make(map[string]bool, len(plan.Steps))
	for i := range plan.Steps {
		step := &plan.Steps[i]
		if seen[step.ID] {
			violations = append(violations, Violation{
				Code:    ViolationDuplicateID,
				StepID:  step.ID,
				Message: fmt.Sprintf("duplicate step ID %q", step.ID),
			})
			continue
		}
		seen[step.ID] = true
	}

	for i := range plan.Steps {
		step := &plan.Steps[i]

		for _, dep := range step.DependsOn {
			if dep == step.ID {
				violations = append(violations, Violation{
					Code:    ViolationSelfDependency,
					StepID:  step.ID,
					Message: fmt.Sprintf("step %q depends on itself", step.ID),
				})
				continue
			}
			if !seen[dep] {
				violations = append(violations, Violation{
					Code:    ViolationMissingDependency,
					StepID:  step.ID,
					Message: fmt.Sprintf("step %q depends on non-existent step %q", step.ID, dep),
				})
			}
		}

		if err := step.RiskLevel.Validate(); err != nil {
			violations = append(violations, Violation{
				Code:    ViolationBadRiskLevel,
				StepID:  step.ID,
				Message: err.Error(),
			})
		}

		if v.knownKinds != nil && !v.knownKinds[step.Kind] {
			violations = append(violations, Violation{
				Code:    ViolationUnknownKind,
				StepID:  step.ID,
				Message: fmt.Sprintf("no executor registered for kind %q", step.Kind),
			})
		}

		for _, c := range step.SuccessCriteria {
			if msg := validateCriterion(c); msg != "" {
				violations = append(violations, Violation{
					Code:    ViolationBadCriterion,
					StepID:  step.ID,
					Message: msg,
				})
			}
		}
	}

	// Cycle detection only makes sense once every dependency resolves.
	if len(violations) == 0 {
		if cycle := findCycle(plan); len(cycle) > 0 {
			violations = append(violations, Violation{
				Code:    ViolationCycle,
				StepID:  cycle[0],
				Message: fmt.Sprintf("circular dependency detected: %s", strings.Join(cycle, " -> ")),
			})
		}
	}

	return ValidationResult{Valid: len(violations) == 0, Violations: violations}
}

// DecodePlan unmarshals and structurally validates a JSON plan. The
// result still needs Validate before scheduling; this only guards the
// wire boundary.
func DecodePlan(data []byte) (*Plan, error) {
	var plan Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, NewPermanentError("malformed plan input", err).WithCode(ErrCodeValidation)
	}
	return &plan, nil
}

func validateCriterion(c Criterion) string {
	switch c.Type {
	case CriterionOutputContains, CriterionOutputEquals:
		return ""
	case CriterionErrorAbsent:
		return ""
	case CriterionOutputMatches:
		if _, err := regexp.Compile(c.Value); err != nil {
			return fmt.Sprintf("criterion pattern %q does not compile: %v", c.Value, err)
		}
		return ""
	default:
		return fmt.Sprintf("unknown criterion type %q", c.Type)
	}
}

// findCycle performs DFS coloring over the dependency edges and
// returns the first cycle found as a path closing on its start.
func findCycle(plan *Plan) []string {
	adj := make(map[string][]string, len(plan.Steps))
	for i := range plan.Steps {
		adj[plan.Steps[i].ID] = plan.Steps[i].DependsOn
	}

	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(adj))

	var path []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		path = append(path, id)
		for _, dep := range adj[id] {
			switch color[dep] {
			case gray:
				start := 0
				for i, p := range path {
					if p == dep {
						start = i
						break
					}
				}
				cycle = append(append([]string{}, path[start:]...), dep)
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return false
	}

	for i := range plan.Steps {
		id := plan.Steps[i].ID
		if color[id] == white {
			if visit(id) {
				return cycle
			}
		}
	}
	return nil
}

func flattenFieldErrors(err error) []string {
	ve, ok := err.(validator.ValidationErrors)
	if !ok {
		return []string{err.Error()}
	}
	msgs := make([]string, 0, len(ve))
	for _, fe := range ve {
		msgs = append(msgs, fmt.Sprintf("field %s failed %q validation", fe.Namespace(), fe.Tag()))
	}
	return msgs
}
