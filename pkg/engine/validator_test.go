package engine

import (
	"strings"
	"testing"
)

func validationPlan(steps ...Step) *Plan {
	return &Plan{ID: "plan-1", Goal: "goal", Steps: steps}
}

func hasViolation(result ValidationResult, code string) bool {
	for _, v := range result.Violations {
		if v.Code == code {
			return true
		}
	}
	return false
}

func TestValidateValidPlan(t *testing.T) {
	v := NewValidator(nil)
	plan := validationPlan(
		Step{ID: "a", Kind: "exec"},
		Step{ID: "b", Kind: "exec", DependsOn: []string{"a"}},
	)

	result := v.Validate(plan)
	if !result.Valid {
		t.Errorf("Expected valid plan, got violations: %v", result.Violations)
	}
	if result.Error() != nil {
		t.Errorf("Expected nil error for valid plan, got %v", result.Error())
	}
}

func TestValidateEmptyPlan(t *testing.T) {
	v := NewValidator(nil)
	if result := v.Validate(validationPlan()); !result.Valid {
		t.Errorf("Expected empty plan to be valid, got %v", result.Violations)
	}
}

func TestValidateDuplicateStepID(t *testing.T) {
	v := NewValidator(nil)
	plan := validationPlan(
		Step{ID: "a", Kind: "exec"},
		Step{ID: "a", Kind: "exec"},
	)

	result := v.Validate(plan)
	if result.Valid {
		t.Fatal("Expected invalid plan")
	}
	if !hasViolation(result, ViolationDuplicateID) {
		t.Errorf("Expected duplicate_step_id violation, got %v", result.Violations)
	}
}

func TestValidateMissingDependency(t *testing.T) {
	v := NewValidator(nil)
	plan := validationPlan(
		Step{ID: "a", Kind: "exec", DependsOn: []string{"ghost"}},
	)

	result := v.Validate(plan)
	if !hasViolation(result, ViolationMissingDependency) {
		t.Errorf("Expected missing_dependency violation, got %v", result.Violations)
	}
}

func TestValidateSelfDependency(t *testing.T) {
	v := NewValidator(nil)
	plan := validationPlan(
		Step{ID: "a", Kind: "exec", DependsOn: []string{"a"}},
	)

	result := v.Validate(plan)
	if !hasViolation(result, ViolationSelfDependency) {
		t.Errorf("Expected self_dependency violation, got %v", result.Violations)
	}
}

func TestValidateCycle(t *testing.T) {
	v := NewValidator(nil)
	plan := validationPlan(
		Step{ID: "a", Kind: "exec", DependsOn: []string{"c"}},
		Step{ID: "b", Kind: "exec", DependsOn: []string{"a"}},
		Step{ID: "c", Kind: "exec", DependsOn: []string{"b"}},
	)

	result := v.Validate(plan)
	if result.Valid {
		t.Fatal("Expected invalid plan")
	}
	if !hasViolation(result, ViolationCycle) {
		t.Errorf("Expected dependency_cycle violation, got %v", result.Violations)
	}
	// The violation message names the offending path.
	for _, violation := range result.Violations {
		if violation.Code == ViolationCycle && !strings.Contains(violation.Message, "->") {
			t.Errorf("Expected cycle path in message, got %q", violation.Message)
		}
	}
}

func TestValidateUnknownKind(t *testing.T) {
	v := NewValidator([]string{"exec"})
	plan := validationPlan(
		Step{ID: "a", Kind: "teleport"},
	)

	result := v.Validate(plan)
	if !hasViolation(result, ViolationUnknownKind) {
		t.Errorf("Expected unknown_step_kind violation, got %v", result.Violations)
	}
}

func TestValidateKindCheckDisabled(t *testing.T) {
	v := NewValidator(nil)
	plan := validationPlan(
		Step{ID: "a", Kind: "anything"},
	)
	if result := v.Validate(plan); !result.Valid {
		t.Errorf("Expected nil kind set to disable the check, got %v", result.Violations)
	}
}

func TestValidateBadCriterionPattern(t *testing.T) {
	v := NewValidator(nil)
	plan := validationPlan(
		Step{ID: "a", Kind: "exec", SuccessCriteria: []Criterion{
			{Type: CriterionOutputMatches, Value: "([unclosed"},
		}},
	)

	result := v.Validate(plan)
	if !hasViolation(result, ViolationBadCriterion) {
		t.Errorf("Expected invalid_criterion violation, got %v", result.Violations)
	}
}

func TestValidateBadRiskLevel(t *testing.T) {
	v := NewValidator(nil)
	plan := validationPlan(
		Step{ID: "a", Kind: "exec", RiskLevel: "catastrophic"},
	)

	result := v.Validate(plan)
	if !hasViolation(result, ViolationBadRiskLevel) {
		t.Errorf("Expected invalid_risk_level violation, got %v", result.Violations)
	}
}

func TestValidateReportsAllViolations(t *testing.T) {
	v := NewValidator([]string{"exec"})
	plan := validationPlan(
		Step{ID: "a", Kind: "teleport", DependsOn: []string{"ghost"}},
		Step{ID: "a", Kind: "exec"},
	)

	result := v.Validate(plan)
	if len(result.Violations) < 3 {
		t.Errorf("Expected at least 3 violations, got %v", result.Violations)
	}
}

func TestDecodePlan(t *testing.T) {
	data := []byte(`{
		"id": "p1",
		"goal": "ship it",
		"steps": [
			{"id": "build", "kind": "exec", "timeout": "30s"},
			{"id": "test", "kind": "exec", "depends_on": ["build"], "max_retries": 2}
		]
	}`)

	plan, err := DecodePlan(data)
	if err != nil {
		t.Fatalf("DecodePlan failed: %v", err)
	}
	if plan.ID != "p1" || len(plan.Steps) != 2 {
		t.Errorf("Unexpected plan: %+v", plan)
	}
	if plan.Steps[0].Timeout != Duration(30*1e9) {
		t.Errorf("Expected 30s timeout, got %v", plan.Steps[0].Timeout)
	}
	if plan.Steps[1].DependsOn[0] != "build" {
		t.Errorf("Expected dependency on build, got %v", plan.Steps[1].DependsOn)
	}
}

func TestDecodePlanMalformed(t *testing.T) {
	if _, err := DecodePlan([]byte(`{not json`)); err == nil {
		t.Fatal("Expected error for malformed input")
	}
}
