package policy

import (
	"time"
)

// GetBuiltinPolicies returns the policies shipped with the engine.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		defaultDecisionPolicy(),
		dangerousStepPolicy(),
	}
}

// defaultDecisionPolicy auto-approves risky steps and rejects
// dangerous ones, so unattended runs make progress without waving
// destructive work through.
func defaultDecisionPolicy() Policy {
	return Policy{
		Name:        "default-decision",
		Description: "Approves risky steps automatically; dangerous steps are rejected unless a human intervenes",
		Enabled:     true,
		Builtin:     true,
		LoadedAt:    time.Now(),
		Rego: `package loom.decision

import rego.v1

default choice := "reject"
default reason := "no decision rule matched"

choice := "approve" if {
	input.step.risk_level == "risky"
}

reason := "risky steps are approved automatically" if {
	input.step.risk_level == "risky"
}

reason := "dangerous steps require explicit approval" if {
	input.step.risk_level == "dangerous"
}
`,
	}
}

// dangerousStepPolicy constrains how dangerous steps may appear in a
// plan at admission time.
func dangerousStepPolicy() Policy {
	return Policy{
		Name:        "dangerous-steps",
		Description: "Dangerous steps must carry a description, and a plan may not declare more than five of them",
		Enabled:     true,
		Builtin:     true,
		LoadedAt:    time.Now(),
		Rego: `package loom.admission

import rego.v1

deny contains violation if {
	some step in input.plan.steps
	step.risk_level == "dangerous"
	step.description == ""
	violation := {
		"message": sprintf("dangerous step %q must have a description", [step.id]),
		"severity": "error",
		"step_id": step.id,
	}
}

deny contains violation if {
	dangerous := [s | some s in input.plan.steps; s.risk_level == "dangerous"]
	count(dangerous) > 5
	violation := {
		"message": sprintf("plan declares %d dangerous steps, maximum is 5", [count(dangerous)]),
		"severity": "error",
	}
}

deny contains violation if {
	some step in input.plan.steps
	step.risk_level == "dangerous"
	step.max_retries > 0
	violation := {
		"message": sprintf("dangerous step %q must not be retried automatically", [step.id]),
		"severity": "warning",
		"step_id": step.id,
	}
}
`,
	}
}
