package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/loomworks/loom/pkg/engine"
)

// Engine evaluates Rego policies for two concerns: deciding the fate
// of risky and dangerous steps (the engine.DecisionPolicy contract)
// and admitting plans before scheduling. All loaded modules are
// compiled together; the decision query reads data.loom.decision and
// admission reads data.loom.admission.deny.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*Policy
	logger   zerolog.Logger

	decisionQuery  rego.PreparedEvalQuery
	admissionQuery rego.PreparedEvalQuery
}

// NewEngine creates a policy engine preloaded with the builtin
// policies.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*Policy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	for _, p := range GetBuiltinPolicies() {
		policy := p
		e.policies[policy.Name] = &policy
	}
	if err := e.rebuild(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to compile builtin policies: %w", err)
	}
	return e, nil
}

// AddPolicy compiles and installs a policy, replacing any existing
// policy with the same name.
func (e *Engine) AddPolicy(ctx context.Context, p Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	previous, existed := e.policies[p.Name]
	p.LoadedAt = time.Now()
	e.policies[p.Name] = &p

	if err := e.rebuild(ctx); err != nil {
		// Roll the table back so a broken policy cannot wedge the engine.
		if existed {
			e.policies[p.Name] = previous
		} else {
			delete(e.policies, p.Name)
		}
		if rerr := e.rebuild(ctx); rerr != nil {
			e.logger.Error().Err(rerr).Msg("failed to restore policy set")
		}
		return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
	}

	e.logger.Info().Str("policy", p.Name).Bool("replaced", existed).Msg("policy installed")
	return nil
}

// RemovePolicy uninstalls a policy by name.
func (e *Engine) RemovePolicy(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.policies[name]; !ok {
		return fmt.Errorf("policy not found: %s", name)
	}
	delete(e.policies, name)
	return e.rebuild(ctx)
}

// LoadPaths loads policies from the given files or directories and
// installs them.
func (e *Engine) LoadPaths(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	for i := range policies {
		if err := e.AddPolicy(ctx, policies[i]); err != nil {
			return err
		}
	}
	return nil
}

// Policies returns the installed policies.
func (e *Engine) Policies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Policy, 0, len(e.policies))
	for _, p := range e.policies {
		out = append(out, *p)
	}
	return out
}

// rebuild prepares the decision and admission queries over the
// currently enabled modules. Callers hold e.mu.
func (e *Engine) rebuild(ctx context.Context) error {
	modules := make([]func(*rego.Rego), 0, len(e.policies))
	for name, p := range e.policies {
		if p.Enabled {
			modules = append(modules, rego.Module(name+".rego", p.Rego))
		}
	}

	decision, err := rego.New(append([]func(*rego.Rego){
		rego.Query("data.loom.decision"),
	}, modules...)...).PrepareForEval(ctx)
	if err != nil {
		return err
	}

	admission, err := rego.New(append([]func(*rego.Rego){
		rego.Query("data.loom.admission.deny"),
	}, modules...)...).PrepareForEval(ctx)
	if err != nil {
		return err
	}

	e.decisionQuery = decision
	e.admissionQuery = admission
	return nil
}

// Decide implements engine.DecisionPolicy. An evaluation error or a
// malformed policy result rejects the step.
func (e *Engine) Decide(ctx context.Context, step *engine.Step) (engine.Decision, error) {
	e.mu.RLock()
	query := e.decisionQuery
	e.mu.RUnlock()

	input := map[string]interface{}{
		"step": stepInput(step),
		"context": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}

	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return engine.Decision{}, fmt.Errorf("decision evaluation failed: %w", err)
	}

	reject := engine.Decision{Choice: engine.ChoiceReject, Reason: "policy produced no decision"}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return reject, nil
	}
	doc, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return reject, nil
	}

	choice, _ := doc["choice"].(string)
	reason, _ := doc["reason"].(string)
	if !engine.Choice(choice).Valid() {
		e.logger.Warn().Str("choice", choice).Str("step_id", step.ID).Msg("policy returned invalid choice")
		return reject, nil
	}

	e.logger.Debug().
		Str("step_id", step.ID).
		Str("risk_level", string(step.RiskLevel.Normalize())).
		Str("choice", choice).
		Msg("decision evaluated")
	return engine.Decision{Choice: engine.Choice(choice), Reason: reason}, nil
}

// EvaluatePlan runs the admission policies against a plan. A plan
// with error-severity violations must not be scheduled.
func (e *Engine) EvaluatePlan(ctx context.Context, plan *engine.Plan) (*EvalResult, error) {
	e.mu.RLock()
	query := e.admissionQuery
	e.mu.RUnlock()

	planDoc, err := toDocument(plan)
	if err != nil {
		return nil, fmt.Errorf("failed to encode plan for evaluation: %w", err)
	}

	results, err := query.Eval(ctx, rego.EvalInput(map[string]interface{}{"plan": planDoc}))
	if err != nil {
		return nil, fmt.Errorf("admission evaluation failed: %w", err)
	}

	result := &EvalResult{Allowed: true, EvaluatedAt: time.Now()}
	for _, r := range results {
		for _, expr := range r.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				v := parseViolation(d)
				if v.Severity == SeverityError {
					result.Allowed = false
				}
				result.Violations = append(result.Violations, v)
			}
		}
	}

	e.logger.Debug().
		Str("plan_id", plan.ID).
		Bool("allowed", result.Allowed).
		Int("violations", len(result.Violations)).
		Msg("plan admission evaluated")
	return result, nil
}

func parseViolation(d interface{}) Violation {
	doc, ok := d.(map[string]interface{})
	if !ok {
		return Violation{Message: fmt.Sprintf("%v", d), Severity: SeverityError}
	}
	v := Violation{Severity: SeverityError}
	if msg, ok := doc["message"].(string); ok {
		v.Message = msg
	}
	if sev, ok := doc["severity"].(string); ok {
		v.Severity = Severity(sev)
	}
	if stepID, ok := doc["step_id"].(string); ok {
		v.StepID = stepID
	}
	if name, ok := doc["policy"].(string); ok {
		v.Policy = name
	}
	return v
}

func stepInput(step *engine.Step) map[string]interface{} {
	return map[string]interface{}{
		"id":          step.ID,
		"kind":        step.Kind,
		"description": step.Description,
		"risk_level":  string(step.RiskLevel.Normalize()),
		"exclusive":   step.Exclusive,
		"best_effort": step.BestEffort,
		"max_retries": step.MaxRetries,
		"depends_on":  step.DependsOn,
	}
}

// toDocument round-trips a value through JSON so Rego sees the wire
// field names.
func toDocument(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
