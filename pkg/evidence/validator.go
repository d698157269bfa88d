// Package evidence decides whether an incoming evidence item may be
// appended to a commitment. Each platform declares its required fields
// and optional CEL content policies in the rules document.
package evidence

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/kpjmd/Kinetix/pkg/config"
	"github.com/kpjmd/Kinetix/pkg/contracts"
)

// Result is the outcome of validating one evidence item.
type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Error joins the validation errors into one message.
func (r Result) Error() string {
	return strings.Join(r.Errors, "; ")
}

type policy struct {
	name string
	prg  cel.Program
}

type platformRules struct {
	required []string
	policies []policy
}

// Validator is safe for concurrent use; it holds no mutable state.
type Validator struct {
	platforms map[string]platformRules
}

// NewValidator compiles every platform's content policies. A policy that
// does not compile to a boolean expression is a configuration error.
func NewValidator(reqs map[string]config.PlatformRequirements) (*Validator, error) {
	env, err := cel.NewEnv(
		cel.Variable("evidence", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	v := &Validator{platforms: make(map[string]platformRules, len(reqs))}
	for platform, req := range reqs {
		pr := platformRules{required: append([]string(nil), req.RequiredFields...)}
		for _, p := range req.ContentPolicies {
			ast, issues := env.Compile(p.Expression)
			if issues != nil && issues.Err() != nil {
				return nil, fmt.Errorf("platform %s policy %s: CEL compile error: %w", platform, p.Name, issues.Err())
			}
			if !ast.OutputType().IsExactType(cel.BoolType) {
				return nil, fmt.Errorf("platform %s policy %s: expression must be boolean, got %s", platform, p.Name, ast.OutputType())
			}
			prg, err := env.Program(ast)
			if err != nil {
				return nil, fmt.Errorf("platform %s policy %s: CEL program error: %w", platform, p.Name, err)
			}
			pr.policies = append(pr.policies, policy{name: p.Name, prg: prg})
		}
		v.platforms[strings.ToLower(platform)] = pr
	}
	return v, nil
}

// Validate checks item against the rules for platform. It never mutates item.
func (v *Validator) Validate(item *contracts.Evidence, platform string) Result {
	if item == nil {
		return Result{Errors: []string{"evidence item is required"}}
	}
	rules, ok := v.platforms[strings.ToLower(platform)]
	if !ok {
		return Result{Errors: []string{fmt.Sprintf("unknown platform: %s", platform)}}
	}

	fields := item.Fields()
	var errs []string
	for _, f := range rules.required {
		if _, present := fields[f]; !present {
			errs = append(errs, fmt.Sprintf("missing required field: %s", f))
		}
	}

	activation := map[string]interface{}{"evidence": fields}
	for _, p := range rules.policies {
		out, _, err := p.prg.Eval(activation)
		if err != nil {
			errs = append(errs, fmt.Sprintf("content policy %s could not be evaluated: %v", p.name, err))
			continue
		}
		if allowed, ok := out.Value().(bool); !ok || !allowed {
			errs = append(errs, fmt.Sprintf("content policy violated: %s", p.name))
		}
	}

	return Result{Valid: len(errs) == 0, Errors: errs}
}

// Platforms lists the configured platforms, sorted.
func (v *Validator) Platforms() []string {
	out := make([]string, 0, len(v.platforms))
	for p := range v.platforms {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
