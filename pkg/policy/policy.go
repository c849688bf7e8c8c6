// Package policy runs the admission check before a capability's handler
// executes: a role allow-list, an optional CEL condition expression
// evaluated against the identity and input, and optional JSON Schema
// validation of the input payload itself.
package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/text/cases"

	"github.com/chainbox/chainbox/pkg/chainerr"
	"github.com/chainbox/chainbox/pkg/contracts"
)

// roleFold normalises a role name for comparison so "Admin", "ADMIN" and
// "admin" are the same role regardless of how an identity provider or an
// operator's allow-list happens to have cased it.
var roleFold = cases.Fold()

func foldRole(role string) string {
	return roleFold.String(role)
}

// Policy is the per-capability admission configuration. A zero-value Policy
// (no allow set, no condition) always admits.
type Policy struct {
	Allow     map[string]bool
	Condition string // optional CEL expression; must evaluate to bool
}

// Engine enforces Policy objects, caching compiled CEL programs by
// expression text and compiled JSON Schemas by capability name.
type Engine struct {
	mu           sync.RWMutex
	env          *cel.Env
	cache        map[string]cel.Program
	schemaCache  map[string]*jsonschema.Schema
}

// NewEngine builds a Policy engine with a CEL environment exposing
// "identity" and "input" as dynamic variables.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("identity", cel.DynType),
		cel.Variable("input", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: build CEL env: %w", err)
	}
	return &Engine{
		env:         env,
		cache:       make(map[string]cel.Program),
		schemaCache: make(map[string]*jsonschema.Schema),
	}, nil
}

// Enforce admits or rejects a call. If perms.Allow is non-empty, identity
// must be present, must carry a role, and that role must be allowed. If
// perms.InputSchema is set, input must validate against it. If pol.Condition
// is set, it is additionally evaluated and must return true. A role or
// condition violation fails with FORBIDDEN; a schema violation fails with
// INPUT_VALIDATION_FAILED. Neither consumes the caller's retry budget.
func (e *Engine) Enforce(perms contracts.CapabilityPermissions, pol *Policy, fn string, identity *contracts.Identity, input any) error {
	if len(perms.Allow) > 0 {
		if identity == nil || identity.Role == "" {
			return chainerr.New(chainerr.CodeForbidden, fn, "identity or role missing")
		}
		role := foldRole(identity.Role)
		permitted := false
		for allowedRole, ok := range perms.Allow {
			if ok && foldRole(allowedRole) == role {
				permitted = true
				break
			}
		}
		if !permitted {
			return chainerr.Newf(chainerr.CodeForbidden, fn, "role %q not permitted", identity.Role)
		}
	}

	if len(perms.InputSchema) > 0 {
		if err := e.validateInput(fn, perms.InputSchema, input); err != nil {
			return chainerr.Newf(chainerr.CodeInputValidation, fn, "input schema violation: %v", err)
		}
	}

	if pol == nil || pol.Condition == "" {
		return nil
	}

	allowed, err := e.evaluate(pol.Condition, identity, input)
	if err != nil {
		return chainerr.Newf(chainerr.CodeForbidden, fn, "policy condition error: %v", err)
	}
	if !allowed {
		return chainerr.Newf(chainerr.CodeForbidden, fn, "policy condition denied")
	}
	return nil
}

// validateInput checks input against the capability's declared JSON
// Schema, compiling and caching the schema by capability name on first use.
func (e *Engine) validateInput(fn string, rawSchema []byte, input any) error {
	schema, err := e.compileSchema(fn, rawSchema)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	// jsonschema validates against the decoded-JSON shape (map[string]any,
	// []any, float64, ...), not arbitrary Go structs, so round-trip input
	// through the encoding it would have taken over the wire.
	encoded, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("encode input: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return fmt.Errorf("decode input: %w", err)
	}
	return schema.Validate(decoded)
}

func (e *Engine) compileSchema(fn string, rawSchema []byte) (*jsonschema.Schema, error) {
	e.mu.RLock()
	schema, ok := e.schemaCache[fn]
	e.mu.RUnlock()
	if ok {
		return schema, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if schema, ok = e.schemaCache[fn]; ok {
		return schema, nil
	}

	resourceName := fn + ".schema.json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resourceName, bytes.NewReader(rawSchema)); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile(resourceName)
	if err != nil {
		return nil, err
	}
	e.schemaCache[fn] = schema
	return schema, nil
}

func (e *Engine) evaluate(expr string, identity *contracts.Identity, input any) (bool, error) {
	prg, err := e.compile(expr)
	if err != nil {
		return false, err
	}

	identMap := map[string]any{}
	if identity != nil {
		identMap["id"] = identity.ID
		identMap["role"] = identity.Role
		identMap["claims"] = identity.Claims
	}

	out, _, err := prg.Eval(map[string]any{
		"identity": identMap,
		"input":    input,
	})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition must evaluate to bool")
	}
	return b, nil
}

func (e *Engine) compile(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok = e.cache[expr]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.cache[expr] = prg
	return prg, nil
}
