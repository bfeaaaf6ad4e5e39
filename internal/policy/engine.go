package policy

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

//go:embed rego/*.rego
var embeddedPolicies embed.FS

// Deny codes, in evaluation order. When more than one rule would deny,
// the first one in this order wins.
const (
	CodeAllowlistDenied = "allowlist_denied"
	CodeEmergencyBlock  = "emergency_transaction_block"
	CodeCrossUserBlock  = "cross_user_block"
)

// Decision represents the result of policy evaluation.
type Decision struct {
	Allowed       bool     `json:"allowed"`
	Code          string   `json:"code,omitempty"` // deny code, empty when allowed
	Reasons       []string `json:"reasons,omitempty"`
	PolicyVersion string   `json:"policy_version"`
}

// Message returns the primary human-readable deny reason.
func (d *Decision) Message() string {
	if len(d.Reasons) == 0 {
		return ""
	}
	return d.Reasons[0]
}

// CheckInput is the input document for a pre-execution policy check.
type CheckInput struct {
	Tool          string // resolved canonical tool name
	Transactional bool
	UserID        string // authenticated user
	PayloadUserID string // user_id found inside the payload, "" when absent
	Text          string // free text associated with the request, scanned for emergencies
	Emergency     bool   // caller already established an emergency context
}

// regoPolicy maps a Rego file to the OPA query used to extract deny
// messages and the deny code attached when that rule fires.
type regoPolicy struct {
	file  string
	query string
	code  string
}

// allPolicies defines the Rego files in evaluation order.
var allPolicies = []regoPolicy{
	{file: "rego/tool_allowlist.rego", query: "data.carepilot.policy.tool_allowlist.deny", code: CodeAllowlistDenied},
	{file: "rego/emergency.rego", query: "data.carepilot.policy.emergency.deny", code: CodeEmergencyBlock},
	{file: "rego/cross_user.rego", query: "data.carepilot.policy.cross_user.deny", code: CodeCrossUserBlock},
}

// Engine evaluates care policies using embedded OPA.
type Engine struct {
	policy   *CarePolicy
	prepared map[string]rego.PreparedEvalQuery
}

// NewEngine creates a policy engine with precompiled Rego policies.
// The provided CarePolicy is serialized to JSON and loaded as OPA data.
func NewEngine(ctx context.Context, pol *CarePolicy) (*Engine, error) {
	ctx, span := tracer.Start(ctx, "policy.engine.new")
	defer span.End()

	policyData, err := policyToData(pol)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("converting policy to OPA data: %w", err)
	}

	prepared := make(map[string]rego.PreparedEvalQuery, len(allPolicies))
	for _, rp := range allPolicies {
		content, err := embeddedPolicies.ReadFile(rp.file)
		if err != nil {
			return nil, fmt.Errorf("reading embedded policy %s: %w", rp.file, err)
		}

		store := inmem.NewFromObject(map[string]interface{}{
			"policy": policyData,
		})

		r := rego.New(
			rego.Query(rp.query),
			rego.Module(rp.file, string(content)),
			rego.Store(store),
		)

		preparedQuery, err := r.PrepareForEval(ctx)
		if err != nil {
			return nil, fmt.Errorf("preparing Rego policy %s: %w", rp.file, err)
		}

		prepared[rp.file] = preparedQuery
	}

	span.SetAttributes(attribute.Int("policy.prepared_count", len(prepared)))

	return &Engine{
		policy:   pol,
		prepared: prepared,
	}, nil
}

// Policy returns the loaded care policy.
func (e *Engine) Policy() *CarePolicy {
	return e.policy
}

// Check runs the pre-execution rules in order (allowlist, emergency,
// cross-user) and returns the first deny as the Decision. Evaluation
// fails closed: an OPA error denies the action.
func (e *Engine) Check(ctx context.Context, in CheckInput) (*Decision, error) {
	ctx, span := tracer.Start(ctx, "policy.check",
		trace.WithAttributes(
			attribute.String("tool.name", in.Tool),
			attribute.Bool("tool.transactional", in.Transactional),
			attribute.String("policy.version", e.policy.VersionTag),
		))
	defer span.End()

	input := map[string]interface{}{
		"tool":            in.Tool,
		"transactional":   in.Transactional,
		"user_id":         in.UserID,
		"payload_user_id": in.PayloadUserID,
		"text":            in.Text,
		"emergency":       in.Emergency,
	}

	for _, rp := range allPolicies {
		reasons, err := e.evaluateDenyPolicy(ctx, rp.file, input)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if len(reasons) > 0 {
			span.SetAttributes(
				attribute.Bool("policy.allowed", false),
				attribute.String("policy.deny_code", rp.code),
			)
			return &Decision{
				Allowed:       false,
				Code:          rp.code,
				Reasons:       reasons,
				PolicyVersion: e.policy.VersionTag,
			}, nil
		}
	}

	span.SetAttributes(attribute.Bool("policy.allowed", true))
	span.SetStatus(codes.Ok, "policy evaluation passed")

	return &Decision{
		Allowed:       true,
		PolicyVersion: e.policy.VersionTag,
	}, nil
}

// evaluateDenyPolicy runs a single prepared Rego policy that produces a
// set of deny reason strings.
func (e *Engine) evaluateDenyPolicy(ctx context.Context, pkg string, input map[string]interface{}) ([]string, error) {
	pq, ok := e.prepared[pkg]
	if !ok {
		return nil, fmt.Errorf("policy package %s not prepared", pkg)
	}

	results, err := pq.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("evaluating %s: %w", pkg, err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}

	// The result of querying "data.xxx.deny" is a set of strings.
	// OPA returns it as []interface{} or, occasionally, map[string]interface{}.
	var reasons []string
	exprVal := results[0].Expressions[0].Value
	switch v := exprVal.(type) {
	case []interface{}:
		for _, msg := range v {
			if msgStr, ok := msg.(string); ok {
				reasons = append(reasons, msgStr)
			}
		}
	case map[string]interface{}:
		for _, msg := range v {
			if msgStr, ok := msg.(string); ok {
				reasons = append(reasons, msgStr)
			}
		}
	}

	return reasons, nil
}

// policyToData converts a CarePolicy struct to map[string]interface{} for OPA.
// We marshal to JSON then unmarshal to get clean map types.
func policyToData(pol *CarePolicy) (map[string]interface{}, error) {
	jsonBytes, err := json.Marshal(pol)
	if err != nil {
		return nil, fmt.Errorf("marshalling policy: %w", err)
	}

	var data map[string]interface{}
	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return nil, fmt.Errorf("unmarshalling policy data: %w", err)
	}

	return data, nil
}
