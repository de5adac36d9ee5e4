// Package authz evaluates Cedar policies for privileged actions that the
// ownership checks in the domain do not cover.
package authz

import (
	"context"
	_ "embed"
	"fmt"
	"os"

	"github.com/cedar-policy/cedar-go"
	"github.com/rs/zerolog"
)

//go:embed adjudication.cedar
var builtinPolicy []byte

// Builtin is the value of ADJUDICATION_POLICY_FILE that selects the embedded policy.
const Builtin = "builtin"

// Request describes one access check.
type Request struct {
	PrincipalID  string
	Roles        []string
	Action       string
	ResourceType string
	ResourceID   string
	Attributes   map[string]string
}

// Decision is the outcome of a check.
type Decision struct {
	Allowed  bool
	PolicyID string
	Reason   string
}

// Policy is a parsed Cedar policy set.
type Policy struct {
	policies *cedar.PolicySet
	logger   zerolog.Logger
}

// NewPolicy parses src. name is used in parse errors.
func NewPolicy(name string, src []byte, logger zerolog.Logger) (*Policy, error) {
	ps, err := cedar.NewPolicySetFromBytes(name, src)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policies: %w", err)
	}
	return &Policy{policies: ps, logger: logger}, nil
}

// Load reads the policy at path, or the embedded policy when path is "builtin".
// An empty path returns nil and no error: callers treat that as allow-all.
func Load(path string, logger zerolog.Logger) (*Policy, error) {
	switch path {
	case "":
		return nil, nil
	case Builtin:
		return NewPolicy("adjudication.cedar", builtinPolicy, logger)
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return NewPolicy(path, src, logger)
}

// Authorize evaluates req. A nil Policy allows everything.
func (p *Policy) Authorize(_ context.Context, req Request) Decision {
	if p == nil {
		return Decision{Allowed: true, Reason: "no policy configured"}
	}

	principalUID := cedar.NewEntityUID("User", cedar.String(req.PrincipalID))
	resourceUID := cedar.NewEntityUID(cedar.EntityType(req.ResourceType), cedar.String(req.ResourceID))

	roles := make([]cedar.Value, 0, len(req.Roles))
	for _, r := range req.Roles {
		roles = append(roles, cedar.String(r))
	}
	attrs := cedar.RecordMap{}
	for k, v := range req.Attributes {
		attrs[cedar.String(k)] = cedar.String(v)
	}

	entities := cedar.EntityMap{
		principalUID: cedar.Entity{
			UID:     principalUID,
			Parents: cedar.NewEntityUIDSet(),
			Attributes: cedar.NewRecord(cedar.RecordMap{
				"subject": cedar.String(req.PrincipalID),
				"roles":   cedar.NewSet(roles...),
			}),
		},
		resourceUID: cedar.Entity{
			UID:        resourceUID,
			Parents:    cedar.NewEntityUIDSet(),
			Attributes: cedar.NewRecord(attrs),
		},
	}

	decision, diag := p.policies.IsAuthorized(entities, cedar.Request{
		Principal: principalUID,
		Action:    cedar.NewEntityUID("Action", cedar.String(req.Action)),
		Resource:  resourceUID,
		Context:   cedar.NewRecord(cedar.RecordMap{}),
	})

	out := Decision{Allowed: decision == cedar.Allow}
	if len(diag.Reasons) > 0 {
		out.PolicyID = string(diag.Reasons[0].PolicyID)
	}
	switch {
	case out.Allowed:
		out.Reason = "access permitted"
	case out.PolicyID != "":
		out.Reason = fmt.Sprintf("denied by policy %s", out.PolicyID)
	default:
		out.Reason = "no matching permit policy"
	}

	for _, e := range diag.Errors {
		p.logger.Error().Str("policy", string(e.PolicyID)).Str("error", e.Message).Msg("policy evaluation error")
	}
	p.logger.Debug().
		Str("principal", req.PrincipalID).
		Str("action", req.Action).
		Str("resource", req.ResourceType+"/"+req.ResourceID).
		Bool("allowed", out.Allowed).
		Str("policy_id", out.PolicyID).
		Msg("authorization decision")
	return out
}
