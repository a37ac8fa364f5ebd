package models

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// PlanNode is the static definition of one node in a compiled plan
type PlanNode struct {
	ID             string         `json:"id" yaml:"id" validate:"required"`
	Identifier     string         `json:"identifier" yaml:"identifier" validate:"required"`
	Name           string         `json:"name,omitempty" yaml:"name,omitempty"`
	StepType       string         `json:"step_type" yaml:"step_type" validate:"required"`
	ServiceName    string         `json:"service_name,omitempty" yaml:"service_name,omitempty"`
	StepParameters map[string]any `json:"step_parameters,omitempty" yaml:"step_parameters,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty" validate:"gte=0"`
	// RunCondition is a JMESPath predicate; an empty condition always runs
	RunCondition string `json:"run_condition,omitempty" yaml:"run_condition,omitempty"`
}

// Timeout returns the node's timeout or the fallback when none is set
func (n PlanNode) Timeout(fallback time.Duration) time.Duration {
	if n.TimeoutSeconds <= 0 {
		return fallback
	}
	return time.Duration(n.TimeoutSeconds) * time.Second
}

// ChildRefs returns the plan node ids referenced through the "child" and "children" parameters
func (n PlanNode) ChildRefs() []string {
	var refs []string
	if child, ok := n.StepParameters["child"].(string); ok && child != "" {
		refs = append(refs, child)
	}
	refs = append(refs, StringSlice(n.StepParameters["children"])...)
	return refs
}

// Plan is a compiled pipeline: a flat set of plan nodes and the node to start from
type Plan struct {
	Name           string              `json:"name,omitempty" yaml:"name,omitempty"`
	StartingNodeID string              `json:"starting_node_id" yaml:"starting_node_id" validate:"required"`
	Nodes          map[string]PlanNode `json:"nodes" yaml:"nodes" validate:"required,min=1,dive"`
}

// Node looks up a plan node by id
func (p Plan) Node(id string) (PlanNode, bool) {
	node, ok := p.Nodes[id]
	return node, ok
}

// Validate checks the plan's structure and that every child reference resolves
func (p Plan) Validate() error {
	if err := validate.Struct(p); err != nil {
		return httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid plan: %v", err)
	}

	if _, ok := p.Nodes[p.StartingNodeID]; !ok {
		return httperror.NewHTTPErrorf(http.StatusBadRequest, "starting node %s is not defined", p.StartingNodeID)
	}

	for key, node := range p.Nodes {
		if node.ID != key {
			return httperror.NewHTTPErrorf(http.StatusBadRequest, "plan node key %s does not match node id %s", key, node.ID)
		}
		for _, ref := range node.ChildRefs() {
			if _, ok := p.Nodes[ref]; !ok {
				return httperror.NewHTTPErrorf(http.StatusBadRequest, "node %s references undefined child %s", node.ID, ref)
			}
		}
	}

	return nil
}

// LoadPlanFile reads and validates a YAML plan definition
func LoadPlanFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file %s: %w", path, err)
	}
	return ParsePlan(data)
}

// ParsePlan decodes a YAML plan. Node ids default to their map key.
func ParsePlan(data []byte) (*Plan, error) {
	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "failed to parse plan: %v", err)
	}

	for key, node := range plan.Nodes {
		if node.ID == "" {
			node.ID = key
		}
		if node.Identifier == "" {
			node.Identifier = key
		}
		plan.Nodes[key] = node
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}

// StringSlice coerces a decoded parameter into a slice of strings
func StringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
