package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"

	"gopkg.in/yaml.v3"
)

// StepType represents the type of workflow step
type StepType string

const (
	StepTypeApproval    StepType = "approval"    // Waits for a human decision
	StepTypeIntegration StepType = "integration" // Calls an external provider and continues
)

// Operator is a condition comparison operator
type Operator string

const (
	OperatorEquals      Operator = "equals"
	OperatorNotEquals   Operator = "not_equals"
	OperatorGreaterThan Operator = "greater_than"
	OperatorLessThan    Operator = "less_than"
	OperatorContains    Operator = "contains"
	OperatorBetween     Operator = "between"
)

// Provider names an integration target
type Provider string

const (
	ProviderTeams    Provider = "teams"
	ProviderSlack    Provider = "slack"
	ProviderOutlook  Provider = "outlook"
	ProviderN8n      Provider = "n8n"
	ProviderWebhook  Provider = "webhook"
	ProviderTelegram Provider = "telegram"
	ProviderDiscord  Provider = "discord"
)

// Status is the workflow-level status after a forward pass
type Status string

const (
	StatusCompleted      Status = "completed"       // Ran past the last step
	StatusAwaitingAction Status = "awaiting_action" // Paused at an approval step
	StatusFailed         Status = "failed"          // Halted on an integration failure
	StatusRejected       Status = "rejected"        // Approval was denied
)

// Synthetic step ids reported by the engine
const (
	StepIDWorkflowComplete = "workflow_complete"
	StepIDWorkflowRejected = "workflow_rejected"
)

// Definition describes an approval process. Step order is execution order.
type Definition struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []Step   `json:"steps" yaml:"steps"`
	Settings    Settings `json:"settings" yaml:"settings"`
}

// Settings are process-wide policy flags. The engine passes them through;
// the approval-assignment subsystem interprets them.
type Settings struct {
	AllowParallelApprovals bool   `json:"allow_parallel_approvals" yaml:"allow_parallel_approvals"`
	RequireAllParallel     bool   `json:"require_all_parallel" yaml:"require_all_parallel"`
	ExpirationHours        int    `json:"expiration_hours,omitempty" yaml:"expiration_hours,omitempty"`
	OnExpiration           string `json:"on_expiration,omitempty" yaml:"on_expiration,omitempty"` // "reject", "escalate", "approve"
	AllowReassignment      bool   `json:"allow_reassignment" yaml:"allow_reassignment"`
	AllowWithdrawal        bool   `json:"allow_withdrawal" yaml:"allow_withdrawal"`
	RequireAttachments     bool   `json:"require_attachments" yaml:"require_attachments"`
}

// Step is a single node in a workflow. Approval and integration steps share
// Conditions; the remaining fields belong to one type or the other.
type Step struct {
	ID         string      `json:"id" yaml:"id"`
	Name       string      `json:"name" yaml:"name"`
	Order      int         `json:"order" yaml:"order"`
	Type       StepType    `json:"type" yaml:"type"`
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`

	// Approval-only
	Approvers     []ApproverTarget   `json:"approvers,omitempty" yaml:"approvers,omitempty"`
	AutoApprove   *AutoApprovePolicy `json:"auto_approve,omitempty" yaml:"auto_approve,omitempty"`
	Escalation    *EscalationPolicy  `json:"escalation,omitempty" yaml:"escalation,omitempty"`
	Notifications *NotificationFlags `json:"notifications,omitempty" yaml:"notifications,omitempty"`

	// Integration-only
	Integration *Integration `json:"integration,omitempty" yaml:"integration,omitempty"`
}

// Condition is a single field comparison gating a step
type Condition struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value" yaml:"value"`
	Value2   any      `json:"value2,omitempty" yaml:"value2,omitempty"`
}

// ApproverTarget selects who may act on an approval step
type ApproverTarget struct {
	Type         string   `json:"type" yaml:"type"` // "user", "role", "department", "manager"
	UserIDs      []string `json:"user_ids,omitempty" yaml:"user_ids,omitempty"`
	RoleIDs      []string `json:"role_ids,omitempty" yaml:"role_ids,omitempty"`
	DepartmentID string   `json:"department_id,omitempty" yaml:"department_id,omitempty"`
}

// AutoApprovePolicy lets the approval subsystem decide without a human
type AutoApprovePolicy struct {
	Enabled    bool        `json:"enabled" yaml:"enabled"`
	AfterHours int         `json:"after_hours,omitempty" yaml:"after_hours,omitempty"`
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// EscalationPolicy is acted on by an external scheduler
type EscalationPolicy struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	AfterHours int    `json:"after_hours" yaml:"after_hours"`
	EscalateTo string `json:"escalate_to,omitempty" yaml:"escalate_to,omitempty"`
}

// NotificationFlags control approval notifications
type NotificationFlags struct {
	OnAssign   bool `json:"on_assign" yaml:"on_assign"`
	OnComplete bool `json:"on_complete" yaml:"on_complete"`
	Reminders  bool `json:"reminders" yaml:"reminders"`
}

// Integration describes an outbound call. Config keys vary per provider
// (workflowId, target, payload, secret) and are validated at dispatch time.
type Integration struct {
	Provider Provider          `json:"provider" yaml:"provider"`
	Action   string            `json:"action,omitempty" yaml:"action,omitempty"`
	Config   IntegrationConfig `json:"config,omitempty" yaml:"config,omitempty"`
}

// IntegrationConfig holds provider settings as strings. Scalars keep their
// literal text and nested objects or lists (usually payload) are stored as
// compact JSON.
type IntegrationConfig map[string]string

// UnmarshalYAML accepts any value under each key
func (c *IntegrationConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: integration config must be a mapping", value.Line)
	}

	out := make(IntegrationConfig, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		key, val := value.Content[i].Value, value.Content[i+1]
		switch {
		case val.Kind == yaml.ScalarNode && val.ShortTag() == "!!null":
			out[key] = ""
		case val.Kind == yaml.ScalarNode:
			out[key] = val.Value
		default:
			var decoded any
			if err := val.Decode(&decoded); err != nil {
				return fmt.Errorf("integration config %q: %w", key, err)
			}
			encoded, err := json.Marshal(decoded)
			if err != nil {
				return fmt.Errorf("integration config %q: %w", key, err)
			}
			out[key] = string(encoded)
		}
	}
	*c = out
	return nil
}

// UnmarshalJSON accepts any value under each key
func (c *IntegrationConfig) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("integration config must be an object: %w", err)
	}

	out := make(IntegrationConfig, len(raw))
	for key, val := range raw {
		trimmed := bytes.TrimSpace(val)
		switch {
		case bytes.Equal(trimmed, []byte("null")):
			out[key] = ""
		case len(trimmed) > 0 && trimmed[0] == '"':
			var s string
			if err := json.Unmarshal(trimmed, &s); err != nil {
				return fmt.Errorf("integration config %q: %w", key, err)
			}
			out[key] = s
		default:
			var compact bytes.Buffer
			if err := json.Compact(&compact, trimmed); err != nil {
				return fmt.Errorf("integration config %q: %w", key, err)
			}
			out[key] = compact.String()
		}
	}
	*c = out
	return nil
}

// StepExecutionResult is the output record for one processed step
type StepExecutionResult struct {
	Success            bool     `json:"success"`
	StepID             string   `json:"step_id"`
	StepType           StepType `json:"step_type,omitempty"`
	Provider           Provider `json:"provider,omitempty"`
	Message            string   `json:"message"`
	Data               any      `json:"data,omitempty"`
	Error              string   `json:"error,omitempty"`
	RequiresUserAction bool     `json:"requires_user_action"`
	NextStepIndex      int      `json:"next_step_index"`
}

// Validate checks the structural rules the engine relies on
func (d *Definition) Validate() error {
	if d == nil {
		return fmt.Errorf("workflow definition cannot be nil")
	}
	if d.ID == "" {
		return fmt.Errorf("workflow id cannot be empty")
	}

	seen := make(map[string]bool, len(d.Steps))
	for i, step := range d.Steps {
		if step.ID == "" {
			return fmt.Errorf("step %d: id cannot be empty", i)
		}
		if seen[step.ID] {
			return fmt.Errorf("step %d: duplicate step id %q", i, step.ID)
		}
		seen[step.ID] = true

		switch step.Type {
		case StepTypeApproval:
			if step.Integration != nil {
				return fmt.Errorf("step %q: approval steps cannot carry an integration", step.ID)
			}
		case StepTypeIntegration:
			if step.Integration == nil {
				return fmt.Errorf("step %q: integration block is required", step.ID)
			}
			if step.Integration.Provider == "" {
				return fmt.Errorf("step %q: integration provider is required", step.ID)
			}
		default:
			return fmt.Errorf("step %q: unknown step type %q", step.ID, step.Type)
		}

		for _, cond := range step.Conditions {
			if err := cond.Validate(); err != nil {
				log.Printf("[Workflow] Warning: step %q of %s: %v (condition will always pass)", step.ID, d.ID, err)
			}
		}

		if step.Order != 0 && step.Order != i && step.Order != i+1 {
			log.Printf("[Workflow] Warning: step %q of %s has order %d at position %d", step.ID, d.ID, step.Order, i)
		}
	}

	return nil
}

// Validate reports conditions the evaluator cannot interpret
func (c Condition) Validate() error {
	if c.Field == "" {
		return fmt.Errorf("condition field cannot be empty")
	}
	switch c.Operator {
	case OperatorEquals, OperatorNotEquals, OperatorGreaterThan, OperatorLessThan, OperatorContains, OperatorBetween:
		return nil
	}
	return fmt.Errorf("unknown condition operator %q", c.Operator)
}

// StepIndex returns the position of the step with the given id, or -1
func (d *Definition) StepIndex(stepID string) int {
	for i, step := range d.Steps {
		if step.ID == stepID {
			return i
		}
	}
	return -1
}
