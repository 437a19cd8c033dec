package schema

import "context"

// Trigger is an external event that may instantiate one or more workflow
// instances. Classification is optional; when absent and a Classifier is
// configured, the router fills it in before rule evaluation.
type Trigger struct {
	Type           string          `json:"trigger_type"`
	ID             string          `json:"trigger_id"`
	Payload        map[string]any  `json:"payload,omitempty"`
	Classification *Classification `json:"classification,omitempty"`
}

// Classification is the structured output of the external NLP/LLM classifier.
// Consumed as an opaque input; the engine never interprets Confidence beyond
// routing-rule predicates.
type Classification struct {
	Category   string  `json:"category"`
	Urgency    string  `json:"urgency"`
	Confidence float64 `json:"confidence"`
}

// Classifier turns free text into a structured classification.
// Injected dependency, replaceable with a fake for testing.
type Classifier interface {
	Classify(ctx context.Context, text string) (Classification, error)
}

// Actor identifies the role/user performing an inbound operation.
type Actor struct {
	Role string `json:"actor_role"`
	User string `json:"actor_user,omitempty"`
}

// StepCompletion is the step-completion ingress payload.
type StepCompletion struct {
	InstanceID   string         `json:"instance_id"`
	StepID       string         `json:"step_id"`
	Actor        Actor          `json:"actor"`
	Result       map[string]any `json:"result,omitempty"`
	ActionsTaken []string       `json:"actions_taken,omitempty"`
}

// ApprovalDecision is the approval-decision ingress payload.
type ApprovalDecision struct {
	RequestID     string `json:"request_id"`
	Decision      string `json:"decision"` // approved | rejected
	ResolvingRole string `json:"resolving_role"`
	ResolvingUser string `json:"resolving_user,omitempty"`
	Notes         string `json:"notes,omitempty"`
}

// NotificationRequest is handed to the external notifier. Delivery is
// at-least-once, fire-and-forget; the engine never blocks on it.
type NotificationRequest struct {
	ToRole    string         `json:"to_role,omitempty"`
	ToUser    string         `json:"to_user,omitempty"`
	Channel   string         `json:"channel"` // email | sms | chat
	Template  string         `json:"template"`
	Variables map[string]any `json:"variables,omitempty"`
}
