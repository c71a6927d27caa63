package models

import "encoding/json"

// Intent is the closed set of user purposes the classifier can produce.
type Intent string

const (
	IntentGreeting        Intent = "greeting"
	IntentInformational   Intent = "informational"
	IntentCommandRequest  Intent = "command_request"
	IntentCommandHowTo    Intent = "command_how_to"
	IntentWebSearch       Intent = "web_search"
	IntentFileSearch      Intent = "file_search"
	IntentSystemQuery     Intent = "system_query"
	IntentOCRRequest      Intent = "ocr_request"
	IntentImageGeneration Intent = "image_generation"
	IntentConversation    Intent = "conversation"
)

// Valid reports whether i is one of the recognized intents. Model output is
// validated with this before it is allowed into the pipeline.
func (i Intent) Valid() bool {
	switch i {
	case IntentGreeting, IntentInformational, IntentCommandRequest,
		IntentCommandHowTo, IntentWebSearch, IntentFileSearch,
		IntentSystemQuery, IntentOCRRequest, IntentImageGeneration,
		IntentConversation:
		return true
	}
	return false
}

// IntentClassification is produced once per utterance and discarded with the
// turn. It is never persisted.
type IntentClassification struct {
	Intent       Intent            `json:"intent"`
	Confidence   float64           `json:"confidence"`
	Parameters   map[string]string `json:"parameters,omitempty"`
	Reasoning    string            `json:"reasoning,omitempty"`
	FallbackUsed bool              `json:"fallback_used,omitempty"`
}

// ActionType is the closed set of work units the planner can emit.
type ActionType string

const (
	ActionLLMGenerate    ActionType = "llm_generate"
	ActionImageGenerate  ActionType = "image_generate"
	ActionImageSave      ActionType = "image_save"
	ActionOCRCapture     ActionType = "ocr_capture"
	ActionDocumentQuery  ActionType = "document_query"
	ActionWebSearch      ActionType = "web_search"
	ActionCommandExecute ActionType = "command_execute"
)

// Valid reports whether t is a recognized action type.
func (t ActionType) Valid() bool {
	switch t {
	case ActionLLMGenerate, ActionImageGenerate, ActionImageSave,
		ActionOCRCapture, ActionDocumentQuery, ActionWebSearch,
		ActionCommandExecute:
		return true
	}
	return false
}

// NeedsApproval returns the fixed approval requirement for the type.
// Command execution is always gated no matter how harmless the command
// looks; saving files to disk is gated for the same reason.
func (t ActionType) NeedsApproval() bool {
	switch t {
	case ActionCommandExecute, ActionImageSave:
		return true
	}
	return false
}

// ActionStatus tracks an action through its lifecycle:
// planned -> awaiting_approval -> {approved | rejected} -> executing -> {completed | failed}.
type ActionStatus string

const (
	StatusPlanned          ActionStatus = "planned"
	StatusAwaitingApproval ActionStatus = "awaiting_approval"
	StatusApproved         ActionStatus = "approved"
	StatusRejected         ActionStatus = "rejected"
	StatusExecuting        ActionStatus = "executing"
	StatusCompleted        ActionStatus = "completed"
	StatusFailed           ActionStatus = "failed"
)

// Action is one unit of planned work. It is owned exclusively by the
// orchestration run that created it and never shared across turns.
type Action struct {
	Type          ActionType        `json:"action_type"`
	Params        map[string]string `json:"params"`
	Status        ActionStatus      `json:"status"`
	NeedsApproval bool              `json:"needs_approval"`
	Description   string            `json:"description"`
}

// ActionPlan is an ordered sequence of actions plus a natural-language
// explanation. Later actions may reference earlier outputs via placeholders.
type ActionPlan struct {
	Actions     []*Action `json:"actions"`
	Explanation string    `json:"explanation"`
}

// Gated returns the actions in the plan that require approval.
func (p *ActionPlan) Gated() []*Action {
	var gated []*Action
	for _, a := range p.Actions {
		if a.NeedsApproval {
			gated = append(gated, a)
		}
	}
	return gated
}

// ActionError is the structured error attached to a failed ActionResult.
type ActionError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ActionResult is the outcome of executing one action. When Success is
// false only Error is meaningful.
type ActionResult struct {
	Type        ActionType     `json:"action_type"`
	Description string         `json:"description"`
	Success     bool           `json:"success"`
	Details     map[string]any `json:"details,omitempty"`
	Error       *ActionError   `json:"error,omitempty"`
}

// DetailString returns a string-valued detail field, or "" if absent.
func (r *ActionResult) DetailString(key string) string {
	if r.Details == nil {
		return ""
	}
	s, _ := r.Details[key].(string)
	return s
}

// SearchResult is one entry of an ordered result list from a document or
// web search. The stored list is the referent for later numeric
// references ("open 2").
type SearchResult struct {
	Title   string  `json:"title"`
	Score   float64 `json:"score"`
	Snippet string  `json:"snippet,omitempty"`
	Path    string  `json:"path"`
}

// UnmarshalJSON tolerates the two shapes backends emit: document hits use
// filename/path, web hits use title/url.
func (s *SearchResult) UnmarshalJSON(data []byte) error {
	var aux struct {
		Title    string  `json:"title"`
		Filename string  `json:"filename"`
		Score    float64 `json:"score"`
		Snippet  string  `json:"snippet"`
		Path     string  `json:"path"`
		URL      string  `json:"url"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	s.Title = aux.Title
	if s.Title == "" {
		s.Title = aux.Filename
	}
	s.Score = aux.Score
	s.Snippet = aux.Snippet
	s.Path = aux.Path
	if s.Path == "" {
		s.Path = aux.URL
	}
	return nil
}

// ResultType discriminates the front-end facing OrchestrationResult.
type ResultType string

const (
	ResultText          ResultType = "text"
	ResultNeedsApproval ResultType = "needs_approval"
	ResultExecuted      ResultType = "result"
	ResultError         ResultType = "error"
)

// OrchestrationResult is the single value a front-end receives for a turn.
type OrchestrationResult struct {
	Type            ResultType     `json:"type"`
	Content         string         `json:"content,omitempty"`
	Plan            *ActionPlan    `json:"plan,omitempty"`
	ExecutedActions []ActionResult `json:"executed_actions,omitempty"`
	Message         string         `json:"message,omitempty"`
}
