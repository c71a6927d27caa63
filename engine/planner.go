package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/verba-labs/verba-core/bus"
	"github.com/verba-labs/verba-core/models"
)

// Planner turns a reference-resolved utterance into an ordered action
// plan. Strategy order: conversational short-circuit, quick reference
// shortcuts, then a single model-assisted planning call. The planner
// never silently drops a request; when planning fails it falls back to a
// minimal plan or declines with an explanation.
type Planner struct {
	bus     bus.ServiceBus
	timeout time.Duration
	opener  string
	logger  *zap.Logger
}

// NewPlanner builds a planner using the platform's default opener command.
func NewPlanner(b bus.ServiceBus, timeout time.Duration, logger *zap.Logger) *Planner {
	return &Planner{bus: b, timeout: timeout, opener: defaultOpener(), logger: logger}
}

func defaultOpener() string {
	switch runtime.GOOS {
	case "darwin":
		return "open"
	case "windows":
		return "cmd /c start"
	default:
		return "xdg-open"
	}
}

// Small talk in the languages the assistant ships with. These produce an
// empty plan without touching the backend.
var smallTalkReplies = map[string]string{
	// greetings
	"hello": "Hello! What can I do for you?", "hi": "Hi! What can I do for you?",
	"hey": "Hey! What can I do for you?", "good morning": "Good morning! What can I do for you?",
	"good afternoon": "Good afternoon! What can I do for you?", "good evening": "Good evening! What can I do for you?",
	"bonjour": "Bonjour ! Que puis-je faire pour vous ?", "salut": "Salut ! Que puis-je faire pour vous ?",
	"hola": "¡Hola! ¿En qué puedo ayudarte?", "buenos dias": "¡Buenos días! ¿En qué puedo ayudarte?",
	"ciao": "Ciao! Come posso aiutarti?", "buongiorno": "Buongiorno! Come posso aiutarti?",
	// thanks
	"thanks": "You're welcome!", "thank you": "You're welcome!", "thx": "You're welcome!",
	"merci": "Avec plaisir !", "gracias": "¡De nada!", "grazie": "Prego!",
	// farewells
	"bye": "Goodbye!", "goodbye": "Goodbye!", "see you": "See you!",
	"au revoir": "Au revoir !", "adios": "¡Adiós!", "adiós": "¡Adiós!",
	"arrivederci": "Arrivederci!",
}

// openPathRe matches an already-resolved open request whose argument looks
// like a path. The resolver rewrites "open 2" into this shape.
var openPathRe = regexp.MustCompile(`(?i)^\s*(?:open|show|display|read)\s+(?:the\s+)?(?:(?:document|doc|file|result|link|item)\s+)?(\S+)\s*$`)

// Plan builds an action plan for the resolved utterance. It always
// returns a usable plan; failures degrade internally.
func (p *Planner) Plan(ctx context.Context, utterance string, cls *models.IntentClassification, sctx *models.SessionContext) *models.ActionPlan {
	if reply, ok := smallTalkReplies[normalize(utterance)]; ok {
		return &models.ActionPlan{Explanation: reply}
	}
	if cls != nil && cls.Intent == models.IntentGreeting {
		return &models.ActionPlan{Explanation: "Hello! What can I do for you?"}
	}

	if plan := p.openShortcut(utterance, sctx); plan != nil {
		p.logger.Debug("Quick open shortcut used", zap.String("utterance", utterance))
		return plan
	}

	plan, err := p.planWithModel(ctx, utterance, cls, sctx)
	if err != nil {
		p.logger.Warn("Model-assisted planning failed, using fallback", zap.Error(err))
		return p.fallbackPlan(utterance, cls)
	}
	return plan
}

// openShortcut translates references to prior results or known files into
// a direct open command, bypassing the model entirely. This class of
// request is unambiguous and prone to being re-interpreted as a fresh
// search by the model.
func (p *Planner) openShortcut(utterance string, sctx *models.SessionContext) *models.ActionPlan {
	if sctx == nil {
		return nil
	}

	// Raw ordinal form, in case the engine is used without the resolver.
	if m := ordinalRe.FindStringSubmatch(utterance); m != nil && len(sctx.LastResults) > 0 {
		idx, err := strconv.Atoi(m[2])
		if err == nil && idx >= 1 && idx <= len(sctx.LastResults) {
			if path := sctx.LastResults[idx-1].Path; path != "" {
				return p.openPlan(path)
			}
		}
	}

	m := openPathRe.FindStringSubmatch(utterance)
	if m == nil {
		return nil
	}
	target := strings.Trim(m[1], `"'`)
	if !p.knownPath(target, sctx) {
		return nil
	}
	return p.openPlan(target)
}

// knownPath only accepts targets the session has actually produced.
func (p *Planner) knownPath(target string, sctx *models.SessionContext) bool {
	for _, r := range sctx.LastResults {
		if r.Path == target {
			return true
		}
	}
	for _, f := range sctx.CreatedFiles {
		if f == target {
			return true
		}
	}
	for name, v := range sctx.Variables {
		if v == target && models.KindOfVariable(name) != models.KindUnknown {
			return true
		}
	}
	return false
}

func (p *Planner) openPlan(path string) *models.ActionPlan {
	action := &models.Action{
		Type:          models.ActionCommandExecute,
		Params:        map[string]string{"command": p.opener + " " + shellQuote(path)},
		Status:        models.StatusPlanned,
		NeedsApproval: true,
		Description:   fmt.Sprintf("Open %s with the default application", filepath.Base(path)),
	}
	return &models.ActionPlan{
		Actions:     []*models.Action{action},
		Explanation: fmt.Sprintf("Opening %s.", filepath.Base(path)),
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

type wireAction struct {
	ActionType  string         `json:"action_type"`
	Params      map[string]any `json:"params"`
	Description string         `json:"description"`
}

type wirePlan struct {
	Actions     []wireAction `json:"actions"`
	Explanation string       `json:"explanation"`
}

func (p *Planner) planWithModel(ctx context.Context, utterance string, cls *models.IntentClassification, sctx *models.SessionContext) (*models.ActionPlan, error) {
	prompt := p.buildPrompt(utterance, cls, sctx)

	resp, err := p.bus.Request(ctx, SubjectLLMGenerate, map[string]any{"prompt": prompt}, p.timeout)
	if err != nil {
		return nil, err
	}

	var wire wirePlan
	if err := bus.DecodeExtracted(resp.Content, &wire); err != nil {
		return nil, err
	}

	plan := &models.ActionPlan{Explanation: wire.Explanation}
	for _, wa := range wire.Actions {
		t := models.ActionType(wa.ActionType)
		if !t.Valid() {
			return nil, fmt.Errorf("%w: unknown action type %q", bus.ErrMalformed, wa.ActionType)
		}
		params := make(map[string]string, len(wa.Params))
		for k, v := range wa.Params {
			params[k] = fmt.Sprint(v)
		}
		plan.Actions = append(plan.Actions, &models.Action{
			Type:          t,
			Params:        params,
			Status:        models.StatusPlanned,
			NeedsApproval: t.NeedsApproval(),
			Description:   wa.Description,
		})
	}

	if err := validatePlaceholders(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

func (p *Planner) buildPrompt(utterance string, cls *models.IntentClassification, sctx *models.SessionContext) string {
	var b strings.Builder
	b.WriteString("You are the action planner of a desktop assistant. Convert the request into an ordered list of actions.\n\n")
	b.WriteString("Capability actions (no shell equivalent):\n")
	b.WriteString("- llm_generate: params {\"prompt\"} — generate text\n")
	b.WriteString("- image_generate: params {\"prompt\"} — generate an image, returns a file path\n")
	b.WriteString("- image_save: params {\"from_path\", \"to_path\"} — copy an image to a destination\n")
	b.WriteString("- ocr_capture: params {\"target\"} — extract text from the screen or an image\n")
	b.WriteString("- document_query: params {\"query\", \"limit\"} — search the local document index\n")
	b.WriteString("- web_search: params {\"query\", \"limit\"} — search the web\n")
	b.WriteString("Shell action:\n")
	b.WriteString("- command_execute: params {\"command\"} — an explicit shell command; the user must approve it\n\n")
	b.WriteString("Rules:\n")
	b.WriteString("- When the user asks for a folder or directory, use 'mkdir -p', never create an empty file.\n")
	b.WriteString("- To inspect a directory, use a listing command like 'ls', never try to read it as a file.\n")
	b.WriteString("- A later action may reference an earlier output with placeholders: {generated_text}, {generated_image}, {ocr_text}, {saved_path}, {command_output}, or the session variables {last_generated_text}, {last_generated_image}, {last_ocr_text}, {last_created_file}, {last_command_output}.\n")
	b.WriteString("- Never reference a placeholder that no earlier action or session variable produces.\n\n")

	if cls != nil {
		fmt.Fprintf(&b, "Classified intent: %s (confidence %.2f)\n", cls.Intent, cls.Confidence)
	}
	if sctx != nil {
		if len(sctx.Variables) > 0 {
			b.WriteString("Session variables currently set:")
			for name := range sctx.Variables {
				if models.KindOfVariable(name) != models.KindUnknown {
					b.WriteString(" " + name)
				}
			}
			b.WriteString("\n")
		}
		if len(sctx.History) > 0 {
			b.WriteString("Recent conversation:\n")
			for _, t := range sctx.RecentHistory(4) {
				fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
			}
		}
	}

	fmt.Fprintf(&b, "\nRequest: %q\n\n", utterance)
	b.WriteString("Respond with a single JSON object and nothing else:\n")
	b.WriteString(`{"actions": [{"action_type": string, "params": object, "description": string}], "explanation": string}`)
	return b.String()
}

// placeholderRe matches both {name} and {{name}} forms.
var placeholderRe = regexp.MustCompile(`\{\{?([a-zA-Z_][a-zA-Z0-9_]*)\}?\}`)

// sessionPlaceholders are always legal: they resolve from session context
// at execution time.
var sessionPlaceholders = map[string]struct{}{
	models.VarLastCreatedFile:    {},
	models.VarLastGeneratedImage: {},
	models.VarLastGeneratedText:  {},
	models.VarLastOCRText:        {},
	models.VarLastCommandOutput:  {},
}

// producedBy lists the placeholder names an action of type t makes
// available to later actions in the same plan.
func producedBy(t models.ActionType) []string {
	switch t {
	case models.ActionLLMGenerate:
		return []string{"generated_text", models.VarLastGeneratedText}
	case models.ActionImageGenerate:
		return []string{"generated_image", models.VarLastGeneratedImage}
	case models.ActionImageSave:
		return []string{"saved_path", models.VarLastCreatedFile}
	case models.ActionOCRCapture:
		return []string{"ocr_text", models.VarLastOCRText}
	case models.ActionCommandExecute:
		return []string{"command_output", models.VarLastCommandOutput}
	case models.ActionDocumentQuery, models.ActionWebSearch:
		return nil // result lists are referenced ordinally, not by placeholder
	}
	return nil
}

// validatePlaceholders enforces plan-time ordering: an action may only
// reference placeholders producible by session context or by an action
// strictly before it. Values are still resolved at execution time.
func validatePlaceholders(plan *models.ActionPlan) error {
	legal := make(map[string]struct{}, len(sessionPlaceholders))
	for name := range sessionPlaceholders {
		legal[name] = struct{}{}
	}

	for i, action := range plan.Actions {
		for _, value := range action.Params {
			for _, m := range placeholderRe.FindAllStringSubmatch(value, -1) {
				if _, ok := legal[m[1]]; !ok {
					return fmt.Errorf("action %d references placeholder %q produced by no earlier action", i+1, m[1])
				}
			}
		}
		for _, name := range producedBy(action.Type) {
			legal[name] = struct{}{}
		}
	}
	return nil
}

// fallbackPlan is the degraded path when the planning backend is
// unavailable or unparseable: a minimal one-action plan when a safe
// default exists, otherwise a decline with an explanation.
func (p *Planner) fallbackPlan(utterance string, cls *models.IntentClassification) *models.ActionPlan {
	intent := models.IntentConversation
	params := map[string]string{}
	if cls != nil {
		intent = cls.Intent
		for k, v := range cls.Parameters {
			params[k] = v
		}
	}
	query := params["query"]
	if query == "" {
		query = utterance
	}

	one := func(t models.ActionType, params map[string]string, desc string) *models.ActionPlan {
		return &models.ActionPlan{
			Actions: []*models.Action{{
				Type:          t,
				Params:        params,
				Status:        models.StatusPlanned,
				NeedsApproval: t.NeedsApproval(),
				Description:   desc,
			}},
			Explanation: "The planning service was unavailable, so I kept it simple.",
		}
	}

	switch intent {
	case models.IntentWebSearch:
		return one(models.ActionWebSearch, map[string]string{"query": query, "limit": "5"}, "Search the web for "+query)
	case models.IntentFileSearch:
		return one(models.ActionDocumentQuery, map[string]string{"query": query, "limit": "5"}, "Search documents for "+query)
	case models.IntentImageGeneration:
		prompt := params["prompt"]
		if prompt == "" {
			prompt = utterance
		}
		return one(models.ActionImageGenerate, map[string]string{"prompt": prompt}, "Generate an image")
	case models.IntentOCRRequest:
		target := params["target"]
		if target == "" {
			target = "screen"
		}
		return one(models.ActionOCRCapture, map[string]string{"target": target}, "Extract text from "+target)
	case models.IntentCommandRequest:
		// Guessing a shell command without the model is not safe.
		return &models.ActionPlan{
			Explanation: "I couldn't work out a safe command for that request right now. Could you rephrase it or spell out the command?",
		}
	default:
		return one(models.ActionLLMGenerate, map[string]string{"prompt": utterance}, "Answer the request")
	}
}
