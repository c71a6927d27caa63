package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/verba-labs/verba-core/bus"
	"github.com/verba-labs/verba-core/models"
)

// Orchestrator executes an approved action plan strictly in order,
// substituting placeholders from session context and prior results,
// and writing every reference-relevant output back into the session.
type Orchestrator struct {
	dispatcher *Dispatcher
	logger     *zap.Logger
}

// NewOrchestrator builds an orchestrator around a dispatcher.
func NewOrchestrator(d *Dispatcher, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{dispatcher: d, logger: logger}
}

// Run executes the plan sequentially. Per-action rules:
//   - a gated action that was never approved is a hard stop (the engine
//     should have gated the whole plan before calling Run);
//   - an unresolved placeholder fails that action only, later actions may
//     still execute;
//   - a backend failure fails the action and aborts the remainder, since
//     the session may now be mid-mutation.
//
// The returned slice holds one result per attempted action, in order.
func (o *Orchestrator) Run(ctx context.Context, sctx *models.SessionContext, plan *models.ActionPlan) []models.ActionResult {
	results := make([]models.ActionResult, 0, len(plan.Actions))
	avail := availableValues(sctx)

	for i, action := range plan.Actions {
		if action.NeedsApproval && action.Status != models.StatusApproved {
			o.logger.Error("Refusing to execute unapproved gated action",
				zap.Int("index", i),
				zap.String("action_type", string(action.Type)))
			results = append(results, failedResult(action, "approval", "action requires approval that was never granted"))
			break
		}

		if err := o.prepare(action, avail); err != nil {
			action.Status = models.StatusFailed
			o.logger.Warn("Placeholder resolution failed",
				zap.Int("index", i),
				zap.String("action_type", string(action.Type)),
				zap.Error(err))
			results = append(results, failedResult(action, "unresolved_placeholder", err.Error()))
			continue
		}

		action.Status = models.StatusExecuting
		o.logger.Info("Executing action",
			zap.Int("index", i),
			zap.String("action_type", string(action.Type)),
			zap.String("description", action.Description))

		details, err := o.dispatcher.Dispatch(ctx, action)
		if err != nil {
			action.Status = models.StatusFailed
			results = append(results, failedResult(action, errorKind(err), err.Error()))
			o.logger.Warn("Action failed, aborting remaining plan",
				zap.Int("index", i),
				zap.Int("remaining", len(plan.Actions)-i-1),
				zap.Error(err))
			break
		}

		action.Status = models.StatusCompleted
		result := models.ActionResult{
			Type:        action.Type,
			Description: action.Description,
			Success:     true,
			Details:     details,
		}
		results = append(results, result)
		o.apply(sctx, action, &result, avail)
	}

	return results
}

// contentWriteRe matches a command that writes literal text to a file.
var contentWriteRe = regexp.MustCompile(`^\s*(?:echo|printf)\s+(.+?)\s*(>>?)\s*(\S+)\s*$`)

// Placeholder names whose values are generated text; only these trigger
// the stdin rewrite.
var textPlaceholders = map[string]struct{}{
	"generated_text":            {},
	"ocr_text":                  {},
	"command_output":            {},
	"content":                   {},
	models.VarLastGeneratedText: {},
	models.VarLastOCRText:       {},
	models.VarLastCommandOutput: {},
}

// prepare substitutes placeholders into the action's params. For command
// execution, a command that would echo generated content into a file is
// rewritten to read the content from stdin instead, so arbitrary text is
// never mangled by shell quoting.
func (o *Orchestrator) prepare(action *models.Action, avail map[string]string) error {
	if action.Type == models.ActionCommandExecute {
		o.rewriteContentWrite(action)
	}
	for key, value := range action.Params {
		out, err := substitute(value, avail)
		if err != nil {
			return err
		}
		action.Params[key] = out
	}
	return nil
}

func (o *Orchestrator) rewriteContentWrite(action *models.Action) {
	command := action.Params["command"]
	m := contentWriteRe.FindStringSubmatch(command)
	if m == nil {
		return
	}
	body, redirect, target := m[1], m[2], m[3]

	var token string
	for _, pm := range placeholderRe.FindAllStringSubmatch(body, -1) {
		if _, ok := textPlaceholders[pm[1]]; ok {
			token = pm[0]
			break
		}
	}
	if token == "" {
		return
	}

	// The placeholder moves to stdin; substitution below fills it with
	// the literal content.
	action.Params["stdin"] = token
	action.Params["command"] = fmt.Sprintf("cat %s %s", redirect, target)
	o.logger.Debug("Rewrote content write to use stdin",
		zap.String("target", target))
}

// substitute replaces every placeholder token in value. A token with no
// available value is fatal for the action.
func substitute(value string, avail map[string]string) (string, error) {
	var missing []string
	out := placeholderRe.ReplaceAllStringFunc(value, func(token string) string {
		name := strings.Trim(token, "{}")
		if v, ok := avail[name]; ok {
			return v
		}
		missing = append(missing, name)
		return token
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("unresolved placeholder(s): %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// availableValues seeds placeholder resolution from session variables,
// including the bare aliases the planner documents.
func availableValues(sctx *models.SessionContext) map[string]string {
	avail := make(map[string]string)
	if sctx == nil {
		return avail
	}
	for name, value := range sctx.Variables {
		if value == "" || models.KindOfVariable(name) == models.KindUnknown {
			continue
		}
		avail[name] = value
	}
	alias := map[string]string{
		"generated_text":  models.VarLastGeneratedText,
		"generated_image": models.VarLastGeneratedImage,
		"ocr_text":        models.VarLastOCRText,
		"command_output":  models.VarLastCommandOutput,
		"saved_path":      models.VarLastCreatedFile,
		"created_file":    models.VarLastCreatedFile,
	}
	for bare, canonical := range alias {
		if v, ok := avail[canonical]; ok {
			avail[bare] = v
		}
	}
	return avail
}

// Commands that create files, used to keep created-file tracking current.
var createdFilePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bmkdir\s+(?:-p\s+)?(\S+)`),
	regexp.MustCompile(`\btouch\s+(\S+)`),
	regexp.MustCompile(`>>?\s*(\S+)`),
}

// apply writes an action's reference-relevant outputs into the session
// context and the in-plan availability map. Exhaustive over action types.
func (o *Orchestrator) apply(sctx *models.SessionContext, action *models.Action, result *models.ActionResult, avail map[string]string) {
	switch action.Type {
	case models.ActionLLMGenerate:
		content := result.DetailString("content")
		sctx.SetVariable(models.VarLastGeneratedText, content)
		avail["generated_text"] = content
		avail[models.VarLastGeneratedText] = content

	case models.ActionImageGenerate:
		path := result.DetailString("image_path")
		sctx.SetVariable(models.VarLastGeneratedImage, path)
		avail["generated_image"] = path
		avail[models.VarLastGeneratedImage] = path

	case models.ActionImageSave:
		path := result.DetailString("saved_path")
		sctx.RecordFile(path)
		avail["saved_path"] = path
		avail[models.VarLastCreatedFile] = path

	case models.ActionOCRCapture:
		content := result.DetailString("content")
		sctx.SetVariable(models.VarLastOCRText, content)
		avail["ocr_text"] = content
		avail[models.VarLastOCRText] = content

	case models.ActionDocumentQuery, models.ActionWebSearch:
		if rs, ok := result.Details["results"].([]models.SearchResult); ok {
			sctx.LastResults = rs
		}

	case models.ActionCommandExecute:
		output := result.DetailString("output")
		sctx.SetVariable(models.VarLastCommandOutput, output)
		avail["command_output"] = output
		avail[models.VarLastCommandOutput] = output
		o.trackCreatedFiles(sctx, action.Params["command"])
	}
}

// trackCreatedFiles records file or directory paths a completed command
// created, so later references ("open that file") can resolve to them.
func (o *Orchestrator) trackCreatedFiles(sctx *models.SessionContext, command string) {
	for _, re := range createdFilePatterns {
		for _, m := range re.FindAllStringSubmatch(command, -1) {
			path := strings.Trim(m[1], `"'`)
			if path == "" || strings.HasPrefix(path, "-") {
				continue
			}
			sctx.RecordFile(path)
		}
	}
}

func failedResult(action *models.Action, kind, message string) models.ActionResult {
	return models.ActionResult{
		Type:        action.Type,
		Description: action.Description,
		Success:     false,
		Error:       &models.ActionError{Kind: kind, Message: message},
	}
}

// errorKind maps the bus failure taxonomy onto result error kinds; the
// kinds stay distinguishable in results and logs even though they share
// fallback behavior upstream.
func errorKind(err error) string {
	switch {
	case errors.Is(err, bus.ErrTimeout):
		return "timeout"
	case errors.Is(err, bus.ErrTransport):
		return "transport"
	case errors.Is(err, bus.ErrMalformed):
		return "malformed_response"
	}
	return "execution"
}
