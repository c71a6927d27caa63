package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verba-labs/verba-core/bus"
	"github.com/verba-labs/verba-core/models"
)

func newTestOrchestrator(fb *fakeBus) *Orchestrator {
	return NewOrchestrator(NewDispatcher(fb, testConfig().Timeouts, testLogger()), testLogger())
}

func action(t models.ActionType, params map[string]string, desc string) *models.Action {
	a := &models.Action{
		Type:          t,
		Params:        params,
		Status:        models.StatusPlanned,
		NeedsApproval: t.NeedsApproval(),
		Description:   desc,
	}
	if a.NeedsApproval {
		a.Status = models.StatusApproved
	}
	return a
}

func TestRunPlaceholderChainingWithStdin(t *testing.T) {
	fb := newFakeBus()
	fb.respond(SubjectLLMGenerate, `{"content": "Autumn moonlight—\na worm digs silently\ninto the chestnut."}`)
	fb.respond(SubjectCommandExec, `{"output": "", "exit_code": 0}`)
	o := newTestOrchestrator(fb)

	sctx := models.NewSessionContext("conv")
	plan := &models.ActionPlan{
		Actions: []*models.Action{
			action(models.ActionLLMGenerate, map[string]string{"prompt": "write a haiku"}, "Write a haiku"),
			action(models.ActionCommandExecute, map[string]string{"command": "echo {generated_text} > haiku.txt"}, "Save the haiku"),
		},
	}

	results := o.Run(context.Background(), sctx, plan)
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.True(t, results[1].Success)

	// Generated content must travel via stdin, never be interpolated into
	// the command string.
	call, ok := fb.lastCall(SubjectCommandExec)
	require.True(t, ok)
	assert.Equal(t, "cat > haiku.txt", call.payload["command"])
	assert.Contains(t, call.payload["stdin"], "Autumn moonlight")

	// Outputs are written back for future reference resolution.
	text, _ := sctx.Variable(models.VarLastGeneratedText)
	assert.Contains(t, text, "Autumn moonlight")
	file, _ := sctx.Variable(models.VarLastCreatedFile)
	assert.Equal(t, "haiku.txt", file)
}

func TestRunInlineSubstitution(t *testing.T) {
	fb := newFakeBus()
	fb.respond(SubjectImageGenerate, `{"image_path": "/tmp/gen/cat.png"}`)
	fb.respond(SubjectImageSave, `{"saved_path": "/home/u/Pictures/cat.png"}`)
	o := newTestOrchestrator(fb)

	sctx := models.NewSessionContext("conv")
	plan := &models.ActionPlan{
		Actions: []*models.Action{
			action(models.ActionImageGenerate, map[string]string{"prompt": "a cat"}, "Generate a cat image"),
			action(models.ActionImageSave, map[string]string{"from_path": "{generated_image}", "to_path": "/home/u/Pictures/cat.png"}, "Save the image"),
		},
	}

	results := o.Run(context.Background(), sctx, plan)
	require.Len(t, results, 2)
	require.True(t, results[1].Success)

	call, _ := fb.lastCall(SubjectImageSave)
	assert.Equal(t, "/tmp/gen/cat.png", call.payload["from_path"])

	image, _ := sctx.Variable(models.VarLastGeneratedImage)
	assert.Equal(t, "/tmp/gen/cat.png", image)
	created, _ := sctx.Variable(models.VarLastCreatedFile)
	assert.Equal(t, "/home/u/Pictures/cat.png", created)
}

func TestRunDoubleBracePlaceholder(t *testing.T) {
	fb := newFakeBus()
	fb.respond(SubjectImageGenerate, `{"image_path": "/tmp/gen/dog.png"}`)
	fb.respond(SubjectImageSave, `{"saved_path": "/home/u/Pictures/dog.png"}`)
	o := newTestOrchestrator(fb)

	sctx := models.NewSessionContext("conv")
	plan := &models.ActionPlan{
		Actions: []*models.Action{
			action(models.ActionImageGenerate, map[string]string{"prompt": "a dog"}, "Generate a dog image"),
			action(models.ActionImageSave, map[string]string{"from_path": "{{generated_image}}", "to_path": "/home/u/Pictures/dog.png"}, "Save the image"),
		},
	}

	results := o.Run(context.Background(), sctx, plan)
	require.Len(t, results, 2)
	require.True(t, results[1].Success)

	// Both brace forms resolve to the same value.
	call, _ := fb.lastCall(SubjectImageSave)
	assert.Equal(t, "/tmp/gen/dog.png", call.payload["from_path"])
}

func TestRunUnresolvedPlaceholderFailsActionOnly(t *testing.T) {
	fb := newFakeBus()
	fb.respond(SubjectWebSearch, `{"results": [{"title": "Go", "url": "https://go.dev", "score": 0.9}]}`)
	o := newTestOrchestrator(fb)

	sctx := models.NewSessionContext("conv")
	plan := &models.ActionPlan{
		Actions: []*models.Action{
			action(models.ActionImageSave, map[string]string{"from_path": "{generated_image}", "to_path": "/tmp/x.png"}, "Save a missing image"),
			action(models.ActionWebSearch, map[string]string{"query": "golang", "limit": "3"}, "Search the web"),
		},
	}

	results := o.Run(context.Background(), sctx, plan)
	require.Len(t, results, 2)

	require.False(t, results[0].Success)
	assert.Equal(t, "unresolved_placeholder", results[0].Error.Kind)
	assert.Equal(t, models.StatusFailed, plan.Actions[0].Status)

	// The later, independent action still runs.
	assert.True(t, results[1].Success)
	require.Len(t, sctx.LastResults, 1)
	assert.Equal(t, "https://go.dev", sctx.LastResults[0].Path)
}

func TestRunBackendFailureAbortsRemainder(t *testing.T) {
	fb := newFakeBus()
	fb.fail(SubjectLLMGenerate, bus.ErrTimeout)
	o := newTestOrchestrator(fb)

	sctx := models.NewSessionContext("conv")
	plan := &models.ActionPlan{
		Actions: []*models.Action{
			action(models.ActionLLMGenerate, map[string]string{"prompt": "draft"}, "Draft text"),
			action(models.ActionWebSearch, map[string]string{"query": "anything", "limit": "3"}, "Search"),
		},
	}

	results := o.Run(context.Background(), sctx, plan)
	require.Len(t, results, 1, "remaining actions must not execute after a backend failure")
	assert.False(t, results[0].Success)
	assert.Equal(t, "timeout", results[0].Error.Kind)
	assert.Equal(t, models.StatusPlanned, plan.Actions[1].Status)
	assert.Zero(t, fb.callCount(SubjectWebSearch))
}

func TestRunRefusesUnapprovedGatedAction(t *testing.T) {
	fb := newFakeBus()
	o := newTestOrchestrator(fb)

	gated := &models.Action{
		Type:          models.ActionCommandExecute,
		Params:        map[string]string{"command": "rm -rf /tmp/x"},
		Status:        models.StatusAwaitingApproval,
		NeedsApproval: true,
		Description:   "Remove files",
	}
	plan := &models.ActionPlan{Actions: []*models.Action{gated}}

	results := o.Run(context.Background(), models.NewSessionContext("conv"), plan)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Zero(t, fb.callCount(SubjectCommandExec), "unapproved gated actions must never reach the backend")
}

func TestRunTracksCreatedDirectories(t *testing.T) {
	fb := newFakeBus()
	fb.respond(SubjectCommandExec, `{"output": "", "exit_code": 0}`)
	o := newTestOrchestrator(fb)

	sctx := models.NewSessionContext("conv")
	plan := &models.ActionPlan{
		Actions: []*models.Action{
			action(models.ActionCommandExecute, map[string]string{"command": "mkdir -p notes"}, "Create the notes directory"),
		},
	}

	results := o.Run(context.Background(), sctx, plan)
	require.Len(t, results, 1)
	require.True(t, results[0].Success)

	created, ok := sctx.Variable(models.VarLastCreatedFile)
	assert.True(t, ok)
	assert.Equal(t, "notes", created)
	assert.Contains(t, sctx.CreatedFiles, "notes")
}
