package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verba-labs/verba-core/models"
	"github.com/verba-labs/verba-core/store"
)

func newTestEngine(fb *fakeBus) (*Engine, *store.MemoryStore) {
	ms := store.NewMemoryStore(time.Hour)
	return New(fb, ms, testConfig(), testLogger()), ms
}

func TestProcessTurnGreeting(t *testing.T) {
	fb := newFakeBus()
	eng, ms := newTestEngine(fb)

	result := eng.ProcessTurn(context.Background(), "conv-1", "hello")
	require.Equal(t, models.ResultText, result.Type)
	assert.NotEmpty(t, result.Content)
	assert.Empty(t, fb.calls, "a greeting turn makes no backend calls")

	sctx, err := ms.Get(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 1, sctx.TurnCount)
	assert.Len(t, sctx.History, 2)
}

func TestProcessTurnGatedPlanAwaitsApproval(t *testing.T) {
	fb := newFakeBus()
	fb.respond(SubjectLLMGenerate, `{"content": "{\"actions\":[{\"action_type\":\"command_execute\",\"params\":{\"command\":\"mkdir -p notes\"},\"description\":\"Create the notes directory\"}],\"explanation\":\"Creating a notes directory.\"}"}`)
	eng, ms := newTestEngine(fb)

	result := eng.ProcessTurn(context.Background(), "conv-2", "create a folder named notes")
	require.Equal(t, models.ResultNeedsApproval, result.Type)
	require.NotNil(t, result.Plan)
	require.Len(t, result.Plan.Actions, 1)
	assert.Equal(t, models.StatusAwaitingApproval, result.Plan.Actions[0].Status)
	assert.True(t, eng.PendingApproval("conv-2"))

	// Nothing executed, nothing persisted while the gate is open.
	_, err := ms.Get(context.Background(), "conv-2")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Zero(t, fb.callCount(SubjectCommandExec))
}

func TestRejectionLeavesContextUnchanged(t *testing.T) {
	fb := newFakeBus()
	fb.respond(SubjectLLMGenerate, `{"content": "{\"actions\":[{\"action_type\":\"command_execute\",\"params\":{\"command\":\"mkdir -p notes\"},\"description\":\"Create the notes directory\"}],\"explanation\":\"Creating a notes directory.\"}"}`)
	eng, ms := newTestEngine(fb)

	first := eng.ProcessTurn(context.Background(), "conv-3", "create a folder named notes")
	require.Equal(t, models.ResultNeedsApproval, first.Type)

	verdict := eng.ResolveApproval(context.Background(), "conv-3", false)
	require.Equal(t, models.ResultText, verdict.Type)

	for _, a := range first.Plan.Actions {
		assert.NotEqual(t, models.StatusExecuting, a.Status)
		assert.NotEqual(t, models.StatusCompleted, a.Status)
	}
	_, err := ms.Get(context.Background(), "conv-3")
	assert.ErrorIs(t, err, store.ErrNotFound, "rejection must write nothing to the context store")
	assert.Zero(t, fb.callCount(SubjectCommandExec), "no backend call for rejected actions")
	assert.False(t, eng.PendingApproval("conv-3"))
}

func TestApprovalExecutesAndPersists(t *testing.T) {
	fb := newFakeBus()
	fb.respond(SubjectLLMGenerate, `{"content": "{\"actions\":[{\"action_type\":\"command_execute\",\"params\":{\"command\":\"mkdir -p notes\"},\"description\":\"Create the notes directory\"}],\"explanation\":\"Creating a notes directory.\"}"}`)
	fb.respond(SubjectCommandExec, `{"output": "", "exit_code": 0}`)
	eng, ms := newTestEngine(fb)

	first := eng.ProcessTurn(context.Background(), "conv-4", "create a folder named notes")
	require.Equal(t, models.ResultNeedsApproval, first.Type)

	verdict := eng.ResolveApproval(context.Background(), "conv-4", true)
	require.Equal(t, models.ResultExecuted, verdict.Type)
	require.Len(t, verdict.ExecutedActions, 1)
	assert.True(t, verdict.ExecutedActions[0].Success)

	sctx, err := ms.Get(context.Background(), "conv-4")
	require.NoError(t, err)
	assert.Contains(t, sctx.CreatedFiles, "notes")
}

func TestTurnWhileApprovalPendingIsRefused(t *testing.T) {
	fb := newFakeBus()
	fb.respond(SubjectLLMGenerate, `{"content": "{\"actions\":[{\"action_type\":\"command_execute\",\"params\":{\"command\":\"mkdir -p notes\"},\"description\":\"Create the notes directory\"}],\"explanation\":\"ok\"}"}`)
	eng, _ := newTestEngine(fb)

	first := eng.ProcessTurn(context.Background(), "conv-5", "create a folder named notes")
	require.Equal(t, models.ResultNeedsApproval, first.Type)

	second := eng.ProcessTurn(context.Background(), "conv-5", "hello")
	assert.Equal(t, models.ResultError, second.Type)
	assert.True(t, eng.PendingApproval("conv-5"), "the pending plan survives the refused turn")
}

func TestApprovalWithoutPendingPlan(t *testing.T) {
	fb := newFakeBus()
	eng, _ := newTestEngine(fb)

	result := eng.ResolveApproval(context.Background(), "conv-6", true)
	assert.Equal(t, models.ResultError, result.Type)
}

func TestSaveItEndToEnd(t *testing.T) {
	fb := newFakeBus()
	fb.respond(SubjectLLMGenerate, `{"content": "{\"actions\":[{\"action_type\":\"image_save\",\"params\":{\"from_path\":\"/tmp/a.png\",\"to_path\":\"~/Pictures/a.png\"},\"description\":\"Save the image to Pictures\"}],\"explanation\":\"Saving the image.\"}"}`)
	fb.respond(SubjectImageSave, `{"saved_path": "/home/u/Pictures/a.png"}`)
	eng, ms := newTestEngine(fb)

	// Prior turn generated an image.
	sctx := models.NewSessionContext("conv-7")
	sctx.SetVariable(models.VarLastGeneratedImage, "/tmp/a.png")
	require.NoError(t, ms.Put(context.Background(), sctx))

	first := eng.ProcessTurn(context.Background(), "conv-7", "save it to Pictures")
	require.Equal(t, models.ResultNeedsApproval, first.Type)

	// The resolved utterance reached the planner with the literal path.
	call, ok := fb.lastCall(SubjectLLMGenerate)
	require.True(t, ok)
	assert.Contains(t, call.payload["prompt"], "/tmp/a.png")

	verdict := eng.ResolveApproval(context.Background(), "conv-7", true)
	require.Equal(t, models.ResultExecuted, verdict.Type)
	require.Len(t, verdict.ExecutedActions, 1)
	assert.Equal(t, "/home/u/Pictures/a.png", verdict.ExecutedActions[0].DetailString("saved_path"))

	updated, err := ms.Get(context.Background(), "conv-7")
	require.NoError(t, err)
	created, _ := updated.Variable(models.VarLastCreatedFile)
	assert.Equal(t, "/home/u/Pictures/a.png", created)
}

func TestOrdinalShortcutEndToEnd(t *testing.T) {
	fb := newFakeBus()
	eng, ms := newTestEngine(fb)

	sctx := models.NewSessionContext("conv-8")
	sctx.LastResults = []models.SearchResult{
		{Title: "a.odt", Path: "/docs/a.odt"},
		{Title: "b.odt", Path: "/docs/b.odt"},
	}
	require.NoError(t, ms.Put(context.Background(), sctx))

	result := eng.ProcessTurn(context.Background(), "conv-8", "open 2")
	require.Equal(t, models.ResultNeedsApproval, result.Type)
	require.Len(t, result.Plan.Actions, 1)
	assert.Contains(t, result.Plan.Actions[0].Params["command"], "/docs/b.odt")
	// One call from the classifier escalating; planning takes the shortcut
	// and never consults the model.
	assert.Equal(t, 1, fb.callCount(SubjectLLMGenerate))
}
