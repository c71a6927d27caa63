// Package engine implements the intent and action orchestration core:
// reference resolution, intent classification, action planning and
// ordered execution with approval gating. It is shared unchanged by the
// text, voice and GUI front-ends.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/verba-labs/verba-core/bus"
	"github.com/verba-labs/verba-core/config"
	"github.com/verba-labs/verba-core/models"
	"github.com/verba-labs/verba-core/store"
)

// Engine is constructed once per process and holds every injected
// dependency. Session contexts are always addressed by conversation id,
// never through ambient state.
type Engine struct {
	store      store.ContextStore
	classifier *Classifier
	resolver   *Resolver
	planner    *Planner
	orch       *Orchestrator
	cfg        *config.Config
	logger     *zap.Logger

	locks *store.Locker

	mu      sync.Mutex
	pending map[string]*pendingPlan
}

// pendingPlan is a plan suspended at the approval gate. It blocks further
// turns for its conversation until resolved.
type pendingPlan struct {
	utterance string
	plan      *models.ActionPlan
	sctx      *models.SessionContext
	createdAt time.Time
}

// New wires an engine from its dependencies.
func New(b bus.ServiceBus, cs store.ContextStore, cfg *config.Config, logger *zap.Logger) *Engine {
	dispatcher := NewDispatcher(b, cfg.Timeouts, logger)
	return &Engine{
		store:      cs,
		classifier: NewClassifier(b, cfg.FallbackThreshold, cfg.Timeouts.Classify, logger),
		resolver:   NewResolver(logger),
		planner:    NewPlanner(b, cfg.Timeouts.Plan, logger),
		orch:       NewOrchestrator(dispatcher, logger),
		cfg:        cfg,
		logger:     logger,
		locks:      store.NewLocker(),
		pending:    make(map[string]*pendingPlan),
	}
}

// ProcessTurn is the single entry point front-ends call. Turns within one
// conversation are serialized; a turn arriving while an approval is still
// pending is refused rather than queued.
func (e *Engine) ProcessTurn(ctx context.Context, conversationID, utterance string) *models.OrchestrationResult {
	unlock := e.locks.Lock(conversationID)
	defer unlock()

	logger := e.logger.With(zap.String("conversation_id", conversationID))

	if e.hasPending(conversationID) {
		return &models.OrchestrationResult{
			Type:    models.ResultError,
			Message: "A plan is still waiting for your approval. Approve or reject it first.",
		}
	}

	utterance = strings.TrimSpace(utterance)
	if utterance == "" {
		return &models.OrchestrationResult{
			Type:    models.ResultError,
			Message: "I didn't catch that — the message was empty.",
		}
	}

	sctx := e.loadContext(ctx, conversationID)

	resolved, subs := e.resolver.Resolve(utterance, sctx)
	cls := e.classifier.Classify(ctx, resolved, sctx)
	logger.Info("Turn classified",
		zap.String("intent", string(cls.Intent)),
		zap.Float64("confidence", cls.Confidence),
		zap.Bool("fallback_used", cls.FallbackUsed),
		zap.Int("resolved_references", len(subs)))

	plan := e.planner.Plan(ctx, resolved, cls, sctx)

	sctx.TurnCount++
	sctx.SetVariable("last_intent", string(cls.Intent))

	if len(plan.Actions) == 0 {
		e.recordTurn(ctx, sctx, utterance, plan.Explanation)
		return &models.OrchestrationResult{Type: models.ResultText, Content: plan.Explanation}
	}

	if gated := plan.Gated(); len(gated) > 0 {
		// Surface the whole approval batch at once and suspend the plan.
		for _, a := range gated {
			a.Status = models.StatusAwaitingApproval
		}
		e.setPending(conversationID, &pendingPlan{
			utterance: utterance,
			plan:      plan,
			sctx:      sctx,
			createdAt: time.Now(),
		})
		logger.Info("Plan awaiting approval",
			zap.Int("actions", len(plan.Actions)),
			zap.Int("gated", len(gated)))
		return &models.OrchestrationResult{
			Type:    models.ResultNeedsApproval,
			Plan:    plan,
			Content: plan.Explanation,
		}
	}

	results := e.orch.Run(ctx, sctx, plan)
	e.recordTurn(ctx, sctx, utterance, summarize(plan, results))
	return &models.OrchestrationResult{
		Type:            models.ResultExecuted,
		Content:         plan.Explanation,
		ExecutedActions: results,
	}
}

// ResolveApproval settles a pending approval batch. Rejection is a
// terminal plan state with no side effects: nothing executes and the
// session context is left exactly as the turn found it.
func (e *Engine) ResolveApproval(ctx context.Context, conversationID string, approved bool) *models.OrchestrationResult {
	unlock := e.locks.Lock(conversationID)
	defer unlock()

	p := e.takePending(conversationID)
	if p == nil {
		return &models.OrchestrationResult{
			Type:    models.ResultError,
			Message: "There is no plan waiting for approval.",
		}
	}

	logger := e.logger.With(zap.String("conversation_id", conversationID))

	if !approved {
		for _, a := range p.plan.Gated() {
			a.Status = models.StatusRejected
		}
		logger.Info("Approval batch rejected", zap.Int("actions", len(p.plan.Actions)))
		return &models.OrchestrationResult{
			Type:    models.ResultText,
			Content: "Understood — nothing was executed.",
		}
	}

	for _, a := range p.plan.Gated() {
		a.Status = models.StatusApproved
	}
	logger.Info("Approval batch granted", zap.Int("actions", len(p.plan.Actions)))

	results := e.orch.Run(ctx, p.sctx, p.plan)
	e.recordTurn(ctx, p.sctx, p.utterance, summarize(p.plan, results))
	return &models.OrchestrationResult{
		Type:            models.ResultExecuted,
		Content:         p.plan.Explanation,
		ExecutedActions: results,
	}
}

// PendingApproval reports whether the conversation has a suspended plan.
func (e *Engine) PendingApproval(conversationID string) bool {
	return e.hasPending(conversationID)
}

func (e *Engine) hasPending(conversationID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[conversationID]
	return ok
}

func (e *Engine) setPending(conversationID string, p *pendingPlan) {
	e.mu.Lock()
	e.pending[conversationID] = p
	e.mu.Unlock()
}

func (e *Engine) takePending(conversationID string) *pendingPlan {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.pending[conversationID]
	delete(e.pending, conversationID)
	return p
}

// loadContext fetches the conversation's context, creating it lazily on
// the first turn. A storage failure degrades to a fresh context rather
// than failing the turn.
func (e *Engine) loadContext(ctx context.Context, conversationID string) *models.SessionContext {
	sctx, err := e.store.Get(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return models.NewSessionContext(conversationID)
	}
	if err != nil {
		e.logger.Error("Failed to load session context, starting fresh",
			zap.String("conversation_id", conversationID),
			zap.Error(err))
		return models.NewSessionContext(conversationID)
	}
	return sctx
}

// recordTurn appends the turn to history and persists the context.
func (e *Engine) recordTurn(ctx context.Context, sctx *models.SessionContext, utterance, response string) {
	sctx.AppendHistory("user", utterance, e.cfg.HistoryLimit)
	if response != "" {
		sctx.AppendHistory("assistant", response, e.cfg.HistoryLimit)
	}
	if err := e.store.Put(ctx, sctx); err != nil {
		e.logger.Error("Failed to persist session context",
			zap.String("conversation_id", sctx.ID),
			zap.Error(err))
	}
}

// summarize produces the assistant-side history entry for a turn.
func summarize(plan *models.ActionPlan, results []models.ActionResult) string {
	completed := 0
	for _, r := range results {
		if r.Success {
			completed++
		}
	}
	if completed == len(plan.Actions) {
		if plan.Explanation != "" {
			return plan.Explanation
		}
		return fmt.Sprintf("Completed %d action(s).", completed)
	}
	return fmt.Sprintf("Completed %d of %d action(s) before a failure.", completed, len(plan.Actions))
}
