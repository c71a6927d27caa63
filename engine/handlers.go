package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/verba-labs/verba-core/bus"
	"github.com/verba-labs/verba-core/config"
	"github.com/verba-labs/verba-core/models"
)

// Bus subjects, one backend service per action type. The classifier and
// planner share the generation subject.
const (
	SubjectLLMGenerate   = "llm.generate"
	SubjectImageGenerate = "image.generate"
	SubjectImageSave     = "image.save"
	SubjectOCRCapture    = "ocr.capture"
	SubjectDocumentQuery = "search.documents"
	SubjectWebSearch     = "search.web"
	SubjectCommandExec   = "system.execute"
)

// Dispatcher translates actions into backend requests and backend
// responses into result details. Handlers are pure translators: all
// retry, fallback and state decisions live in the orchestrator.
type Dispatcher struct {
	bus      bus.ServiceBus
	timeouts config.Timeouts
	logger   *zap.Logger
}

// NewDispatcher builds a dispatcher.
func NewDispatcher(b bus.ServiceBus, timeouts config.Timeouts, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{bus: b, timeouts: timeouts, logger: logger}
}

// Dispatch executes one action against its backend and returns the
// details mapping for the ActionResult. The switch is exhaustive over
// the closed action type set.
func (d *Dispatcher) Dispatch(ctx context.Context, action *models.Action) (map[string]any, error) {
	switch action.Type {
	case models.ActionLLMGenerate:
		resp, err := d.request(ctx, SubjectLLMGenerate,
			map[string]any{"prompt": action.Params["prompt"]}, d.timeouts.Generate)
		if err != nil {
			return nil, err
		}
		return map[string]any{"content": resp.Content}, nil

	case models.ActionImageGenerate:
		resp, err := d.request(ctx, SubjectImageGenerate,
			map[string]any{"prompt": action.Params["prompt"]}, d.timeouts.ImageGenerate)
		if err != nil {
			return nil, err
		}
		// Backends return a filesystem path, never inline image bytes.
		path := resp.Field("image_path")
		if path == "" {
			return nil, fmt.Errorf("%w: image_generate returned no image_path", bus.ErrMalformed)
		}
		return map[string]any{"image_path": path}, nil

	case models.ActionImageSave:
		resp, err := d.request(ctx, SubjectImageSave, map[string]any{
			"from_path": action.Params["from_path"],
			"to_path":   action.Params["to_path"],
		}, d.timeouts.Search)
		if err != nil {
			return nil, err
		}
		saved := resp.Field("saved_path")
		if saved == "" {
			return nil, fmt.Errorf("%w: image_save returned no saved_path", bus.ErrMalformed)
		}
		return map[string]any{"saved_path": saved}, nil

	case models.ActionOCRCapture:
		resp, err := d.request(ctx, SubjectOCRCapture,
			map[string]any{"target": action.Params["target"]}, d.timeouts.Search)
		if err != nil {
			return nil, err
		}
		return map[string]any{"content": resp.Content}, nil

	case models.ActionDocumentQuery:
		return d.search(ctx, SubjectDocumentQuery, action)

	case models.ActionWebSearch:
		return d.search(ctx, SubjectWebSearch, action)

	case models.ActionCommandExecute:
		payload := map[string]any{"command": action.Params["command"]}
		if stdin := action.Params["stdin"]; stdin != "" {
			payload["stdin"] = stdin
		}
		resp, err := d.request(ctx, SubjectCommandExec, payload, d.timeouts.Command)
		if err != nil {
			return nil, err
		}
		output := resp.Content
		if v, ok := resp.Fields["output"].(string); ok {
			output = v
		}
		details := map[string]any{"output": output, "exit_code": 0}
		if code, ok := resp.Fields["exit_code"].(float64); ok {
			details["exit_code"] = int(code)
		}
		return details, nil
	}

	return nil, fmt.Errorf("unknown action type %q", action.Type)
}

func (d *Dispatcher) search(ctx context.Context, subject string, action *models.Action) (map[string]any, error) {
	limit, err := strconv.Atoi(action.Params["limit"])
	if err != nil || limit <= 0 {
		limit = 5
	}
	resp, err := d.request(ctx, subject, map[string]any{
		"query": action.Params["query"],
		"limit": limit,
	}, d.timeouts.Search)
	if err != nil {
		return nil, err
	}

	var results []models.SearchResult
	if err := resp.DecodeField("results", &results); err != nil {
		return nil, err
	}
	return map[string]any{"results": results}, nil
}

func (d *Dispatcher) request(ctx context.Context, subject string, payload map[string]any, timeout time.Duration) (*bus.ServiceResponse, error) {
	resp, err := d.bus.Request(ctx, subject, payload, timeout)
	if err != nil {
		d.logger.Warn("Backend handler call failed",
			zap.String("subject", subject),
			zap.Error(err))
		return nil, err
	}
	return resp, nil
}
