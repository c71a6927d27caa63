package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/verba-labs/verba-core/bus"
	"github.com/verba-labs/verba-core/models"
)

// Classifier maps an utterance plus turn context to a typed intent. The
// fast path is a priority-ordered list of pure pattern rules; the
// model-assisted path is consulted only when no rule clears the fallback
// threshold. The classifier never mutates the session context.
type Classifier struct {
	bus       bus.ServiceBus
	threshold float64
	timeout   time.Duration
	logger    *zap.Logger
}

// NewClassifier builds a classifier with the configured fallback threshold.
func NewClassifier(b bus.ServiceBus, threshold float64, timeout time.Duration, logger *zap.Logger) *Classifier {
	return &Classifier{bus: b, threshold: threshold, timeout: timeout, logger: logger}
}

// rule is one fast-path matcher. A nil result means no match.
type rule func(utterance string) *models.IntentClassification

// Priority order matters: the command vocabulary outranks the imperative
// and interrogative rules, so "how do I use docker" still classifies as a
// command request.
var fastRules = []rule{
	matchGreeting,
	matchDirective,
	matchCommandWord,
	matchImperative,
	matchHowTo,
}

var greetingPhrases = map[string]struct{}{
	"hello": {}, "hi": {}, "hey": {}, "hiya": {}, "yo": {},
	"hello there": {}, "hi there": {}, "hey there": {},
	"good morning": {}, "good afternoon": {}, "good evening": {},
}

func matchGreeting(utterance string) *models.IntentClassification {
	norm := normalize(utterance)
	if _, ok := greetingPhrases[norm]; !ok {
		return nil
	}
	return &models.IntentClassification{
		Intent:     models.IntentGreeting,
		Confidence: 0.99,
		Reasoning:  "greeting phrase",
	}
}

// Explicit slash-prefixed directives bypass all guessing.
func matchDirective(utterance string) *models.IntentClassification {
	trimmed := strings.TrimSpace(utterance)
	if !strings.HasPrefix(trimmed, "/") {
		return nil
	}
	directive, rest, _ := strings.Cut(trimmed, " ")
	rest = strings.TrimSpace(rest)

	var intent models.Intent
	params := map[string]string{}
	switch strings.ToLower(directive) {
	case "/search", "/web":
		intent = models.IntentWebSearch
		params["query"] = rest
	case "/docs", "/find":
		intent = models.IntentFileSearch
		params["query"] = rest
	case "/ocr":
		intent = models.IntentOCRRequest
		if rest != "" {
			params["target"] = rest
		}
	case "/image":
		intent = models.IntentImageGeneration
		params["prompt"] = rest
	case "/run":
		intent = models.IntentCommandRequest
		params["command"] = rest
	default:
		return nil
	}
	return &models.IntentClassification{
		Intent:     intent,
		Confidence: 1.0,
		Parameters: params,
		Reasoning:  "explicit directive " + directive,
	}
}

// Roughly forty common utilities. A whole-word hit is a near-certain
// command request even inside a question.
var commandWordRe = regexp.MustCompile(`(?i)\b(ls|pwd|grep|mkdir|rmdir|chmod|chown|tar|gzip|unzip|ssh|scp|rsync|curl|wget|ping|traceroute|ifconfig|netstat|top|htop|ps|kill|killall|df|du|free|uname|whoami|uptime|sed|awk|git|docker|tree|nano|vim|apt|dnf|pacman|systemctl|journalctl|crontab|touch|ln)\b`)

func matchCommandWord(utterance string) *models.IntentClassification {
	m := commandWordRe.FindString(utterance)
	if m == "" {
		return nil
	}
	return &models.IntentClassification{
		Intent:     models.IntentCommandRequest,
		Confidence: 0.95,
		Parameters: map[string]string{"target": strings.ToLower(m)},
		Reasoning:  "recognized command name " + strings.ToLower(m),
	}
}

var imperativePrefixes = []string{
	"show me ", "list all ", "list ", "create ", "delete ", "remove ",
	"open ", "run ", "execute ", "install ", "update ", "upgrade ",
	"start ", "stop ", "restart ", "launch ", "display ", "give me ",
	"rename ", "move ", "copy ",
}

func matchImperative(utterance string) *models.IntentClassification {
	lower := strings.ToLower(strings.TrimSpace(utterance))
	for _, prefix := range imperativePrefixes {
		if strings.HasPrefix(lower, prefix) {
			return &models.IntentClassification{
				Intent:     models.IntentCommandRequest,
				Confidence: 0.80,
				Reasoning:  "imperative verb phrase",
			}
		}
	}
	return nil
}

var interrogatives = []string{"how ", "what ", "why ", "where ", "which ", "when ", "who ", "how's ", "what's "}

var instructionalVerbs = []string{
	"install", "create", "delete", "remove", "use", "run", "configure",
	"set up", "setup", "write", "update", "launch", "open", "mount", "enable",
}

func matchHowTo(utterance string) *models.IntentClassification {
	lower := strings.ToLower(strings.TrimSpace(utterance))
	starts := false
	for _, q := range interrogatives {
		if strings.HasPrefix(lower, q) {
			starts = true
			break
		}
	}
	if !starts {
		return nil
	}
	for _, verb := range instructionalVerbs {
		if strings.Contains(lower, verb) {
			return &models.IntentClassification{
				Intent:     models.IntentCommandHowTo,
				Confidence: 0.85,
				Reasoning:  "interrogative with instructional verb",
			}
		}
	}
	return nil
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimRight(s, "!.?, ")
}

// Classify runs the fast path first and escalates to the model-assisted
// path only below threshold. It always produces a classification; remote
// failures degrade to the best fast-path guess or a generic conversation
// intent, with FallbackUsed recorded.
func (c *Classifier) Classify(ctx context.Context, utterance string, sctx *models.SessionContext) *models.IntentClassification {
	var best *models.IntentClassification
	for _, r := range fastRules {
		m := r(utterance)
		if m == nil {
			continue
		}
		if m.Confidence >= c.threshold {
			c.logger.Debug("Fast-path classification",
				zap.String("intent", string(m.Intent)),
				zap.Float64("confidence", m.Confidence))
			return m
		}
		if best == nil || m.Confidence > best.Confidence {
			best = m
		}
	}

	cls, err := c.classifyWithModel(ctx, utterance, sctx)
	if err != nil {
		c.logger.Warn("Model-assisted classification failed, using fallback", zap.Error(err))
		if best != nil {
			fallback := *best
			fallback.FallbackUsed = true
			return &fallback
		}
		return &models.IntentClassification{
			Intent:       models.IntentConversation,
			Confidence:   0.5,
			Reasoning:    "no fast-path rule matched and model classification unavailable",
			FallbackUsed: true,
		}
	}
	return cls
}

func (c *Classifier) classifyWithModel(ctx context.Context, utterance string, sctx *models.SessionContext) (*models.IntentClassification, error) {
	prompt := c.buildPrompt(utterance, sctx)

	resp, err := c.bus.Request(ctx, SubjectLLMGenerate, map[string]any{"prompt": prompt}, c.timeout)
	if err != nil {
		return nil, err
	}

	var wire struct {
		Intent     string         `json:"intent"`
		Confidence float64        `json:"confidence"`
		Parameters map[string]any `json:"parameters"`
		Reasoning  string         `json:"reasoning"`
	}
	if err := bus.DecodeExtracted(resp.Content, &wire); err != nil {
		return nil, err
	}

	intent := models.Intent(wire.Intent)
	if !intent.Valid() {
		return nil, fmt.Errorf("%w: unknown intent %q", bus.ErrMalformed, wire.Intent)
	}
	confidence := wire.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	params := make(map[string]string, len(wire.Parameters))
	for k, v := range wire.Parameters {
		params[k] = fmt.Sprint(v)
	}

	return &models.IntentClassification{
		Intent:     intent,
		Confidence: confidence,
		Parameters: params,
		Reasoning:  wire.Reasoning,
	}, nil
}

func (c *Classifier) buildPrompt(utterance string, sctx *models.SessionContext) string {
	var b strings.Builder
	b.WriteString("Classify the user's utterance into exactly one intent from this list:\n")
	b.WriteString("greeting, informational, command_request, command_how_to, web_search, file_search, system_query, ocr_request, image_generation, conversation.\n\n")

	if sctx != nil {
		if last := sctx.LastIntent(); last != "" {
			fmt.Fprintf(&b, "Previous intent: %s\n", last)
		}
		if len(sctx.History) > 0 {
			b.WriteString("Recent conversation:\n")
			for _, t := range sctx.RecentHistory(4) {
				fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
			}
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Utterance: %q\n\n", utterance)
	b.WriteString("Respond with a single JSON object and nothing else:\n")
	b.WriteString(`{"intent": string, "confidence": float between 0 and 1, "parameters": {"query": "...", "target": "..."}, "reasoning": string}`)
	return b.String()
}
