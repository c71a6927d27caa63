package engine

import (
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/verba-labs/verba-core/models"
)

// Resolver rewrites anaphoric markers ("it", "that file", "the image") and
// ordinal references ("open 2") using the named variables held in session
// context. It runs before classification and planning so a reference is
// never misread as a fresh query. Resolution never fabricates a value: an
// unresolvable marker is left alone and the utterance passes through
// unchanged.
type Resolver struct {
	logger *zap.Logger
}

// NewResolver builds a resolver.
func NewResolver(logger *zap.Logger) *Resolver {
	return &Resolver{logger: logger}
}

type marker struct {
	phrase string
	kind   models.VariableKind
	re     *regexp.Regexp
}

func newMarker(phrase string, kind models.VariableKind) marker {
	return marker{
		phrase: phrase,
		kind:   kind,
		re:     regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(phrase) + `\b`),
	}
}

// Longer phrases first so "that file" is consumed before "it" ever looks.
var markers = []marker{
	newMarker("that file", models.KindFile),
	newMarker("this file", models.KindFile),
	newMarker("the file", models.KindFile),
	newMarker("that image", models.KindImage),
	newMarker("this image", models.KindImage),
	newMarker("the image", models.KindImage),
	newMarker("that picture", models.KindImage),
	newMarker("the picture", models.KindImage),
	newMarker("that text", models.KindText),
	newMarker("the text", models.KindText),
	newMarker("the last one", models.KindUnknown),
	newMarker("last one", models.KindUnknown),
	newMarker("it", models.KindUnknown),
}

// ordinalRe matches "open 2", "show document 3" and the like. The number
// must stand alone, so paths containing digits never re-match.
var ordinalRe = regexp.MustCompile(`(?i)\b(open|show|display|read)\s+(?:the\s+)?(?:(?:document|doc|file|result|link|item)\s+)?(\d{1,3})(\s|$)`)

// Resolve rewrites utterance against sctx and returns the rewritten text
// plus the substitutions made. Resolving an already-resolved utterance is
// a no-op.
func (r *Resolver) Resolve(utterance string, sctx *models.SessionContext) (string, map[string]string) {
	subs := make(map[string]string)
	if sctx == nil {
		return utterance, subs
	}

	out := r.resolveOrdinal(utterance, sctx, subs)

	for _, m := range markers {
		if !m.re.MatchString(out) {
			continue
		}
		value, ok := sctx.MostRecentOfKind(m.kind)
		if !ok && m.kind == models.KindFile && len(sctx.CreatedFiles) > 0 {
			value, ok = sctx.CreatedFiles[len(sctx.CreatedFiles)-1], true
		}
		if !ok {
			continue
		}
		out = m.re.ReplaceAllLiteralString(out, value)
		subs[m.phrase] = value
	}

	if len(subs) > 0 {
		r.logger.Debug("Resolved references",
			zap.String("utterance", utterance),
			zap.String("resolved", out),
			zap.Int("substitutions", len(subs)))
	}
	return out, subs
}

// resolveOrdinal rewrites numeric references against the most recently
// stored result list. Only the first occurrence is rewritten.
func (r *Resolver) resolveOrdinal(utterance string, sctx *models.SessionContext, subs map[string]string) string {
	if len(sctx.LastResults) == 0 {
		return utterance
	}
	loc := ordinalRe.FindStringSubmatchIndex(utterance)
	if loc == nil {
		return utterance
	}

	numStart, numEnd := loc[4], loc[5]
	idx, err := strconv.Atoi(utterance[numStart:numEnd])
	if err != nil || idx < 1 || idx > len(sctx.LastResults) {
		return utterance
	}
	path := sctx.LastResults[idx-1].Path
	if path == "" {
		return utterance
	}

	subs[utterance[loc[0]:loc[1]]] = path

	var b strings.Builder
	b.WriteString(utterance[:numStart])
	b.WriteString(path)
	b.WriteString(utterance[numEnd:])
	return b.String()
}
