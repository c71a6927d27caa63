package models

import (
	"time"
)

// Canonical session variable names. These are the only names reference
// resolution and placeholder substitution will ever look up.
const (
	VarLastCreatedFile    = "last_created_file"
	VarLastGeneratedImage = "last_generated_image"
	VarLastGeneratedText  = "last_generated_text"
	VarLastOCRText        = "last_ocr_text"
	VarLastCommandOutput  = "last_command_output"
)

// VariableKind groups session variables by the kind of referent they hold,
// so anaphoric markers ("that file", "the image") resolve against the
// right candidates.
type VariableKind int

const (
	KindUnknown VariableKind = iota
	KindFile
	KindImage
	KindText
)

// KindOfVariable maps a canonical variable name to its kind.
func KindOfVariable(name string) VariableKind {
	switch name {
	case VarLastCreatedFile:
		return KindFile
	case VarLastGeneratedImage:
		return KindImage
	case VarLastGeneratedText, VarLastOCRText, VarLastCommandOutput:
		return KindText
	}
	return KindUnknown
}

// TurnRecord is one entry of the rolling conversation history.
type TurnRecord struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionContext is the per-conversation mutable state. It is owned by
// exactly one conversation id; turns within a conversation are serialized
// by the engine, so no internal locking is needed here. Expiry is
// enforced by the storage layer via TTL, not by this struct.
type SessionContext struct {
	ID           string            `json:"id"`
	Variables    map[string]string `json:"variables"`
	CreatedFiles []string          `json:"created_files,omitempty"`
	LastResults  []SearchResult    `json:"last_results,omitempty"`
	History      []TurnRecord      `json:"history,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	TurnCount    int               `json:"turn_count"`

	// HistoryWindow bounds how many records History retains. Zero means
	// the engine default applies.
	HistoryWindow int `json:"history_window,omitempty"`

	// SetOrder tracks the order variables were written so resolution can
	// prefer the most recently set candidate of a kind.
	SetOrder map[string]int `json:"set_order,omitempty"`
	SetSeq   int            `json:"set_seq,omitempty"`
}

// NewSessionContext creates an empty context for a conversation id.
func NewSessionContext(id string) *SessionContext {
	return &SessionContext{
		ID:        id,
		Variables: make(map[string]string),
		CreatedAt: time.Now(),
	}
}

// SetVariable records a named value and its recency.
func (s *SessionContext) SetVariable(name, value string) {
	if value == "" {
		return
	}
	if s.Variables == nil {
		s.Variables = make(map[string]string)
	}
	if s.SetOrder == nil {
		s.SetOrder = make(map[string]int)
	}
	s.SetSeq++
	s.Variables[name] = value
	s.SetOrder[name] = s.SetSeq
}

// Variable returns a named value and whether it is set.
func (s *SessionContext) Variable(name string) (string, bool) {
	v, ok := s.Variables[name]
	return v, ok && v != ""
}

// MostRecentOfKind returns the value of the most recently set variable
// matching kind. KindUnknown matches any canonical kind; bookkeeping
// variables with no kind are never candidates.
func (s *SessionContext) MostRecentOfKind(kind VariableKind) (string, bool) {
	best := ""
	bestSeq := -1
	for name, value := range s.Variables {
		if value == "" {
			continue
		}
		k := KindOfVariable(name)
		if k == KindUnknown {
			continue
		}
		if kind != KindUnknown && k != kind {
			continue
		}
		if seq := s.SetOrder[name]; seq > bestSeq {
			bestSeq = seq
			best = value
		}
	}
	return best, best != ""
}

// RecordFile appends a created file path and marks it the latest.
func (s *SessionContext) RecordFile(path string) {
	if path == "" {
		return
	}
	s.SetVariable(VarLastCreatedFile, path)
	for _, f := range s.CreatedFiles {
		if f == path {
			return
		}
	}
	s.CreatedFiles = append(s.CreatedFiles, path)
}

// AppendHistory adds a record, trimming to the history window.
func (s *SessionContext) AppendHistory(role, content string, limit int) {
	if s.HistoryWindow > 0 && s.HistoryWindow < limit {
		limit = s.HistoryWindow
	}
	s.History = append(s.History, TurnRecord{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	})
	if limit > 0 && len(s.History) > limit {
		s.History = s.History[len(s.History)-limit:]
	}
}

// RecentHistory returns up to n most recent records, oldest first.
func (s *SessionContext) RecentHistory(n int) []TurnRecord {
	if n <= 0 || n >= len(s.History) {
		return s.History
	}
	return s.History[len(s.History)-n:]
}

// LastIntent returns the intent recorded for the previous turn, if any.
// Used as condensed context for the model-assisted classifier.
func (s *SessionContext) LastIntent() string {
	return s.Variables["last_intent"]
}
