package domain

import (
	"strings"
	"time"
)

// Outcome kinds as persisted and reported to clients.
const (
	KindSkip        = "skip"
	KindCorrection  = "correction"
	KindAlternative = "alternative"
	KindTranslation = "translation"
	KindComment     = "comment"
)

// Outcome is the structured result of one upstream analysis call. It is
// produced once and never mutated afterwards, so a single *Outcome is shared
// between the cache, every coalesced waiter and the recency buffer.
type Outcome struct {
	Translation string `json:"translation,omitempty"`
	Correction  string `json:"correction,omitempty"`
	Alternative string `json:"alternative,omitempty"`
	Comment     string `json:"comment,omitempty"`
	Explanation string `json:"explanation"`
}

// SkipOutcome returns an outcome with nothing actionable.
func SkipOutcome(explanation string) *Outcome {
	return &Outcome{Explanation: explanation}
}

// IsSkip reports whether the outcome carries nothing actionable.
func (o *Outcome) IsSkip() bool {
	if o == nil {
		return true
	}
	return o.Translation == "" && o.Correction == "" && o.Alternative == "" && o.Comment == ""
}

func (o *Outcome) HasCorrection() bool {
	return o != nil && strings.TrimSpace(o.Correction) != ""
}

// Kind returns the most significant kind carried by the outcome.
func (o *Outcome) Kind() string {
	switch {
	case o.IsSkip():
		return KindSkip
	case o.Correction != "":
		return KindCorrection
	case o.Alternative != "":
		return KindAlternative
	case o.Translation != "":
		return KindTranslation
	default:
		return KindComment
	}
}

// QueuedItem is a deferred analysis request waiting in the intake queue.
type QueuedItem struct {
	ID             string
	ConversationID string
	Text           string
	TargetLanguage string
	Tone           string
	Origin         string
	EnqueuedAt     time.Time
}

// AnalysisRecord is a persisted non-skip analysis result.
type AnalysisRecord struct {
	PK             string
	SK             string
	ConversationID string
	Text           string
	Kind           string
	Outcome        Outcome
	Origin         string
	CreatedAt      string
	TTL            int64
}
