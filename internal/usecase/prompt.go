package usecase

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"analysis-coordinator/internal/domain"
)

type outcomePayload struct {
	Translation string `json:"translation"`
	Correction  string `json:"correction"`
	Alternative string `json:"alternative"`
	Comment     string `json:"comment"`
	Explanation string `json:"explanation"`
}

// promptSettings are the runtime prompt parameters loaded from Parameter Store.
type promptSettings struct {
	model          string
	systemPrompt   string
	targetLanguage string
	tone           string
}

type analysisRequest struct {
	conversationID string
	text           string
	targetLanguage string
	tone           string
	origin         string
}

func buildPromptMessages(settings promptSettings, req analysisRequest, recent []string) []domain.ChatMessage {
	messages := []domain.ChatMessage{
		domain.SystemMessage(buildPolicyPrompt()),
		domain.SystemMessage(buildSettingsPrompt(settings, req)),
	}
	if ctx := buildRecentContextPrompt(recent); ctx != "" {
		messages = append(messages, domain.SystemMessage(ctx))
	}
	return append(messages, domain.UserMessage(req.text))
}

func buildPolicyPrompt() string {
	return strings.Join([]string{
		"Role:",
		"You review short messages written by a language learner.",
		"",
		"Task:",
		"Decide whether the current message needs a correction, a more natural alternative, a translation, or a short comment.",
		"Most messages need nothing; in that case leave every field except explanation empty.",
		"",
		"Rules:",
		"1) Analyze only the current user message. Recent messages are context, never targets.",
		"2) Do not re-suggest phrasing that already appears in the recent messages.",
		"3) A correction must change meaning-preserving errors only; keep the learner's voice.",
		"4) Keep explanations to one or two sentences in the learner's target language.",
		"",
		"Output Contract:",
		"Return JSON only with keys translation, correction, alternative, comment and explanation (all strings). " +
			"Use an empty string for anything that does not apply.",
	}, "\n")
}

func buildSettingsPrompt(settings promptSettings, req analysisRequest) string {
	return fmt.Sprintf(
		"%s\n\nTarget language: %s\nTone: %s",
		strings.TrimSpace(settings.systemPrompt),
		normalizePromptInput(req.targetLanguage),
		normalizePromptInput(req.tone),
	)
}

func buildRecentContextPrompt(recent []string) string {
	if len(recent) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Recent messages in this conversation (newest first):")
	for _, r := range recent {
		b.WriteString("\n- ")
		b.WriteString(normalizePromptInput(r))
	}
	return b.String()
}

func normalizePromptInput(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}

// parseOutcome decodes the upstream payload for text. A correction identical
// to the submitted text is dropped.
func parseOutcome(raw, text string) (*domain.Outcome, error) {
	var out outcomePayload
	dec := json.NewDecoder(bytes.NewBufferString(strings.TrimSpace(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("usecase: decode outcome: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, errors.New("usecase: decode outcome: multiple JSON values")
		}
		return nil, fmt.Errorf("usecase: decode outcome trailing data: %w", err)
	}

	outcome := &domain.Outcome{
		Translation: strings.TrimSpace(out.Translation),
		Correction:  strings.TrimSpace(out.Correction),
		Alternative: strings.TrimSpace(out.Alternative),
		Comment:     strings.TrimSpace(out.Comment),
		Explanation: strings.TrimSpace(out.Explanation),
	}
	if outcome.Correction == text {
		outcome.Correction = ""
	}
	return outcome, nil
}
