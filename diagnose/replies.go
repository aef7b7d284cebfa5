package diagnose

import (
	"fmt"
	"strings"

	"triage-backend/dataset"
)

// Fixed advisory texts for the engine's degraded and terminal paths.
const (
	replyDatasetUnavailable = "Dataset is unavailable right now. Please share your symptoms, duration, and temperature so I can continue with API-assisted guidance."

	replySessionFinalized = "This chat session already has a final prediction. Please start a new chat for a new medical issue so results stay session-specific."

	replyGenerationUnavailable = "Live follow-up generation is currently unavailable. Please try again shortly. If this continues, verify OPENAI_API_KEY and OPENAI_MODEL."

	replyNoSafePrediction = "I cannot make a safe prediction from the current details. Please share exact symptom location, severity (0-10), duration, and any triggering factors."

	replyFallbackUnavailable = "Dataset confidence is low and API fallback is unavailable right now. Please share detailed symptoms and consult a clinician if symptoms are severe."
)

// formatSymptom title-cases a token for display.
func formatSymptom(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// questionTextKey is the dedup key for generated questions: normalized
// text truncated to 160 characters.
func questionTextKey(text string) string {
	t := dataset.NormalizeToken(text)
	if len(t) > 160 {
		t = t[:160]
	}
	return "qtext:" + t
}

// explainQuestionPurpose gives the one-line rationale shown under a
// follow-up question.
func explainQuestionPurpose(questionText string) string {
	q := strings.ToLower(questionText)
	switch {
	case strings.Contains(q, "where exactly"):
		return "Reason: location helps separate joint, muscle, nerve, and vascular causes."
	case strings.Contains(q, "0 to 10") || strings.Contains(q, "severe"):
		return "Reason: severity helps estimate urgency and probable condition range."
	case strings.Contains(q, "how long"):
		return "Reason: symptom duration helps distinguish acute vs chronic causes."
	case strings.Contains(q, "getting better") || strings.Contains(q, "worse"):
		return "Reason: trend over time improves diagnostic confidence."
	case strings.Contains(q, "warning signs"):
		return "Reason: red-flag screening checks for conditions needing urgent care."
	case strings.Contains(q, "gender") || strings.Contains(q, "age group"):
		return "Reason: demographics can shift disease likelihood in the dataset."
	}
	return "Reason: this answer helps narrow likely causes from your current symptom pattern."
}

func replyForQuestion(questionText string, confirmed map[string]bool, turns int) string {
	names := make([]string, 0, len(confirmed))
	for _, s := range setToSorted(confirmed) {
		names = append(names, formatSymptom(s))
	}
	listed := strings.Join(names, ", ")
	if listed == "" {
		listed = "None yet"
	}
	return fmt.Sprintf("Symptoms identified so far: **%s**.\n\n**Question %d:** %s\n%s",
		listed, turns+1, questionText, explainQuestionPurpose(questionText))
}

func numberedList(items []string) string {
	var b strings.Builder
	for i, item := range items {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%d. %s", i+1, item)
	}
	return b.String()
}
