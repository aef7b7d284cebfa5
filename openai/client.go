// Package openai is the remote fallback boundary: best-effort language
// model calls used when local dataset scoring cannot finish on its own.
// Callers get a typed error instead of an exception leaking through.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net"
	"os"
	"regexp"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"triage-backend/dataset"
)

// Failure taxonomy for both call shapes. Callers distinguish
// "unavailable" from "should retry" with errors.Is.
var (
	ErrUnauthorized      = errors.New("openai: unauthorized")
	ErrRateLimited       = errors.New("openai: rate limited")
	ErrMalformedResponse = errors.New("openai: malformed response")
	ErrTimeout           = errors.New("openai: timeout")
)

// FallbackPrediction mirrors one entry of the model's top_predictions.
type FallbackPrediction struct {
	Disease     string  `json:"disease"`
	Probability float64 `json:"probability"`
}

// FallbackDiagnosis is the post-processed full-diagnosis result.
type FallbackDiagnosis struct {
	Diagnosis      string
	Confidence     float64
	Summary        string
	Precautions    []string
	TopPredictions []FallbackPrediction
}

// GeneratedQuestion is one validated follow-up question.
type GeneratedQuestion struct {
	ID      string
	Text    string
	Choices []string
}

// QuestionContext carries the dialogue context the model needs to ask a
// novel, clinically useful follow-up.
type QuestionContext struct {
	History           []string
	CurrentMessage    string
	ConfirmedSymptoms []string
	DeniedSymptoms    []string
	TopCandidates     []string
	AskedItems        []string
	Turns             int
	MaxTurns          int
	Gender            string
	AgeGroup          string
}

type Client struct {
	api    *openai.Client
	models []string
	hasKey bool
}

// NewClient builds the client from OPENAI_API_KEY / OPENAI_MODEL. The
// configured model is tried first, then the fixed fallbacks.
func NewClient() *Client {
	key := strings.Trim(strings.TrimSpace(os.Getenv("OPENAI_API_KEY")), `'"`)
	configured := strings.Trim(strings.TrimSpace(os.Getenv("OPENAI_MODEL")), `'"`)
	models := []string{}
	seen := map[string]bool{}
	for _, m := range []string{configured, "gpt-4o-mini", "gpt-4.1-mini", "gpt-4o"} {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		models = append(models, m)
	}
	return &Client{api: openai.NewClient(key), models: models, hasKey: key != ""}
}

// FallbackDiagnosis requests a structured diagnosis from the remote
// model, trying each model identifier until one yields parseable JSON.
func (c *Client) FallbackDiagnosis(ctx context.Context, history []string, message string, symptoms []string, gender, ageGroup string) (*FallbackDiagnosis, error) {
	if !c.hasKey {
		return nil, fmt.Errorf("%w: OPENAI_API_KEY not configured", ErrUnauthorized)
	}
	if len(history) > 15 {
		history = history[:15]
	}
	userContent := fmt.Sprintf("History:\n%s\n\nCurrent message: %s\nSymptoms: %s\nDemographics: gender=%s, age_group=%s",
		strings.Join(history, "\n"), message, strings.Join(symptoms, ", "), orUnknown(gender), orUnknown(ageGroup))

	var lastErr error
	for _, model := range c.models {
		resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       model,
			Temperature: 0.2,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: "Return strict JSON only with keys diagnosis, confidence, top_predictions (array of up to 5 {disease, probability}), summary, precautions (string array)."},
				{Role: openai.ChatMessageRoleUser, Content: userContent},
			},
		})
		if err != nil {
			lastErr = classify(err)
			log.Printf(`{"event":"fallback.diagnosis.error","model":%q,"error":%q}`, model, err.Error())
			continue
		}
		if len(resp.Choices) == 0 {
			lastErr = fmt.Errorf("%w: empty choices", ErrMalformedResponse)
			continue
		}
		out, err := parseDiagnosis(resp.Choices[0].Message.Content)
		if err != nil {
			lastErr = err
			log.Printf(`{"event":"fallback.diagnosis.badjson","model":%q}`, model)
			continue
		}
		return out, nil
	}
	if lastErr == nil {
		lastErr = ErrMalformedResponse
	}
	return nil, lastErr
}

func parseDiagnosis(raw string) (*FallbackDiagnosis, error) {
	obj := extractJSONObject(raw)
	if obj == "" {
		return nil, fmt.Errorf("%w: no JSON object in output", ErrMalformedResponse)
	}
	var parsed struct {
		Diagnosis      string               `json:"diagnosis"`
		Confidence     json.Number          `json:"confidence"`
		Summary        string               `json:"summary"`
		Precautions    []string             `json:"precautions"`
		TopPredictions []FallbackPrediction `json:"top_predictions"`
	}
	if err := json.Unmarshal([]byte(obj), &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if strings.TrimSpace(parsed.Diagnosis) == "" {
		return nil, fmt.Errorf("%w: missing diagnosis", ErrMalformedResponse)
	}

	top := parsed.TopPredictions
	if len(top) > 5 {
		top = top[:5]
	}
	maxProb := 0.0
	for _, p := range top {
		if p.Probability > maxProb {
			maxProb = p.Probability
		}
	}
	// Some models answer with fractions; treat <=1 as such and rescale.
	if maxProb > 0 && maxProb <= 1 {
		for i := range top {
			top[i].Probability *= 100
		}
	}
	var sum float64
	for _, p := range top {
		sum += p.Probability
	}
	if sum > 0 {
		for i := range top {
			top[i].Probability = round1(top[i].Probability / sum * 100)
		}
	}

	confidence, err := parsed.Confidence.Float64()
	if err != nil {
		confidence = 35
	}
	if confidence > 0 && confidence <= 1 {
		confidence *= 100
	}
	confidence = round1(math.Max(0, math.Min(100, confidence)))

	if len(top) == 0 {
		top = []FallbackPrediction{{Disease: parsed.Diagnosis, Probability: confidence}}
	}
	return &FallbackDiagnosis{
		Diagnosis:      parsed.Diagnosis,
		Confidence:     confidence,
		Summary:        parsed.Summary,
		Precautions:    parsed.Precautions,
		TopPredictions: top,
	}, nil
}

// GenerateFollowupQuestion asks for exactly one novel follow-up
// question as strict JSON, trying each model identifier in turn.
// Deduplication against already-asked questions is the caller's job.
func (c *Client) GenerateFollowupQuestion(ctx context.Context, qc QuestionContext) (*GeneratedQuestion, error) {
	if !c.hasKey {
		return nil, fmt.Errorf("%w: OPENAI_API_KEY not configured", ErrUnauthorized)
	}
	history := qc.History
	if len(history) > 20 {
		history = history[:20]
	}
	payload, _ := json.Marshal(map[string]any{
		"turns":           qc.Turns,
		"max_turns":       qc.MaxTurns,
		"current_message": qc.CurrentMessage,
		"recent_history":  history,
		"confirmed_symptoms": qc.ConfirmedSymptoms,
		"denied_symptoms":    qc.DeniedSymptoms,
		"top_candidates":     qc.TopCandidates,
		"demographics": map[string]any{
			"gender":    nullable(qc.Gender),
			"age_group": nullable(qc.AgeGroup),
		},
		"prior_asked_items": qc.AskedItems,
		"constraints": []string{
			"Do not ask age group or gender here.",
			"Ask only one question.",
			"No diagnosis/treatment advice in the question.",
			"Prefer yes/no style when clinically useful.",
		},
	})

	var lastErr error
	for _, model := range c.models {
		resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       model,
			Temperature: 0.2,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: "Return strict JSON only with keys question_id, question_text, question_choices. Ask exactly one concise medically relevant follow-up question to improve diagnosis confidence. Do not repeat already asked questions. question_choices must be null or an array of 2-8 short lowercase options."},
				{Role: openai.ChatMessageRoleUser, Content: string(payload)},
			},
		})
		if err != nil {
			lastErr = classify(err)
			log.Printf(`{"event":"followup.generate.error","model":%q,"error":%q}`, model, err.Error())
			continue
		}
		if len(resp.Choices) == 0 {
			lastErr = fmt.Errorf("%w: empty choices", ErrMalformedResponse)
			continue
		}
		q, err := parseQuestion(resp.Choices[0].Message.Content)
		if err != nil {
			lastErr = err
			log.Printf(`{"event":"followup.generate.badjson","model":%q}`, model)
			continue
		}
		return q, nil
	}
	if lastErr == nil {
		lastErr = ErrMalformedResponse
	}
	return nil, lastErr
}

var questionIDRe = regexp.MustCompile(`[^a-z0-9:_-]+`)

func parseQuestion(raw string) (*GeneratedQuestion, error) {
	obj := extractJSONObject(raw)
	if obj == "" {
		return nil, fmt.Errorf("%w: no JSON object in output", ErrMalformedResponse)
	}
	var parsed struct {
		QuestionID      string   `json:"question_id"`
		QuestionText    string   `json:"question_text"`
		QuestionChoices []string `json:"question_choices"`
	}
	if err := json.Unmarshal([]byte(obj), &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	text := strings.TrimSpace(parsed.QuestionText)
	if text == "" {
		return nil, fmt.Errorf("%w: missing question_text", ErrMalformedResponse)
	}

	rawID := strings.ToLower(strings.TrimSpace(parsed.QuestionID))
	if rawID == "" {
		rawID = "ai_followup"
	}
	rawID = questionIDRe.ReplaceAllString(rawID, "_")
	if len(rawID) > 64 {
		rawID = rawID[:64]
	}

	var choices []string
	for _, v := range parsed.QuestionChoices {
		if v = dataset.NormalizeToken(v); v != "" {
			choices = append(choices, v)
		}
		if len(choices) == 8 {
			break
		}
	}
	return &GeneratedQuestion{ID: "ai:" + rawID, Text: text, Choices: choices}, nil
}

var fencedRe = regexp.MustCompile("(?is)```(?:json)?\\s*(.*?)\\s*```")

// extractJSONObject recovers a JSON object from model output: direct
// parse, then fenced code block, then outermost brace scan.
func extractJSONObject(raw string) string {
	direct := strings.TrimSpace(raw)
	if direct == "" {
		return ""
	}
	if json.Valid([]byte(direct)) && strings.HasPrefix(direct, "{") {
		return direct
	}
	if m := fencedRe.FindStringSubmatch(direct); len(m) == 2 {
		inner := strings.TrimSpace(m[1])
		if json.Valid([]byte(inner)) && strings.HasPrefix(inner, "{") {
			return inner
		}
	}
	start := strings.Index(direct, "{")
	end := strings.LastIndex(direct, "}")
	if start < 0 || end <= start {
		return ""
	}
	return direct[start : end+1]
}

func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 401, 403:
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		case 429:
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
