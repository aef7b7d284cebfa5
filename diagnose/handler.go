// Package diagnose implements the rule-based symptom triage engine:
// feature extraction, intent classification, the multi-turn follow-up
// dialogue, dataset scoring and the remote fallback escalation.
package diagnose

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"triage-backend/dataset"
	"triage-backend/openai"
)

const defaultMaxTurns = 10

// Store is the persistence seam the engine reads and writes through.
// Implemented by the migrations package; mocked in tests.
type Store interface {
	SessionExists(id string) bool
	RecentUserMessages(sessionID string, limit int) []string
	AppendMessage(sessionID, role, content string, payload []byte) error
	SessionState(sessionID string) (kind string, payload []byte, ok bool)
	SaveSessionState(sessionID, kind string, payload []byte) error
	// AssistantPayloads backs the legacy scan for sessions persisted
	// before the session_states table existed, newest first.
	AssistantPayloads(sessionID string) [][]byte
}

// FallbackClient abstracts the remote model for easier mocking in unit
// tests. Only the two call shapes the engine needs are listed.
type FallbackClient interface {
	FallbackDiagnosis(ctx context.Context, history []string, message string, symptoms []string, gender, ageGroup string) (*openai.FallbackDiagnosis, error)
	GenerateFollowupQuestion(ctx context.Context, qc openai.QuestionContext) (*openai.GeneratedQuestion, error)
}

type Handler struct {
	loader   *dataset.Loader
	store    Store
	ai       FallbackClient
	maxTurns int
}

// NewHandler builds the engine handler. TRIAGE_MAX_TURNS overrides the
// dialogue cap (default 10).
func NewHandler(loader *dataset.Loader, store Store, ai FallbackClient) *Handler {
	maxTurns := defaultMaxTurns
	if s := strings.TrimSpace(os.Getenv("TRIAGE_MAX_TURNS")); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			maxTurns = v
		}
	}
	return &Handler{loader: loader, store: store, ai: ai, maxTurns: maxTurns}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.POST("/diagnose/chat", h.Chat)
}

type chatRequest struct {
	Message       string `json:"message"`
	SessionAction string `json:"session_action"`
}

// loadState resolves the session's dialogue state: the keyed
// session_states row first, then the legacy newest-first payload scan.
func (h *Handler) loadState(sessionID string) (*FollowupState, *FinalDiagnosis) {
	if kind, payload, ok := h.store.SessionState(sessionID); ok {
		switch kind {
		case KindFollowupState, KindFinalDiagnosis:
			return decodeStatePayload(payload)
		}
		return nil, nil
	}
	var state *FollowupState
	var final *FinalDiagnosis
	for _, payload := range h.store.AssistantPayloads(sessionID) {
		st, fd := decodeStatePayload(payload)
		if state == nil && st != nil {
			state = st
		}
		if final == nil && fd != nil {
			final = fd
		}
		if state != nil && final != nil {
			break
		}
	}
	return state, final
}

// persistExchange stores the user/assistant message pair and, when the
// assistant payload is a state or final record, upserts the session
// state row. Persistence is best-effort: a storage error degrades to a
// log line, never a failed reply.
func (h *Handler) persistExchange(sessionID, userMessage, reply string, kind string, payload []byte) {
	if err := h.store.AppendMessage(sessionID, "user", userMessage, nil); err != nil {
		log.Printf("ERROR persist user message: %v", err)
	}
	if err := h.store.AppendMessage(sessionID, "assistant", reply, payload); err != nil {
		log.Printf("ERROR persist assistant message: %v", err)
	}
	if kind != "" {
		if err := h.store.SaveSessionState(sessionID, kind, payload); err != nil {
			log.Printf("ERROR persist session state: %v", err)
		}
	}
}

// Chat handles one triage turn for a session.
func (h *Handler) Chat(c *gin.Context) {
	sessionID := c.GetHeader("X-Session-ID")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing X-Session-ID header"})
		return
	}
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	userMessage := strings.TrimSpace(req.Message)
	if userMessage == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}
	action := req.SessionAction

	if !h.store.SessionExists(sessionID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found or access denied"})
		return
	}

	ds := h.loader.Load()
	if !ds.Loaded {
		c.JSON(http.StatusOK, gin.H{
			"reply":               replyDatasetUnavailable,
			"follow_up_suggested": false,
			"resource_note":       "dataset_unavailable",
		})
		return
	}

	state, existingFinal := h.loadState(sessionID)

	if state == nil {
		if info := informationalDiseaseReply(userMessage, ds); info != "" {
			h.persistExchange(sessionID, userMessage, info, "", nil)
			c.JSON(http.StatusOK, gin.H{"reply": info, "follow_up_suggested": false})
			return
		}
	}

	if state == nil && !hasMedicalIntent(userMessage, ds) {
		reply := generalChatReply(userMessage)
		h.persistExchange(sessionID, userMessage, reply, "", nil)
		c.JSON(http.StatusOK, gin.H{"reply": reply, "follow_up_suggested": false})
		return
	}

	// One final prediction per session. Continue only while an active
	// follow-up exists.
	if state == nil && existingFinal != nil {
		h.persistExchange(sessionID, userMessage, replySessionFinalized, "", nil)
		c.JSON(http.StatusOK, gin.H{
			"reply":               replySessionFinalized,
			"follow_up_suggested": false,
			"ml_diagnosis":        existingFinal,
		})
		return
	}

	confirmed := map[string]bool{}
	denied := map[string]bool{}
	asked := map[string]bool{}
	var slots Slots
	turns := 0
	maxTurns := h.maxTurns
	if state != nil {
		for _, s := range state.ConfirmedSymptoms {
			confirmed[s] = true
		}
		for _, s := range state.DeniedSymptoms {
			denied[s] = true
		}
		for _, s := range state.AskedSymptoms {
			asked[s] = true
		}
		slots = state.Slots
		turns = state.Turns
		if state.MaxTurns > 0 {
			maxTurns = state.MaxTurns
		}
	}

	// Step 1: merge everything extractable from the raw message,
	// regardless of whether a question was pending.
	for s := range extractSymptoms(userMessage, ds) {
		confirmed[s] = true
	}
	if slots.ChiefComplaint == "" {
		slots.ChiefComplaint = extractChiefComplaint(userMessage)
	}
	if slots.BodySystem == "" || slots.BodySystem == "general" {
		slots.BodySystem = extractBodySystem(userMessage)
	}
	if loc, ok := extractPainLocation(userMessage); ok {
		slots.PainLocation = loc
	}
	if sev, ok := extractPainSeverity(userMessage); ok {
		slots.PainSeverity = &sev
		if slots.SymptomSeverity == nil {
			v := sev
			slots.SymptomSeverity = &v
		}
	}
	if prog, ok := extractProgression(userMessage); ok {
		slots.Progression = prog
	}
	if rf, ok := extractRedFlags(userMessage); ok {
		slots.RedFlagsPresent = &rf
	}
	if temp, ok := extractTemperatureF(userMessage); ok {
		slots.TemperatureF = &temp
	}
	if days, ok := extractDurationDays(userMessage); ok {
		slots.DurationDays = &days
	}
	if g, ok := extractGender(userMessage); ok && state != nil && state.CurrentQuestionID == "gender" {
		slots.Gender = g
	}
	if ag, ok := extractAgeGroup(userMessage); ok && state != nil && state.CurrentQuestionID == "age_group" {
		slots.AgeGroup = ag
	}

	// Step 2: route the pending question's answer through its handler.
	if state != nil && action != "" && state.CurrentQuestionID != "" {
		answer := action
		if action == "custom" {
			answer = yesNoFromText(userMessage)
		}
		h.applyAnswer(state, answer, userMessage, ds, confirmed, denied, asked, &slots)
		turns++
	}

	// Step 3: recompute predictions and evaluate the reliability gate.
	predictions := applyClinicalContextAdjustments(
		applyDemographicAdjustments(scoreDiseases(ds.Diseases, confirmed, denied), slots.Gender, slots.AgeGroup),
		slots,
	)
	topCandidates := make([]string, 0, 5)
	for i, p := range predictions {
		if i == 5 {
			break
		}
		topCandidates = append(topCandidates, p.Disease)
	}
	reliability := evaluatePredictionReliability(predictions, len(confirmed), turns)

	// Step 4: pick the next question by fixed priority.
	var question *openai.GeneratedQuestion
	if !reliability.Reliable && turns < maxTurns {
		switch {
		case slots.AgeGroup == "":
			question = &openai.GeneratedQuestion{
				ID:      "age_group",
				Text:    "Please select your age group.",
				Choices: []string{"infant", "toddler", "child", "adolescent", "youth", "adult", "middle_aged", "senior_citizen"},
			}
		case slots.Gender == "":
			question = &openai.GeneratedQuestion{
				ID:      "gender",
				Text:    "Please select your gender for better triage context.",
				Choices: []string{"male", "female", "custom"},
			}
		default:
			question = h.generateQuestion(c.Request.Context(), sessionID, userMessage, confirmed, denied, asked, topCandidates, turns, maxTurns, slots)
			if question == nil {
				h.persistExchange(sessionID, userMessage, replyGenerationUnavailable, "", nil)
				c.JSON(http.StatusOK, gin.H{
					"reply":               replyGenerationUnavailable,
					"follow_up_suggested": false,
				})
				return
			}
		}
	}

	if question != nil {
		next := &FollowupState{
			Kind:                   KindFollowupState,
			Pending:                true,
			Turns:                  turns,
			MaxTurns:               maxTurns,
			ConfirmedSymptoms:      setToSorted(confirmed),
			DeniedSymptoms:         setToSorted(denied),
			AskedSymptoms:          setToSorted(asked),
			TopCandidates:          topCandidates,
			CurrentQuestionID:      question.ID,
			CurrentQuestionText:    question.Text,
			CurrentQuestionChoices: question.Choices,
			Slots:                  slots,
		}
		payload, _ := json.Marshal(next)
		reply := replyForQuestion(question.Text, confirmed, turns)
		h.persistExchange(sessionID, userMessage, reply, KindFollowupState, payload)
		resp := gin.H{
			"reply":               reply,
			"follow_up_suggested": true,
			"follow_up_question":  question.Text,
			"follow_up_state":     next,
		}
		if len(question.Choices) > 0 {
			resp["follow_up_choices"] = question.Choices
		} else {
			resp["follow_up_choices"] = nil
		}
		c.JSON(http.StatusOK, resp)
		return
	}

	// Step 5: terminal behaviors.
	if len(predictions) == 0 {
		h.persistExchange(sessionID, userMessage, replyNoSafePrediction, "", nil)
		c.JSON(http.StatusOK, gin.H{"reply": replyNoSafePrediction, "follow_up_suggested": false})
		return
	}
	if !reliability.Reliable {
		h.finalizeWithFallback(c, sessionID, userMessage, predictions, confirmed, turns, slots)
		return
	}
	h.finalizeFromDataset(c, ds, sessionID, userMessage, predictions, confirmed, turns, slots)
}

// applyAnswer updates confirmed/denied/slots according to the pending
// question's semantics.
func (h *Handler) applyAnswer(state *FollowupState, answer, userMessage string, ds *dataset.Dataset, confirmed, denied, asked map[string]bool, slots *Slots) {
	qid := state.CurrentQuestionID
	asked[qid] = true
	asked[questionTextKey(state.CurrentQuestionText)] = true

	switch {
	case qid == "temperature":
		if temp, ok := extractTemperatureF(userMessage); ok {
			slots.TemperatureF = &temp
		}
		applyYesNo(answer, "high fever", confirmed, denied)
	case qid == "duration":
		if days, ok := extractDurationDays(userMessage); ok {
			slots.DurationDays = &days
		}
	case qid == "severity":
		if sev, ok := extractPainSeverity(userMessage); ok {
			slots.SymptomSeverity = &sev
		}
	case qid == "progression":
		if prog, ok := extractProgression(userMessage); ok {
			slots.Progression = prog
		}
	case qid == "red_flags":
		if answer == "yes" || answer == "no" {
			v := answer == "yes"
			slots.RedFlagsPresent = &v
		}
	case qid == "gender":
		if g, ok := extractGender(userMessage); ok {
			slots.Gender = g
		}
	case qid == "age_group":
		if ag, ok := extractAgeGroup(userMessage); ok {
			slots.AgeGroup = ag
		}
	case qid == "pain_location":
		if loc, ok := extractPainLocation(userMessage); ok {
			slots.PainLocation = loc
			switch loc {
			case "knee":
				confirmed["knee pain"] = true
			case "hip":
				confirmed["hip joint pain"] = true
			case "joint", "leg":
				confirmed["joint pain"] = true
			}
		} else if free := dataset.NormalizeToken(userMessage); free != "" {
			if len(free) > 40 {
				free = free[:40]
			}
			slots.PainLocation = free
		}
	case qid == "pain_severity":
		if sev, ok := extractPainSeverity(userMessage); ok {
			slots.PainSeverity = &sev
		}
	case qid == "pain_swelling":
		if answer == "yes" || answer == "no" {
			v := answer == "yes"
			slots.PainSwelling = &v
		}
		applyYesNo(answer, "swelling joints", confirmed, denied)
		applyYesNo(answer, "swollen legs", confirmed, denied)
	case qid == "pain_redness":
		if answer == "yes" || answer == "no" {
			v := answer == "yes"
			slots.PainRedness = &v
		}
	case qid == "pain_injury":
		if answer == "yes" || answer == "no" {
			v := answer == "yes"
			slots.PainInjury = &v
		}
	case qid == "pain_fever":
		if answer == "yes" || answer == "no" {
			v := answer == "yes"
			slots.PainFever = &v
		}
		applyYesNo(answer, "high fever", confirmed, denied)
	case strings.HasPrefix(qid, "symptom:"):
		symptom := strings.TrimPrefix(qid, "symptom:")
		asked[symptom] = true
		applyYesNo(answer, symptom, confirmed, denied)
	case strings.HasPrefix(qid, "ai:"):
		for s := range extractSymptoms(state.CurrentQuestionText, ds) {
			applyYesNo(answer, s, confirmed, denied)
		}
	}
}

func applyYesNo(answer, symptom string, confirmed, denied map[string]bool) {
	switch answer {
	case "yes":
		confirmed[symptom] = true
	case "no":
		denied[symptom] = true
	}
}

// generateQuestion requests one AI follow-up, retrying up to three
// times when the model repeats an already-asked question. Returns nil
// when generation is unavailable.
func (h *Handler) generateQuestion(ctx context.Context, sessionID, userMessage string, confirmed, denied, asked map[string]bool, topCandidates []string, turns, maxTurns int, slots Slots) *openai.GeneratedQuestion {
	askedTracker := map[string]bool{}
	for k := range asked {
		askedTracker[k] = true
	}
	history := h.store.RecentUserMessages(sessionID, 200)
	for attempt := 0; attempt < 3; attempt++ {
		candidate, err := h.ai.GenerateFollowupQuestion(ctx, openai.QuestionContext{
			History:           history,
			CurrentMessage:    userMessage,
			ConfirmedSymptoms: setToSorted(confirmed),
			DeniedSymptoms:    setToSorted(denied),
			TopCandidates:     topCandidates,
			AskedItems:        setToSorted(askedTracker),
			Turns:             turns,
			MaxTurns:          maxTurns,
			Gender:            slots.Gender,
			AgeGroup:          slots.AgeGroup,
		})
		if err != nil {
			logFallbackError("followup.generate", err)
			return nil
		}
		if askedTracker[questionTextKey(candidate.Text)] {
			askedTracker[candidate.ID] = true
			continue
		}
		return candidate
	}
	return nil
}

// finalizeWithFallback is the low-confidence exit: ask the remote model
// for a full diagnosis, compare against the best dataset guess.
func (h *Handler) finalizeWithFallback(c *gin.Context, sessionID, userMessage string, predictions []Prediction, confirmed map[string]bool, turns int, slots Slots) {
	history := h.store.RecentUserMessages(sessionID, 200)
	ai, err := h.ai.FallbackDiagnosis(c.Request.Context(), history, userMessage, setToSorted(confirmed), slots.Gender, slots.AgeGroup)
	if err != nil {
		logFallbackError("fallback.diagnosis", err)
		h.persistExchange(sessionID, userMessage, replyFallbackUnavailable, "", nil)
		c.JSON(http.StatusOK, gin.H{"reply": replyFallbackUnavailable, "follow_up_suggested": false})
		return
	}

	top := predictions[0]
	datasetSide := ComparisonSide{
		Diagnosis:      top.Disease,
		Confidence:     round1(top.Probability),
		TopPredictions: toPredictionOut(predictions, 5),
	}
	aiSide := ComparisonSide{
		Diagnosis:      ai.Diagnosis,
		Confidence:     round1(ai.Confidence),
		TopPredictions: fromFallbackPredictions(ai.TopPredictions),
	}

	summary := ai.Summary
	if summary == "" {
		summary = "Dataset confidence was low, so this used API-assisted analysis."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Dataset confidence remained low, so an API-assisted prediction is used.\n\n**Likely condition (API-assisted): %s**\nConfidence: %.1f%%\n\n", ai.Diagnosis, ai.Confidence)
	fmt.Fprintf(&b, "**Dataset comparison:** %s (%.1f%%)\n\n%s\n\n", datasetSide.Diagnosis, datasetSide.Confidence, summary)
	if len(ai.Precautions) > 0 {
		fmt.Fprintf(&b, "**Precautions:**\n%s\n\n", numberedList(ai.Precautions))
	}
	b.WriteString("This is informational only and not a medical diagnosis.")

	final := &FinalDiagnosis{
		Kind:              KindFinalDiagnosis,
		Diagnosis:         ai.Diagnosis,
		Confidence:        round1(ai.Confidence),
		DiagnosisType:     "api_fallback",
		TopPredictions:    aiSide.TopPredictions,
		ConfirmedSymptoms: setToSorted(confirmed),
		FollowupsAsked:    turns,
		Demographics:      toDemographics(slots),
		DiseaseInfo:       DiseaseInfo{Description: ai.Summary, Precautions: ai.Precautions},
		Source:            "api_fallback",
		Comparison:        &Comparison{Dataset: datasetSide, OpenAI: &aiSide},
	}
	payload, _ := json.Marshal(final)
	reply := b.String()
	h.persistExchange(sessionID, userMessage, reply, KindFinalDiagnosis, payload)
	c.JSON(http.StatusOK, gin.H{
		"reply":               reply,
		"follow_up_suggested": false,
		"ml_diagnosis":        final,
	})
}

// finalizeFromDataset is the reliable exit: the dataset prediction is
// the diagnosis, with a best-effort remote comparison alongside.
func (h *Handler) finalizeFromDataset(c *gin.Context, ds *dataset.Dataset, sessionID, userMessage string, predictions []Prediction, confirmed map[string]bool, turns int, slots Slots) {
	top := predictions[0]
	info := DiseaseInfo{
		Description: ds.Descriptions[top.Disease],
		Precautions: ds.Precautions[top.Disease],
	}
	diagnosisType := "best_guess"
	if top.Probability >= 67 {
		diagnosisType = "confident"
	}
	final := &FinalDiagnosis{
		Kind:              KindFinalDiagnosis,
		Diagnosis:         top.Disease,
		Confidence:        round1(top.Probability),
		DiagnosisType:     diagnosisType,
		TopPredictions:    toPredictionOut(predictions, 5),
		ConfirmedSymptoms: setToSorted(confirmed),
		FollowupsAsked:    turns,
		Demographics:      toDemographics(slots),
		DiseaseInfo:       info,
		Source:            "dataset_current_session",
	}

	history := h.store.RecentUserMessages(sessionID, 200)
	comparison := &Comparison{Dataset: ComparisonSide{
		Diagnosis:      final.Diagnosis,
		Confidence:     final.Confidence,
		TopPredictions: final.TopPredictions,
	}}
	comparisonText := "\n\n**OpenAI comparison:** unavailable"
	if apiSide, err := h.ai.FallbackDiagnosis(c.Request.Context(), history, userMessage, final.ConfirmedSymptoms, slots.Gender, slots.AgeGroup); err == nil {
		comparison.OpenAI = &ComparisonSide{
			Diagnosis:      apiSide.Diagnosis,
			Confidence:     round1(apiSide.Confidence),
			TopPredictions: fromFallbackPredictions(apiSide.TopPredictions),
		}
		comparisonText = fmt.Sprintf("\n\n**OpenAI comparison:** %s (%.1f%%)", apiSide.Diagnosis, apiSide.Confidence)
	} else {
		logFallbackError("fallback.comparison", err)
	}
	final.Comparison = comparison

	symptomNames := make([]string, 0, len(final.ConfirmedSymptoms))
	for _, s := range final.ConfirmedSymptoms {
		symptomNames = append(symptomNames, formatSymptom(s))
	}
	description := info.Description
	if description == "" {
		description = "No detailed description available in dataset."
	}
	precautionsText := ""
	if len(info.Precautions) > 0 {
		precautionsText = "\n\n**Precautions:**\n" + numberedList(info.Precautions)
	}
	reply := fmt.Sprintf("**Likely condition: %s**\nConfidence: %.1f%%\n\nSymptoms considered: %s\nDemographics considered: %s, %s\n\n%s%s%s\n\nThis is informational only and not a medical diagnosis.",
		final.Diagnosis, final.Confidence, strings.Join(symptomNames, ", "),
		orUnknown(slots.Gender), orUnknown(slots.AgeGroup), description, precautionsText, comparisonText)

	payload, _ := json.Marshal(final)
	h.persistExchange(sessionID, userMessage, reply, KindFinalDiagnosis, payload)
	c.JSON(http.StatusOK, gin.H{
		"reply":               reply,
		"follow_up_suggested": false,
		"ml_diagnosis":        final,
	})
}

func toPredictionOut(predictions []Prediction, limit int) []PredictionOut {
	out := make([]PredictionOut, 0, limit)
	for i, p := range predictions {
		if i == limit {
			break
		}
		out = append(out, PredictionOut{Disease: p.Disease, Probability: round1(p.Probability)})
	}
	return out
}

func fromFallbackPredictions(preds []openai.FallbackPrediction) []PredictionOut {
	out := make([]PredictionOut, 0, len(preds))
	for _, p := range preds {
		out = append(out, PredictionOut{Disease: p.Disease, Probability: round1(p.Probability)})
	}
	return out
}

func logFallbackError(op string, err error) {
	switch {
	case errors.Is(err, openai.ErrUnauthorized):
		log.Printf("%s unavailable (unauthorized): %v", op, err)
	case errors.Is(err, openai.ErrRateLimited):
		log.Printf("%s rate limited: %v", op, err)
	case errors.Is(err, openai.ErrTimeout):
		log.Printf("%s timed out: %v", op, err)
	case errors.Is(err, openai.ErrMalformedResponse):
		log.Printf("%s returned malformed output: %v", op, err)
	default:
		log.Printf("%s failed: %v", op, err)
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
