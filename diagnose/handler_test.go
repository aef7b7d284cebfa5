package diagnose

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"

	"triage-backend/dataset"
	"triage-backend/openai"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type memMessage struct {
	role    string
	content string
	payload []byte
}

// memStore is an in-memory Store for handler tests.
type memStore struct {
	sessions map[string]bool
	messages map[string][]memMessage
	kinds    map[string]string
	payloads map[string][]byte
}

func newMemStore(sessionIDs ...string) *memStore {
	s := &memStore{
		sessions: map[string]bool{},
		messages: map[string][]memMessage{},
		kinds:    map[string]string{},
		payloads: map[string][]byte{},
	}
	for _, id := range sessionIDs {
		s.sessions[id] = true
	}
	return s
}

func (s *memStore) SessionExists(id string) bool { return s.sessions[id] }

func (s *memStore) RecentUserMessages(sessionID string, limit int) []string {
	var out []string
	msgs := s.messages[sessionID]
	for i := len(msgs) - 1; i >= 0 && len(out) < limit; i-- {
		if msgs[i].role == "user" {
			out = append(out, msgs[i].content)
		}
	}
	return out
}

func (s *memStore) AppendMessage(sessionID, role, content string, payload []byte) error {
	s.messages[sessionID] = append(s.messages[sessionID], memMessage{role, content, payload})
	return nil
}

func (s *memStore) SessionState(sessionID string) (string, []byte, bool) {
	kind, ok := s.kinds[sessionID]
	if !ok {
		return "", nil, false
	}
	return kind, s.payloads[sessionID], true
}

func (s *memStore) SaveSessionState(sessionID, kind string, payload []byte) error {
	s.kinds[sessionID] = kind
	s.payloads[sessionID] = payload
	return nil
}

func (s *memStore) AssistantPayloads(sessionID string) [][]byte {
	var out [][]byte
	msgs := s.messages[sessionID]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].role == "assistant" && len(msgs[i].payload) > 0 {
			out = append(out, msgs[i].payload)
		}
	}
	return out
}

// scriptedAI serves canned questions in order and a fixed diagnosis.
type scriptedAI struct {
	questions []openai.GeneratedQuestion
	next      int
	qErr      error
	diagnosis *openai.FallbackDiagnosis
	dErr      error
}

func (a *scriptedAI) FallbackDiagnosis(ctx context.Context, history []string, message string, symptoms []string, gender, ageGroup string) (*openai.FallbackDiagnosis, error) {
	if a.dErr != nil {
		return nil, a.dErr
	}
	return a.diagnosis, nil
}

func (a *scriptedAI) GenerateFollowupQuestion(ctx context.Context, qc openai.QuestionContext) (*openai.GeneratedQuestion, error) {
	if a.qErr != nil {
		return nil, a.qErr
	}
	if len(a.questions) == 0 {
		return nil, openai.ErrMalformedResponse
	}
	q := a.questions[a.next%len(a.questions)]
	if a.next < len(a.questions)-1 {
		a.next++
	}
	return &q, nil
}

func handlerDataDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"dataset_cleaned.csv": "Disease,Symptom_1,Symptom_2,Symptom_3,Symptom_4,Symptom_5\n" +
			"Osteoarthritis,knee pain,joint pain,painful walking,swelling joints,\n" +
			"Arthritis,joint pain,swelling joints,muscle pain,movement stiffness,painful walking\n" +
			"Common Cold,cough,high fever,headache,runny nose,chills\n",
		"symptom_description_cleaned.csv": "Disease,Description\n" +
			"Osteoarthritis,Cartilage wear in the joints.\n" +
			"Common Cold,A viral infection.\n",
		"symptom_precaution_cleaned.csv": "Disease,Precaution_1,Precaution_2\n" +
			"Osteoarthritis,acetaminophen,follow up\n" +
			"Common Cold,rest,drink fluids\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func newTestRouter(t *testing.T, store Store, ai FallbackClient) *gin.Engine {
	t.Helper()
	r := gin.New()
	NewHandler(dataset.NewLoader(handlerDataDir(t)), store, ai).RegisterRoutes(r)
	return r
}

func postChat(t *testing.T, r *gin.Engine, sessionID, message, action string) (int, map[string]any) {
	t.Helper()
	body := map[string]string{"message": message}
	if action != "" {
		body["session_action"] = action
	}
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/diagnose/chat", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set("X-Session-ID", sessionID)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response JSON: %v\n%s", err, w.Body.String())
	}
	return w.Code, resp
}

func TestChatMissingSessionHeader(t *testing.T) {
	r := newTestRouter(t, newMemStore(), &scriptedAI{})
	code, _ := postChat(t, r, "", "hello", "")
	if code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", code)
	}
}

func TestChatUnknownSession(t *testing.T) {
	r := newTestRouter(t, newMemStore("s1"), &scriptedAI{})
	code, _ := postChat(t, r, "nope", "hello", "")
	if code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", code)
	}
}

func TestChatGeneralAndInformational(t *testing.T) {
	store := newMemStore("s1")
	r := newTestRouter(t, store, &scriptedAI{})

	code, resp := postChat(t, r, "s1", "hello", "")
	if code != http.StatusOK || resp["follow_up_suggested"] != false {
		t.Fatalf("greeting: code=%d resp=%v", code, resp)
	}

	_, resp = postChat(t, r, "s1", "what are the symptoms of arthritis", "")
	reply, _ := resp["reply"].(string)
	if !bytes.Contains([]byte(reply), []byte("educational information")) {
		t.Errorf("informational reply = %q", reply)
	}
	// Neither exchange may create dialogue state.
	if _, _, ok := store.SessionState("s1"); ok {
		t.Error("small talk must not persist dialogue state")
	}
}

func TestChatFullDialogueToDatasetDiagnosis(t *testing.T) {
	store := newMemStore("s1")
	ai := &scriptedAI{
		questions: []openai.GeneratedQuestion{
			{ID: "ai:q1", Text: "Do you also have knee pain?", Choices: []string{"yes", "no"}},
			{ID: "ai:q2", Text: "Do you have movement stiffness?", Choices: []string{"yes", "no"}},
		},
		diagnosis: &openai.FallbackDiagnosis{Diagnosis: "Osteoarthritis", Confidence: 70, Summary: "Joint wear."},
	}
	r := newTestRouter(t, store, ai)

	// Turn 1: symptoms arrive, demographics missing, age question first.
	_, resp := postChat(t, r, "s1", "I have joint pain and fever", "")
	if resp["follow_up_suggested"] != true {
		t.Fatalf("turn 1: expected follow-up, got %v", resp)
	}
	if q, _ := resp["follow_up_question"].(string); q != "Please select your age group." {
		t.Fatalf("turn 1 question = %q", q)
	}

	// Turn 2: age answered, gender question follows.
	_, resp = postChat(t, r, "s1", "adult", "adult")
	if q, _ := resp["follow_up_question"].(string); q != "Please select your gender for better triage context." {
		t.Fatalf("turn 2 question = %q", q)
	}

	// Turn 3: gender answered, first generated question.
	_, resp = postChat(t, r, "s1", "male", "male")
	if q, _ := resp["follow_up_question"].(string); q != "Do you also have knee pain?" {
		t.Fatalf("turn 3 question = %q", q)
	}

	// Turn 4: confirmation strengthens the lead but not enough yet.
	_, resp = postChat(t, r, "s1", "yes", "yes")
	if q, _ := resp["follow_up_question"].(string); q != "Do you have movement stiffness?" {
		t.Fatalf("turn 4 question = %q", q)
	}

	// Turn 5: the denial separates the candidates; dataset finalizes.
	_, resp = postChat(t, r, "s1", "no", "no")
	if resp["follow_up_suggested"] != false {
		t.Fatalf("turn 5: expected finalization, got %v", resp)
	}
	ml, _ := resp["ml_diagnosis"].(map[string]any)
	if ml == nil {
		t.Fatal("turn 5: missing ml_diagnosis")
	}
	if ml["diagnosis"] != "Osteoarthritis" {
		t.Errorf("diagnosis = %v", ml["diagnosis"])
	}
	if ml["source"] != "dataset_current_session" {
		t.Errorf("source = %v", ml["source"])
	}
	if ml["diagnosis_type"] != "best_guess" {
		t.Errorf("diagnosis_type = %v", ml["diagnosis_type"])
	}
	if got := ml["confidence"].(float64); got < 62 || got > 70 {
		t.Errorf("confidence = %v, want in [62,70]", got)
	}
	if ml["followups_asked"].(float64) != 4 {
		t.Errorf("followups_asked = %v, want 4", ml["followups_asked"])
	}

	// Turn 6: the session is finalized; no second prediction.
	_, resp = postChat(t, r, "s1", "I also have a cough", "")
	if reply, _ := resp["reply"].(string); reply != replySessionFinalized {
		t.Errorf("post-final reply = %q", reply)
	}
	if resp["ml_diagnosis"] == nil {
		t.Error("post-final reply must echo the stored diagnosis")
	}
}

func pendingState(t *testing.T, store *memStore, sessionID string, st *FollowupState) {
	t.Helper()
	st.Kind = KindFollowupState
	st.Pending = true
	payload, err := json.Marshal(st)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SaveSessionState(sessionID, KindFollowupState, payload); err != nil {
		t.Fatal(err)
	}
}

func TestChatFallbackAtTurnCap(t *testing.T) {
	store := newMemStore("s1")
	ai := &scriptedAI{
		diagnosis: &openai.FallbackDiagnosis{
			Diagnosis:  "Osteoarthritis",
			Confidence: 71.5,
			Summary:    "Pattern consistent with degenerative joint disease.",
			TopPredictions: []openai.FallbackPrediction{
				{Disease: "Osteoarthritis", Probability: 71.5},
				{Disease: "Arthritis", Probability: 28.5},
			},
		},
	}
	r := newTestRouter(t, store, ai)
	pendingState(t, store, "s1", &FollowupState{
		Turns:               9,
		MaxTurns:            10,
		CurrentQuestionID:   "ai:q9",
		CurrentQuestionText: "Do you have joint pain?",
		Slots:               Slots{Gender: "male", AgeGroup: "adult"},
	})

	_, resp := postChat(t, r, "s1", "yes", "yes")
	ml, _ := resp["ml_diagnosis"].(map[string]any)
	if ml == nil {
		t.Fatalf("expected fallback diagnosis, got %v", resp)
	}
	if ml["source"] != "api_fallback" || ml["diagnosis_type"] != "api_fallback" {
		t.Errorf("source/type = %v/%v", ml["source"], ml["diagnosis_type"])
	}
	if ml["diagnosis"] != "Osteoarthritis" {
		t.Errorf("diagnosis = %v", ml["diagnosis"])
	}
	cmp, _ := ml["comparison"].(map[string]any)
	if cmp == nil || cmp["dataset"] == nil || cmp["openai"] == nil {
		t.Errorf("comparison incomplete: %v", cmp)
	}
}

func TestChatNoSafePredictionAtTurnCap(t *testing.T) {
	store := newMemStore("s1")
	r := newTestRouter(t, store, &scriptedAI{})
	pendingState(t, store, "s1", &FollowupState{
		Turns:               9,
		MaxTurns:            10,
		CurrentQuestionID:   "ai:q9",
		CurrentQuestionText: "Do you have a cough?",
		Slots:               Slots{Gender: "female", AgeGroup: "adult"},
	})

	_, resp := postChat(t, r, "s1", "no", "no")
	if reply, _ := resp["reply"].(string); reply != replyNoSafePrediction {
		t.Errorf("reply = %q", reply)
	}
	if resp["ml_diagnosis"] != nil {
		t.Error("no prediction must not ship a diagnosis")
	}
}

func TestChatFallbackUnavailable(t *testing.T) {
	store := newMemStore("s1")
	r := newTestRouter(t, store, &scriptedAI{dErr: fmt.Errorf("boom: %w", openai.ErrRateLimited)})
	pendingState(t, store, "s1", &FollowupState{
		Turns:               9,
		MaxTurns:            10,
		CurrentQuestionID:   "ai:q9",
		CurrentQuestionText: "Do you have joint pain?",
		Slots:               Slots{Gender: "male", AgeGroup: "adult"},
	})

	_, resp := postChat(t, r, "s1", "yes", "yes")
	if reply, _ := resp["reply"].(string); reply != replyFallbackUnavailable {
		t.Errorf("reply = %q", reply)
	}
	// The session must remain open for another attempt.
	if kind, _, ok := store.SessionState("s1"); ok && kind == KindFinalDiagnosis {
		t.Error("failed fallback must not finalize the session")
	}
}

func TestChatDuplicateQuestionExhaustsGeneration(t *testing.T) {
	store := newMemStore("s1")
	dup := openai.GeneratedQuestion{ID: "ai:dup", Text: "Do you have muscle pain?"}
	r := newTestRouter(t, store, &scriptedAI{questions: []openai.GeneratedQuestion{dup}})
	pendingState(t, store, "s1", &FollowupState{
		Turns:               2,
		MaxTurns:            10,
		CurrentQuestionID:   "ai:q2",
		CurrentQuestionText: "Do you have joint pain?",
		AskedSymptoms:       []string{questionTextKey(dup.Text)},
		Slots:               Slots{Gender: "male", AgeGroup: "adult"},
	})

	_, resp := postChat(t, r, "s1", "yes", "yes")
	if reply, _ := resp["reply"].(string); reply != replyGenerationUnavailable {
		t.Errorf("reply = %q", reply)
	}
	if resp["follow_up_suggested"] != false {
		t.Error("exhausted generation must not suggest a follow-up")
	}
}

func TestChatCorruptStatePayloadRestartsDialogue(t *testing.T) {
	store := newMemStore("s1")
	r := newTestRouter(t, store, &scriptedAI{})
	if err := store.SaveSessionState("s1", KindFollowupState, []byte(`{"kind":"followup_state","turns":`)); err != nil {
		t.Fatal(err)
	}

	code, resp := postChat(t, r, "s1", "I have joint pain and fever", "")
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	// Undecodable state reads as no state: the dialogue starts over.
	if q, _ := resp["follow_up_question"].(string); q != "Please select your age group." {
		t.Errorf("question = %q, want a fresh age-group question", q)
	}
}

func TestChatRecoversPendingStateFromMessageHistory(t *testing.T) {
	// Sessions persisted before the session_states table carry their
	// state only in assistant message payloads, newest first.
	store := newMemStore("s1")
	ai := &scriptedAI{questions: []openai.GeneratedQuestion{
		{ID: "ai:q1", Text: "Do you also have knee pain?", Choices: []string{"yes", "no"}},
	}}
	r := newTestRouter(t, store, ai)

	st := FollowupState{
		Kind:                KindFollowupState,
		Pending:             true,
		Turns:               1,
		MaxTurns:            10,
		ConfirmedSymptoms:   []string{"joint pain", "swelling joints"},
		CurrentQuestionID:   "gender",
		CurrentQuestionText: "Please select your gender for better triage context.",
		Slots:               Slots{AgeGroup: "adult"},
	}
	payload, err := json.Marshal(&st)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.AppendMessage("s1", "assistant", "Question 2", payload); err != nil {
		t.Fatal(err)
	}

	_, resp := postChat(t, r, "s1", "male", "male")
	if q, _ := resp["follow_up_question"].(string); q != "Do you also have knee pain?" {
		t.Fatalf("question = %q, want the next generated question", q)
	}
	// The recovered dialogue is re-persisted through the keyed row.
	if kind, _, ok := store.SessionState("s1"); !ok || kind != KindFollowupState {
		t.Errorf("state row = %q,%v, want a followup_state row", kind, ok)
	}
}

func TestChatRecognizesLegacyFinalRecord(t *testing.T) {
	// Final records written before the kind tag existed are recognized
	// by their shape alone.
	store := newMemStore("s1")
	r := newTestRouter(t, store, &scriptedAI{})
	legacy := []byte(`{"diagnosis":"Common Cold","confidence":80,"top_predictions":[{"disease":"Common Cold","probability":80}]}`)
	if err := store.AppendMessage("s1", "assistant", "done", legacy); err != nil {
		t.Fatal(err)
	}

	_, resp := postChat(t, r, "s1", "I have a cough", "")
	if reply, _ := resp["reply"].(string); reply != replySessionFinalized {
		t.Errorf("reply = %q", reply)
	}
	ml, _ := resp["ml_diagnosis"].(map[string]any)
	if ml == nil || ml["diagnosis"] != "Common Cold" {
		t.Errorf("ml_diagnosis = %v, want the recovered legacy record", ml)
	}
}

func TestChatDegradedWithoutDataset(t *testing.T) {
	r := gin.New()
	NewHandler(dataset.NewLoader(""), newMemStore("s1"), &scriptedAI{}).RegisterRoutes(r)
	_, resp := postChat(t, r, "s1", "I have a headache", "")
	if resp["resource_note"] != "dataset_unavailable" {
		t.Errorf("resp = %v", resp)
	}
}
