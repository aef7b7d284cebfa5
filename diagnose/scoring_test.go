package diagnose

import (
	"math"
	"testing"

	"triage-backend/dataset"
)

func scoringDiseases() []dataset.Disease {
	return []dataset.Disease{
		{Name: "Osteoarthritis", Symptoms: []string{"knee pain", "joint pain", "painful walking", "swelling joints"}},
		{Name: "Arthritis", Symptoms: []string{"joint pain", "swelling joints", "muscle pain", "movement stiffness", "painful walking"}},
		{Name: "Common Cold", Symptoms: []string{"cough", "high fever", "headache", "runny nose", "chills", "fatigue", "throat irritation"}},
	}
}

func sumProbabilities(preds []Prediction) float64 {
	var sum float64
	for _, p := range preds {
		sum += p.Probability
	}
	return sum
}

func TestScoreDiseasesRankingAndNormalization(t *testing.T) {
	confirmed := map[string]bool{"joint pain": true, "swelling joints": true, "high fever": true}
	preds := scoreDiseases(scoringDiseases(), confirmed, nil)
	if len(preds) != 3 {
		t.Fatalf("expected 3 predictions, got %d", len(preds))
	}
	if preds[0].Disease != "Osteoarthritis" {
		t.Errorf("expected Osteoarthritis first, got %s", preds[0].Disease)
	}
	if sum := sumProbabilities(preds); math.Abs(sum-100) > 0.3 {
		t.Errorf("probabilities sum to %.2f, want ~100", sum)
	}
	if preds[0].Matched != 2 || preds[0].Total != 4 {
		t.Errorf("matched/total = %d/%d, want 2/4", preds[0].Matched, preds[0].Total)
	}
}

func TestScoreDiseasesDeniedPenaltyExcludes(t *testing.T) {
	// A denial with no matches drives the raw score negative; the
	// disease must drop out entirely.
	denied := map[string]bool{"cough": true}
	preds := scoreDiseases(scoringDiseases(), map[string]bool{"joint pain": true}, denied)
	for _, p := range preds {
		if p.Disease == "Common Cold" {
			t.Error("Common Cold should be excluded after denial")
		}
	}
}

func TestScoreDiseasesEmpty(t *testing.T) {
	if preds := scoreDiseases(scoringDiseases(), nil, nil); preds != nil {
		t.Errorf("no confirmations should yield nil, got %v", preds)
	}
}

func TestApplyDemographicAdjustments(t *testing.T) {
	in := []Prediction{
		{Disease: "Arthritis", Probability: 50},
		{Disease: "Chicken pox", Probability: 50},
	}
	out := applyDemographicAdjustments(in, "", "senior_citizen")
	if out[0].Disease != "Arthritis" || out[0].Probability != 56 {
		t.Errorf("senior boost: got %s %.1f, want Arthritis 56.0", out[0].Disease, out[0].Probability)
	}
	if out[1].Probability != 44 {
		t.Errorf("childhood discount: got %.1f, want 44.0", out[1].Probability)
	}
	// Input slice must not be mutated.
	if in[0].Probability != 50 {
		t.Error("input predictions were mutated")
	}
}

func TestApplyClinicalContextAdjustments(t *testing.T) {
	in := []Prediction{
		{Disease: "Osteoarthritis", Probability: 50},
		{Disease: "Common Cold", Probability: 50},
	}
	out := applyClinicalContextAdjustments(in, Slots{BodySystem: "musculoskeletal"})
	if out[0].Disease != "Osteoarthritis" {
		t.Fatalf("expected Osteoarthritis first, got %s", out[0].Disease)
	}
	if out[0].Probability != 57.7 || out[1].Probability != 42.3 {
		t.Errorf("got %.1f/%.1f, want 57.7/42.3", out[0].Probability, out[1].Probability)
	}
}

func TestAdjustmentsNoOpOnEmpty(t *testing.T) {
	if out := applyDemographicAdjustments(nil, "male", "adult"); out != nil {
		t.Error("empty input must stay empty")
	}
	if out := applyClinicalContextAdjustments(nil, Slots{}); out != nil {
		t.Error("empty input must stay empty")
	}
}

func TestEvaluatePredictionReliability(t *testing.T) {
	cases := []struct {
		name      string
		preds     []Prediction
		confirmed int
		turns     int
		want      bool
	}{
		{"strong lead", []Prediction{{Probability: 70}, {Probability: 50}}, 1, 3, true},
		{"narrow gap", []Prediction{{Probability: 65}, {Probability: 60}}, 5, 5, false},
		{"low top", []Prediction{{Probability: 55}, {Probability: 10}}, 5, 5, false},
		{"too early", []Prediction{{Probability: 80}, {Probability: 10}}, 1, 1, false},
		{"single prediction", []Prediction{{Probability: 80}}, 2, 0, true},
	}
	for _, c := range cases {
		got := evaluatePredictionReliability(c.preds, c.confirmed, c.turns)
		if got.Reliable != c.want {
			t.Errorf("%s: reliable = %v, want %v", c.name, got.Reliable, c.want)
		}
	}
	zero := evaluatePredictionReliability(nil, 3, 3)
	if zero.Reliable || zero.TopProbability != 0 || zero.ProbabilityGap != 0 {
		t.Errorf("empty predictions must report zeros, got %+v", zero)
	}
}
