package diagnose

import (
	"math"
	"sort"
	"strings"

	"triage-backend/dataset"
)

// Prediction is one ranked disease, recomputed every turn from the
// confirmed/denied sets. Probabilities sum to 100 across the returned
// list, not across all diseases.
type Prediction struct {
	Disease     string  `json:"disease"`
	Probability float64 `json:"probability"`
	Matched     int     `json:"matched"`
	Total       int     `json:"total"`
}

const (
	deniedPenalty = 0.18
	matchBonus    = 0.03
)

// scoreDiseases ranks diseases by symptom overlap. Diseases whose raw
// score drops to zero or below are excluded; an empty result means "no
// prediction", not an error.
func scoreDiseases(diseases []dataset.Disease, confirmed, denied map[string]bool) []Prediction {
	type scored struct {
		disease string
		score   float64
		matched int
		total   int
	}
	var kept []scored
	for i := range diseases {
		d := &diseases[i]
		matched, deniedHits := 0, 0
		for _, s := range d.Symptoms {
			if confirmed[s] {
				matched++
			}
			if denied[s] {
				deniedHits++
			}
		}
		total := len(d.Symptoms)
		if total == 0 {
			total = 1
		}
		score := float64(matched)/float64(total) - float64(deniedHits)*deniedPenalty
		if matched > 0 {
			score += matchBonus
		}
		if score > 0 {
			kept = append(kept, scored{d.Name, score, matched, total})
		}
	}
	if len(kept) == 0 {
		return nil
	}
	var sum float64
	for _, s := range kept {
		sum += s.score
	}
	out := make([]Prediction, len(kept))
	for i, s := range kept {
		out[i] = Prediction{
			Disease:     s.disease,
			Probability: round1(s.score / sum * 100),
			Matched:     s.matched,
			Total:       s.total,
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Probability > out[j].Probability })
	return out
}

func nameMatches(disease string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(disease, n) {
			return true
		}
	}
	return false
}

// applyDemographicAdjustments reweights probabilities by age group and
// gender pattern matches against the disease name, then renormalizes.
// No-op on an empty list.
func applyDemographicAdjustments(predictions []Prediction, gender, ageGroup string) []Prediction {
	if len(predictions) == 0 {
		return predictions
	}
	weighted := make([]Prediction, len(predictions))
	copy(weighted, predictions)
	for i := range weighted {
		disease := strings.ToLower(weighted[i].Disease)
		factor := 1.0

		switch ageGroup {
		case "senior_citizen", "middle_aged":
			if nameMatches(disease, "osteoarthritis", "arthritis", "varicose veins", "hypertension", "heart attack") {
				factor *= 1.12
			}
			if nameMatches(disease, "chicken pox", "acne", "impetigo") {
				factor *= 0.88
			}
		case "infant", "toddler", "child":
			if nameMatches(disease, "chicken pox", "common cold", "bronchial asthma", "allergy", "impetigo") {
				factor *= 1.1
			}
			if nameMatches(disease, "osteoarthritis", "varicose veins") {
				factor *= 0.8
			}
		case "adolescent", "youth":
			if nameMatches(disease, "acne", "allergy", "migraine") {
				factor *= 1.08
			}
			if nameMatches(disease, "osteoarthritis", "varicose veins") {
				factor *= 0.85
			}
		}

		switch gender {
		case "female":
			if nameMatches(disease, "urinary tract infection", "uti") {
				factor *= 1.08
			}
			if nameMatches(disease, "prostate") {
				factor *= 0.7
			}
		case "male":
			if nameMatches(disease, "prostate") {
				factor *= 1.15
			}
			if nameMatches(disease, "urinary tract infection", "uti") {
				factor *= 0.95
			}
		}

		weighted[i].Probability = math.Max(0.1, weighted[i].Probability*factor)
	}
	return renormalize(weighted, predictions)
}

// applyClinicalContextAdjustments reweights by body system, pain flags,
// severity thresholds, progression and red flags. Must run after the
// demographic pass; renormalization assumes that order.
func applyClinicalContextAdjustments(predictions []Prediction, slots Slots) []Prediction {
	if len(predictions) == 0 {
		return predictions
	}
	weighted := make([]Prediction, len(predictions))
	copy(weighted, predictions)
	for i := range weighted {
		disease := strings.ToLower(weighted[i].Disease)
		factor := 1.0

		switch slots.BodySystem {
		case "musculoskeletal":
			if nameMatches(disease, "osteoarthritis", "arthritis", "varicose veins") {
				factor *= 1.12
			}
			if nameMatches(disease, "common cold", "pneumonia", "tuberculosis") {
				factor *= 0.82
			}
		case "respiratory":
			if nameMatches(disease, "common cold", "pneumonia", "tuberculosis", "bronchial asthma") {
				factor *= 1.12
			}
			if nameMatches(disease, "osteoarthritis", "arthritis", "varicose veins") {
				factor *= 0.86
			}
		case "gastrointestinal":
			if nameMatches(disease, "gastroenteritis", "gerd", "peptic ulcer", "jaundice", "typhoid", "hepatitis") {
				factor *= 1.1
			}
			if nameMatches(disease, "osteoarthritis", "migraine") {
				factor *= 0.88
			}
		case "neurologic":
			if nameMatches(disease, "migraine", "cervical spondylosis", "paralysis", "vertigo") {
				factor *= 1.1
			}
		case "dermatologic":
			if nameMatches(disease, "fungal infection", "allergy", "psoriasis", "acne", "impetigo", "chicken pox") {
				factor *= 1.1
			}
		}

		if slots.PainSwelling != nil && *slots.PainSwelling {
			if nameMatches(disease, "arthritis", "osteoarthritis", "varicose veins") {
				factor *= 1.12
			}
		}
		if slots.PainFever != nil && *slots.PainFever {
			if nameMatches(disease, "infection", "flu", "dengue", "malaria") {
				factor *= 1.1
			}
		}
		if slots.PainInjury != nil && *slots.PainInjury {
			if nameMatches(disease, "arthritis", "osteoarthritis") {
				factor *= 0.92
			}
		}
		if slots.SymptomSeverity != nil {
			if *slots.SymptomSeverity >= 8 && nameMatches(disease, "common cold", "acne") {
				factor *= 0.9
			}
			if *slots.SymptomSeverity <= 3 && nameMatches(disease, "heart attack", "pneumonia", "dengue") {
				factor *= 0.9
			}
		}
		switch slots.Progression {
		case "worse":
			factor *= 1.05
		case "better":
			factor *= 0.96
		}
		if slots.RedFlagsPresent != nil && *slots.RedFlagsPresent {
			if nameMatches(disease, "heart attack", "pneumonia", "tuberculosis", "dengue") {
				factor *= 1.08
			}
		}

		weighted[i].Probability = math.Max(0.1, weighted[i].Probability*factor)
	}
	return renormalize(weighted, predictions)
}

// renormalize rescales weighted probabilities to sum 100 and re-sorts.
// Falls back to the unweighted input if the sum degenerated to zero.
func renormalize(weighted, original []Prediction) []Prediction {
	var sum float64
	for _, p := range weighted {
		sum += p.Probability
	}
	if sum == 0 {
		return original
	}
	for i := range weighted {
		weighted[i].Probability = round1(weighted[i].Probability / sum * 100)
	}
	sort.SliceStable(weighted, func(i, j int) bool { return weighted[i].Probability > weighted[j].Probability })
	return weighted
}

// Reliability is the gate deciding whether local scoring may finalize.
type Reliability struct {
	Reliable       bool
	TopProbability float64
	ProbabilityGap float64
}

// evaluatePredictionReliability: reliable iff the top probability is at
// least 62, leads the runner-up by 12 or more, and the dialogue has
// either two confirmed symptoms or two completed turns.
func evaluatePredictionReliability(predictions []Prediction, confirmedCount, turns int) Reliability {
	if len(predictions) == 0 {
		return Reliability{}
	}
	top := predictions[0]
	gap := top.Probability
	if len(predictions) > 1 {
		gap = top.Probability - predictions[1].Probability
	}
	reliable := top.Probability >= 62 && gap >= 12 && (confirmedCount >= 2 || turns >= 2)
	return Reliability{Reliable: reliable, TopProbability: top.Probability, ProbabilityGap: gap}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
