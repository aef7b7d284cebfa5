package diagnose

import (
	"encoding/json"
	"sort"
)

// Canonical kind tags on persisted session payloads.
const (
	KindFollowupState  = "followup_state"
	KindFinalDiagnosis = "final_diagnosis"
)

// Slots is the structured context extracted across the dialogue,
// distinct from symptom tokens.
type Slots struct {
	Gender          string   `json:"gender,omitempty"`
	AgeGroup        string   `json:"ageGroup,omitempty"`
	TemperatureF    *float64 `json:"temperatureF,omitempty"`
	DurationDays    *int     `json:"durationDays,omitempty"`
	ChiefComplaint  string   `json:"chiefComplaint,omitempty"`
	BodySystem      string   `json:"bodySystem,omitempty"`
	PainLocation    string   `json:"painLocation,omitempty"`
	PainSeverity    *int     `json:"painSeverity,omitempty"`
	PainSwelling    *bool    `json:"painSwelling,omitempty"`
	PainRedness     *bool    `json:"painRedness,omitempty"`
	PainInjury      *bool    `json:"painInjury,omitempty"`
	PainFever       *bool    `json:"painFever,omitempty"`
	SymptomSeverity *int     `json:"symptomSeverity,omitempty"`
	Progression     string   `json:"progression,omitempty"`
	RedFlagsPresent *bool    `json:"redFlagsPresent,omitempty"`
}

// FollowupState is the per-session dialogue state persisted between
// turns. At most one pending state exists per session; writing a new
// one supersedes the previous.
type FollowupState struct {
	Kind                   string   `json:"kind"`
	Pending                bool     `json:"pending"`
	Turns                  int      `json:"turns"`
	MaxTurns               int      `json:"maxTurns"`
	ConfirmedSymptoms      []string `json:"confirmedSymptoms"`
	DeniedSymptoms         []string `json:"deniedSymptoms"`
	AskedSymptoms          []string `json:"askedSymptoms"`
	TopCandidates          []string `json:"topCandidates"`
	CurrentQuestionID      string   `json:"currentQuestionId"`
	CurrentQuestionText    string   `json:"currentQuestionText"`
	CurrentQuestionChoices []string `json:"currentQuestionChoices,omitempty"`
	Slots                  Slots    `json:"slots"`
}

// PredictionOut is the wire form of one ranked disease.
type PredictionOut struct {
	Disease     string  `json:"disease"`
	Probability float64 `json:"probability"`
}

type Demographics struct {
	Gender   *string `json:"gender"`
	AgeGroup *string `json:"age_group"`
}

type DiseaseInfo struct {
	Description string   `json:"description"`
	Precautions []string `json:"precautions"`
}

type ComparisonSide struct {
	Diagnosis      string          `json:"diagnosis"`
	Confidence     float64         `json:"confidence"`
	TopPredictions []PredictionOut `json:"top_predictions"`
}

type Comparison struct {
	Dataset ComparisonSide  `json:"dataset"`
	OpenAI  *ComparisonSide `json:"openai"`
}

// FinalDiagnosis is the terminal record for a session. Once persisted
// the dialogue never re-enters for that session.
type FinalDiagnosis struct {
	Kind                   string          `json:"kind,omitempty"`
	Diagnosis              string          `json:"diagnosis"`
	Confidence             float64         `json:"confidence"`
	DiagnosisType          string          `json:"diagnosis_type,omitempty"`
	TopPredictions         []PredictionOut `json:"top_predictions"`
	ConfirmedSymptoms      []string        `json:"confirmed_symptoms"`
	FollowupsAsked         int             `json:"followups_asked"`
	Demographics           Demographics    `json:"demographics"`
	DiseaseInfo            DiseaseInfo     `json:"disease_info"`
	Source                 string          `json:"source"`
	ConsideredPriorHistory bool            `json:"considered_prior_history"`
	Comparison             *Comparison     `json:"comparison,omitempty"`
}

// decodeStatePayload matches one tagged JSON payload exhaustively:
// a pending FollowupState, a FinalDiagnosis, or neither. Records from
// before the kind tag existed are recognized by shape.
func decodeStatePayload(raw []byte) (*FollowupState, *FinalDiagnosis) {
	var probe struct {
		Kind           string          `json:"kind"`
		Diagnosis      string          `json:"diagnosis"`
		TopPredictions json.RawMessage `json:"top_predictions"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, nil
	}
	switch probe.Kind {
	case KindFollowupState:
		var st FollowupState
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, nil
		}
		if !st.Pending || st.CurrentQuestionID == "" || st.CurrentQuestionText == "" {
			return nil, nil
		}
		if st.MaxTurns == 0 {
			st.MaxTurns = defaultMaxTurns
		}
		return &st, nil
	case KindFinalDiagnosis:
		var fd FinalDiagnosis
		if err := json.Unmarshal(raw, &fd); err != nil {
			return nil, nil
		}
		return nil, &fd
	default:
		// Legacy untyped final records carry diagnosis + top_predictions.
		if probe.Diagnosis != "" && len(probe.TopPredictions) > 0 {
			var fd FinalDiagnosis
			if err := json.Unmarshal(raw, &fd); err != nil {
				return nil, nil
			}
			fd.Kind = KindFinalDiagnosis
			return nil, &fd
		}
		return nil, nil
	}
}

func toDemographics(slots Slots) Demographics {
	var d Demographics
	if slots.Gender != "" {
		g := slots.Gender
		d.Gender = &g
	}
	if slots.AgeGroup != "" {
		a := slots.AgeGroup
		d.AgeGroup = &a
	}
	return d
}

// setToSorted materializes a membership set deterministically; order is
// irrelevant to scoring but stable output keeps payloads diffable.
func setToSorted(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
