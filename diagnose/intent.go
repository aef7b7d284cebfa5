package diagnose

import (
	"fmt"
	"regexp"
	"strings"

	"triage-backend/dataset"
)

var (
	infoVerbRe    = regexp.MustCompile(`\b(what|which|tell|explain|list)\b`)
	symptomWordRe = regexp.MustCompile(`\b(symptom|symptoms|sign|signs)\b`)
	firstPersonRe = regexp.MustCompile(`\b(i|im|i am|my|me|mine|feeling|feel|having|suffering|experienced|experiencing)\b`)

	diseaseQueryRe = regexp.MustCompile(`\b(?:symptom|symptoms|sign|signs)\s+(?:of|for)\s+([a-z0-9 .]{2,80})$`)
	fillerWordsRe  = regexp.MustCompile(`\b(disease|condition|infection|disorder)\b`)

	greetingRe  = regexp.MustCompile(`\b(hi|hello|hey)\b`)
	howAreYouRe = regexp.MustCompile(`\b(how are you|how r u|whats up)\b`)
	thanksRe    = regexp.MustCompile(`\b(thank you|thanks)\b`)
	dietRe      = regexp.MustCompile(`\b(diet|dietary|nutrition|healthy eating|food habits|eating habits)\b`)
)

var medicalKeywords = []string{
	"symptom", "symptoms", "disease", "diagnose", "diagnosis", "pain",
	"fever", "cough", "cold", "infection", "vomit", "nausea", "headache",
	"stomach", "medicine", "medication", "doctor", "clinic", "hospital",
	"rash", "allergy", "blood pressure", "sugar", "diabetes",
}

// hasMedicalIntent decides whether a message should enter the triage
// flow. Informational "what are the symptoms of X" queries are not
// medical: they get a fact sheet, never a dialogue.
func hasMedicalIntent(text string, ds *dataset.Dataset) bool {
	normalized := dataset.NormalizeToken(text)
	if normalized == "" {
		return false
	}
	if len(extractSymptoms(text, ds)) > 0 {
		return true
	}
	if infoVerbRe.MatchString(normalized) && symptomWordRe.MatchString(normalized) {
		return false
	}
	hasKeyword := false
	for _, k := range medicalKeywords {
		if strings.Contains(normalized, k) {
			hasKeyword = true
			break
		}
	}
	if !hasKeyword {
		return false
	}
	return firstPersonRe.MatchString(normalized)
}

// pickDiseaseFromSymptomQuery resolves the disease named in an
// informational query by best-substring match: exact name 100,
// containment either direction 80/70.
func pickDiseaseFromSymptomQuery(text string, ds *dataset.Dataset) *dataset.Disease {
	normalized := dataset.NormalizeToken(text)
	if !symptomWordRe.MatchString(normalized) {
		return nil
	}
	m := diseaseQueryRe.FindStringSubmatch(normalized)
	if m == nil {
		return nil
	}
	raw := strings.TrimSpace(fillerWordsRe.ReplaceAllString(m[1], ""))
	if raw == "" {
		return nil
	}
	query := dataset.NormalizeToken(raw)

	var best *dataset.Disease
	bestScore := 0
	for i := range ds.Diseases {
		d := &ds.Diseases[i]
		name := dataset.NormalizeToken(d.Name)
		score := 0
		switch {
		case name == query:
			score = 100
		case strings.Contains(name, query):
			score = 80
		case strings.Contains(query, name):
			score = 70
		}
		if score > bestScore {
			best = d
			bestScore = score
		}
	}
	return best
}

// informationalDiseaseReply builds the canned fact sheet for an
// informational disease query, or "" when none was recognized.
func informationalDiseaseReply(text string, ds *dataset.Dataset) string {
	disease := pickDiseaseFromSymptomQuery(text, ds)
	if disease == nil {
		return ""
	}

	listed := disease.Symptoms
	if len(listed) > 10 {
		listed = listed[:10]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Common symptoms of **%s**:\n", disease.Name)
	if len(listed) == 0 {
		b.WriteString("Symptoms are not available in the local dataset for this condition.")
	} else {
		for i, s := range listed {
			fmt.Fprintf(&b, "%d. %s", i+1, formatSymptom(s))
			if i < len(listed)-1 {
				b.WriteString("\n")
			}
		}
	}
	if desc := ds.Descriptions[disease.Name]; desc != "" {
		fmt.Fprintf(&b, "\n\nAbout %s: %s", disease.Name, desc)
	}
	precautions := ds.Precautions[disease.Name]
	if len(precautions) > 4 {
		precautions = precautions[:4]
	}
	if len(precautions) > 0 {
		b.WriteString("\n\nGeneral precautions:")
		for i, p := range precautions {
			fmt.Fprintf(&b, "\n%d. %s", i+1, p)
		}
	}
	b.WriteString("\n\nThis is educational information, not a diagnosis.")
	return b.String()
}

// generalChatReply answers non-medical small talk with fixed texts.
// It never touches dialogue state or scoring.
func generalChatReply(text string) string {
	t := dataset.NormalizeToken(text)
	switch {
	case greetingRe.MatchString(t):
		return "Hello. I can chat normally, and whenever you share a medical issue or symptoms, I will start the diagnosis flow."
	case howAreYouRe.MatchString(t):
		return "I am here and ready to help. If you want health guidance, share your symptoms and I will begin assessment questions."
	case thanksRe.MatchString(t):
		return "You're welcome. Share any symptoms anytime when you want a medical assessment."
	case dietRe.MatchString(t):
		return strings.Join([]string{
			"Healthy dietary habits:",
			"1. Build meals around vegetables, fruits, whole grains, and lean proteins.",
			"2. Prefer water over sugary drinks and limit alcohol.",
			"3. Keep processed foods, excess salt, and added sugar low.",
			"4. Use portion control and eat slowly to avoid overeating.",
			"5. Include healthy fats (nuts, seeds, olive oil) in moderate amounts.",
			"6. Maintain regular meal timing and avoid late heavy meals.",
		}, "\n")
	}
	return "I can continue normal conversation. When you want a health prediction, describe your medical issue or symptoms."
}
