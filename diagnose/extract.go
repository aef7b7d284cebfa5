package diagnose

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"triage-backend/dataset"
)

// All extractors here are pure: same text in, same result out, no
// side effects. A non-match returns the zero value with ok=false and
// is a normal outcome, never an error.

var (
	temperatureRe = regexp.MustCompile(`(\d{2,3}(?:\.\d)?)\s*(f|fahrenheit|c|celsius|degree)?`)

	durationDaysRe   = regexp.MustCompile(`(\d+)\s*days?\b`)
	durationWeeksRe  = regexp.MustCompile(`(\d+)\s*weeks?\b`)
	durationMonthsRe = regexp.MustCompile(`(\d+)\s*months?\b`)
	oneDayRe         = regexp.MustCompile(`\b(a|one) day\b`)
	oneWeekRe        = regexp.MustCompile(`\b(a|one) week\b`)
	oneMonthRe       = regexp.MustCompile(`\b(a|one) month\b`)
	coupleDaysRe     = regexp.MustCompile(`\bcouple of days\b`)
	fewDaysRe        = regexp.MustCompile(`\bfew days\b`)
	severalDaysRe    = regexp.MustCompile(`\bseveral days\b`)
	todayRe          = regexp.MustCompile(`\btoday\b|\b1 day\b`)
	yesterdayRe      = regexp.MustCompile(`\byesterday\b`)

	severityDigitRe = regexp.MustCompile(`\b(10|[0-9])\b`)

	progressionWorseRe  = regexp.MustCompile(`\b(worse|worsening|worsened|increasing|getting bad)\b`)
	progressionBetterRe = regexp.MustCompile(`\b(better|improving|improved|less)\b`)
	progressionSameRe   = regexp.MustCompile(`\b(same|unchanged|no change)\b`)

	redFlagYesRe = regexp.MustCompile(`\b(chest pain|severe breathlessness|confusion|fainting|blood in sputum|blood in stool|high fever|unable to walk)\b`)
	redFlagNoRe  = regexp.MustCompile(`\b(no red flag|none|no severe symptom)\b`)

	genderMaleRe   = regexp.MustCompile(`\b(male|man|boy)\b`)
	genderFemaleRe = regexp.MustCompile(`\b(female|woman|girl)\b`)
	genderCustomRe = regexp.MustCompile(`\b(custom|other|non binary|nonbinary|trans|prefer not to say)\b`)

	numericAgeRe = regexp.MustCompile(`\b(?:age|aged)?\s*(\d{1,3})\b`)

	yesRe = regexp.MustCompile(`\b(yes|yeah|yep|present|have|i do)\b`)
	noRe  = regexp.MustCompile(`\b(no|not|none|dont|never)\b`)
)

// extractTemperatureF parses a body temperature in Fahrenheit.
// Celsius readings are converted; plausible values are 92–110°F.
func extractTemperatureF(text string) (float64, bool) {
	m := temperatureRe.FindStringSubmatch(dataset.NormalizeToken(text))
	if m == nil {
		return 0, false
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	if len(m[2]) > 0 && m[2][0] == 'c' {
		return math.Round((value*9/5+32)*10) / 10, true
	}
	if value >= 92 && value <= 110 {
		return value, true
	}
	return 0, false
}

// extractDurationDays maps numeric and canned duration phrases to days.
func extractDurationDays(text string) (int, bool) {
	t := dataset.NormalizeToken(text)
	if m := durationDaysRe.FindStringSubmatch(t); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n, true
	}
	if m := durationWeeksRe.FindStringSubmatch(t); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n * 7, true
	}
	if m := durationMonthsRe.FindStringSubmatch(t); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n * 30, true
	}
	switch {
	case oneDayRe.MatchString(t):
		return 1, true
	case oneWeekRe.MatchString(t):
		return 7, true
	case oneMonthRe.MatchString(t):
		return 30, true
	case coupleDaysRe.MatchString(t):
		return 2, true
	case fewDaysRe.MatchString(t):
		return 3, true
	case severalDaysRe.MatchString(t):
		return 5, true
	case todayRe.MatchString(t):
		return 1, true
	case yesterdayRe.MatchString(t):
		return 2, true
	}
	return 0, false
}

// extractPainSeverity reads a 0–10 scale, digit first, then verbal.
func extractPainSeverity(text string) (int, bool) {
	t := dataset.NormalizeToken(text)
	if m := severityDigitRe.FindStringSubmatch(t); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil && n >= 0 && n <= 10 {
			return n, true
		}
	}
	for _, verbal := range verbalSeverities {
		if verbal.re.MatchString(t) {
			return verbal.level, true
		}
	}
	return 0, false
}

var verbalSeverities = []struct {
	re    *regexp.Regexp
	level int
}{
	{regexp.MustCompile(`\bmild\b`), 3},
	{regexp.MustCompile(`\bmoderate\b`), 5},
	{regexp.MustCompile(`\bsevere\b`), 8},
}

var painLocations = []struct {
	re       *regexp.Regexp
	location string
}{
	{regexp.MustCompile(`\bhead\b`), "head"},
	{regexp.MustCompile(`\bface\b`), "face"},
	{regexp.MustCompile(`\bchest\b`), "chest"},
	{regexp.MustCompile(`\b(stomach|abdomen|abdominal)\b`), "abdomen"},
	{regexp.MustCompile(`\bshoulder\b`), "shoulder"},
	{regexp.MustCompile(`\barm\b`), "arm"},
	{regexp.MustCompile(`\belbow\b`), "elbow"},
	{regexp.MustCompile(`\bwrist\b`), "wrist"},
	{regexp.MustCompile(`\bhand\b`), "hand"},
	{regexp.MustCompile(`\bleg\b`), "leg"},
	{regexp.MustCompile(`\bknee\b`), "knee"},
	{regexp.MustCompile(`\bhip\b`), "hip"},
	{regexp.MustCompile(`\blower back\b`), "lower back"},
	{regexp.MustCompile(`\bback\b`), "back"},
	{regexp.MustCompile(`\bneck\b`), "neck"},
	{regexp.MustCompile(`\bankle\b`), "ankle"},
	{regexp.MustCompile(`\bfoot\b`), "foot"},
	{regexp.MustCompile(`\bjoint\b`), "joint"},
}

// extractPainLocation picks the first match from a fixed vocabulary;
// listed order is precedence ("lower back" before "back").
func extractPainLocation(text string) (string, bool) {
	t := dataset.NormalizeToken(text)
	for _, entry := range painLocations {
		if entry.re.MatchString(t) {
			return entry.location, true
		}
	}
	return "", false
}

var painComplaintRe = regexp.MustCompile(`\b(pain|ache|hurt|hurting|soreness|cramp)`)

func extractChiefComplaint(text string) string {
	if painComplaintRe.MatchString(dataset.NormalizeToken(text)) {
		return "pain"
	}
	return "general"
}

var bodySystems = []struct {
	re     *regexp.Regexp
	system string
}{
	{regexp.MustCompile(`\b(leg|knee|joint|hip|back pain|neck pain|swelling joints|painful walking|muscle)`), "musculoskeletal"},
	{regexp.MustCompile(`\b(cough|breath|chest tight|phlegm|wheeze|sore throat|runny nose|congestion)`), "respiratory"},
	{regexp.MustCompile(`\b(stomach|abdominal|nausea|vomit|diarrhea|constipation|acidity|indigestion|appetite)`), "gastrointestinal"},
	{regexp.MustCompile(`\b(headache|migraine|dizziness|vertigo|numbness|tingling|seizure)`), "neurologic"},
	{regexp.MustCompile(`\b(chest pain|palpitation|heart|blood pressure|bp|fainting)`), "cardiovascular"},
	{regexp.MustCompile(`\b(rash|itch|skin|lesion|patch|blister|redness on skin)`), "dermatologic"},
}

// extractBodySystem classifies the complaint into a body system;
// first keyword group wins.
func extractBodySystem(text string) string {
	t := dataset.NormalizeToken(text)
	for _, entry := range bodySystems {
		if entry.re.MatchString(t) {
			return entry.system
		}
	}
	return "general"
}

func extractProgression(text string) (string, bool) {
	t := dataset.NormalizeToken(text)
	switch {
	case progressionWorseRe.MatchString(t):
		return "worse", true
	case progressionBetterRe.MatchString(t):
		return "better", true
	case progressionSameRe.MatchString(t):
		return "same", true
	}
	return "", false
}

func extractRedFlags(text string) (bool, bool) {
	t := dataset.NormalizeToken(text)
	if redFlagYesRe.MatchString(t) {
		return true, true
	}
	if redFlagNoRe.MatchString(t) {
		return false, true
	}
	return false, false
}

func extractGender(text string) (string, bool) {
	t := dataset.NormalizeToken(text)
	switch {
	case genderMaleRe.MatchString(t):
		return "male", true
	case genderFemaleRe.MatchString(t):
		return "female", true
	case genderCustomRe.MatchString(t):
		return "custom", true
	}
	return "", false
}

var namedAgeGroups = []struct {
	re    *regexp.Regexp
	group string
}{
	{regexp.MustCompile(`\b(infant|newborn|baby)\b`), "infant"},
	{regexp.MustCompile(`\btoddler\b`), "toddler"},
	{regexp.MustCompile(`\b(child|kid|kids|children|minor)\b`), "child"},
	{regexp.MustCompile(`\badolescent\b`), "adolescent"},
	{regexp.MustCompile(`\b(youth|teen|teenager)\b`), "youth"},
	{regexp.MustCompile(`\b(middle aged|middle age)\b`), "middle_aged"},
	{regexp.MustCompile(`\b(senior citizen|senior|elderly|old age)\b`), "senior_citizen"},
	{regexp.MustCompile(`\b(adult|grown)\b`), "adult"},
}

// extractAgeGroup resolves a named group first, then a numeric age.
func extractAgeGroup(text string) (string, bool) {
	t := dataset.NormalizeToken(text)
	for _, entry := range namedAgeGroups {
		if entry.re.MatchString(t) {
			return entry.group, true
		}
	}
	if m := numericAgeRe.FindStringSubmatch(t); m != nil {
		age, err := strconv.Atoi(m[1])
		if err == nil {
			switch {
			case age <= 1:
				return "infant", true
			case age <= 4:
				return "toddler", true
			case age <= 12:
				return "child", true
			case age <= 15:
				return "adolescent", true
			case age <= 24:
				return "youth", true
			case age <= 59:
				return "adult", true
			case age <= 69:
				return "middle_aged", true
			default:
				return "senior_citizen", true
			}
		}
	}
	return "", false
}

type aliasRule struct {
	re     *regexp.Regexp
	tokens []string
}

// Curated aliases from everyday phrasing to dataset vocabulary. A token
// is only added when the dataset actually knows it.
var aliasRules = []aliasRule{
	{regexp.MustCompile(`\bfever\b|\btemperature\b|\bhigh temp\b`), []string{"high fever"}},
	{regexp.MustCompile(`\bcough\b`), []string{"cough"}},
	{regexp.MustCompile(`\bchill|\bshiver`), []string{"chills", "shivering"}},
	{regexp.MustCompile(`\bbody ache|\bbody pain|\bmuscle ache|\bmuscle pain`), []string{"muscle pain"}},
	{regexp.MustCompile(`\bheadache\b`), []string{"headache"}},
	{regexp.MustCompile(`\bsore throat\b`), []string{"throat irritation"}},
	{regexp.MustCompile(`\bnausea\b`), []string{"nausea"}},
	{regexp.MustCompile(`\bvomit`), []string{"vomiting"}},
	{regexp.MustCompile(`\bfatigue|\btired|\bweak`), []string{"fatigue"}},
	{regexp.MustCompile(`\brunny nose|\bblocked nose|\bcongestion`), []string{"runny nose"}},
	// Conservative mapping: one vague leg complaint should not inject a
	// whole musculoskeletal cluster.
	{regexp.MustCompile(`\bleg pain\b|\bpain in (my )?leg\b|\bleg ache\b|\blegs hurt\b`), []string{"joint pain"}},
	{regexp.MustCompile(`\bknee pain\b|\bknee ache\b`), []string{"knee pain", "joint pain", "painful walking"}},
	{regexp.MustCompile(`\bhip pain\b|\bhip joint pain\b`), []string{"hip joint pain", "joint pain", "painful walking"}},
	{regexp.MustCompile(`\bjoint pain\b|\bjoint ache\b`), []string{"joint pain", "swelling joints"}},
	{regexp.MustCompile(`\bpainful walking\b|\bpain while walking\b|\bdifficulty walking\b`), []string{"painful walking"}},
	{regexp.MustCompile(`\bleg swelling\b|\bswollen legs?\b`), []string{"swollen legs", "swelling joints"}},
}

// extractSymptoms finds dataset vocabulary tokens in free text: direct
// word-bounded substring hits, curated aliases, and an inferred high
// fever when the extracted temperature reaches 99.5°F.
func extractSymptoms(text string, ds *dataset.Dataset) map[string]bool {
	normalized := " " + dataset.NormalizeToken(text) + " "
	found := map[string]bool{}

	for _, symptom := range ds.Symptoms {
		if containsWord(normalized, symptom) {
			found[symptom] = true
		}
	}
	t := dataset.NormalizeToken(text)
	for _, rule := range aliasRules {
		if !rule.re.MatchString(t) {
			continue
		}
		for _, token := range rule.tokens {
			if ds.HasSymptom(token) {
				found[token] = true
			}
		}
	}
	if temp, ok := extractTemperatureF(text); ok && temp >= 99.5 && ds.HasSymptom("high fever") {
		found["high fever"] = true
	}
	return found
}

// containsWord checks a space-padded haystack for a token bounded by
// word edges.
func containsWord(paddedText, token string) bool {
	return strings.Contains(paddedText, " "+token+" ")
}

// yesNoFromText maps free-text answers onto yes/no when possible.
func yesNoFromText(text string) string {
	t := dataset.NormalizeToken(text)
	if yesRe.MatchString(t) {
		return "yes"
	}
	if noRe.MatchString(t) {
		return "no"
	}
	return ""
}
