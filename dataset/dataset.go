// Package dataset loads the symptom/disease CSV files into an immutable
// in-memory structure shared for the process lifetime.
package dataset

import (
	"encoding/csv"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
)

type Disease struct {
	Name     string
	Symptoms []string

	symptomSet map[string]struct{}
}

// HasSymptom reports membership of a normalized token in the disease profile.
func (d *Disease) HasSymptom(token string) bool {
	_, ok := d.symptomSet[token]
	return ok
}

// Dataset is immutable after load. When Loaded is false the data
// directory was missing and every lookup degrades to empty results.
type Dataset struct {
	Loaded       bool
	Symptoms     []string
	Diseases     []Disease
	Descriptions map[string]string
	Precautions  map[string][]string

	symptomSet map[string]struct{}
}

// HasSymptom reports whether token exists in the dataset vocabulary.
func (d *Dataset) HasSymptom(token string) bool {
	_, ok := d.symptomSet[token]
	return ok
}

var (
	separatorRe  = regexp.MustCompile(`[_-]+`)
	nonWordRe    = regexp.MustCompile(`[^a-zA-Z0-9_\s.]`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// NormalizeToken lowercases, maps underscores/hyphens to spaces, strips
// punctuation except periods and collapses whitespace.
func NormalizeToken(value string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	v = separatorRe.ReplaceAllString(v, " ")
	v = nonWordRe.ReplaceAllString(v, " ")
	v = whitespaceRe.ReplaceAllString(v, " ")
	return strings.TrimSpace(v)
}

// Loader memoizes one Dataset for the process lifetime. Safe under
// concurrent first access; the load runs exactly once.
type Loader struct {
	dir  string
	once sync.Once
	ds   *Dataset
}

// NewLoader resolves the data directory eagerly so a misconfigured path
// is visible at boot. Candidates: the DATASET_DIR env var, then the
// conventional local locations.
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

// Load returns the memoized dataset, parsing the CSVs on first call.
// It never fails: a missing directory yields a sentinel not-loaded
// dataset and downstream logic degrades to fallback replies.
func (l *Loader) Load() *Dataset {
	l.once.Do(func() {
		l.ds = load(l.dir)
	})
	return l.ds
}

// FindDataDir returns the first existing candidate data directory, or "".
func FindDataDir() string {
	candidates := []string{
		os.Getenv("DATASET_DIR"),
		"data",
		filepath.Join("..", "data"),
	}
	for _, dir := range candidates {
		if dir == "" {
			continue
		}
		if st, err := os.Stat(dir); err == nil && st.IsDir() {
			return dir
		}
	}
	return ""
}

func load(dir string) *Dataset {
	empty := &Dataset{
		Descriptions: map[string]string{},
		Precautions:  map[string][]string{},
		symptomSet:   map[string]struct{}{},
	}
	if dir == "" {
		return empty
	}

	matrix, err := readCSV(filepath.Join(dir, "dataset_cleaned.csv"))
	if err != nil {
		log.Printf("ERROR dataset matrix: %v", err)
		return empty
	}
	desc, err := readCSV(filepath.Join(dir, "symptom_description_cleaned.csv"))
	if err != nil {
		log.Printf("ERROR dataset descriptions: %v", err)
		return empty
	}
	prec, err := readCSV(filepath.Join(dir, "symptom_precaution_cleaned.csv"))
	if err != nil {
		log.Printf("ERROR dataset precautions: %v", err)
		return empty
	}

	symptomSet := map[string]struct{}{}
	diseaseOrder := []string{}
	diseaseSymptoms := map[string]map[string]struct{}{}
	for i := 1; i < len(matrix); i++ {
		row := matrix[i]
		if len(row) == 0 {
			continue
		}
		disease := strings.TrimSpace(row[0])
		if disease == "" {
			continue
		}
		entry, ok := diseaseSymptoms[disease]
		if !ok {
			entry = map[string]struct{}{}
			diseaseSymptoms[disease] = entry
			diseaseOrder = append(diseaseOrder, disease)
		}
		for j := 1; j < len(row); j++ {
			sym := NormalizeToken(row[j])
			if sym == "" {
				continue
			}
			entry[sym] = struct{}{}
			symptomSet[sym] = struct{}{}
		}
	}

	descriptions := map[string]string{}
	for i := 1; i < len(desc); i++ {
		row := desc[i]
		if len(row) == 0 || strings.TrimSpace(row[0]) == "" {
			continue
		}
		if len(row) > 1 {
			descriptions[strings.TrimSpace(row[0])] = strings.TrimSpace(row[1])
		}
	}

	precautions := map[string][]string{}
	for i := 1; i < len(prec); i++ {
		row := prec[i]
		if len(row) == 0 || strings.TrimSpace(row[0]) == "" {
			continue
		}
		var list []string
		for _, v := range row[1:] {
			if v = strings.TrimSpace(v); v != "" {
				list = append(list, v)
			}
		}
		precautions[strings.TrimSpace(row[0])] = list
	}

	ds := &Dataset{
		Loaded:       true,
		Descriptions: descriptions,
		Precautions:  precautions,
		symptomSet:   symptomSet,
	}
	for sym := range symptomSet {
		ds.Symptoms = append(ds.Symptoms, sym)
	}
	sort.Strings(ds.Symptoms)
	for _, name := range diseaseOrder {
		set := diseaseSymptoms[name]
		d := Disease{Name: name, symptomSet: set}
		for sym := range set {
			d.Symptoms = append(d.Symptoms, sym)
		}
		sort.Strings(d.Symptoms)
		ds.Diseases = append(ds.Diseases, d)
	}
	return ds
}

// readCSV parses a whole file tolerating ragged rows, quoted fields with
// embedded delimiters/newlines and both \n and \r\n endings. Rows whose
// cells are all blank are dropped.
func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	var rows [][]string
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		blank := true
		for i := range row {
			row[i] = strings.TrimSpace(row[i])
			if row[i] != "" {
				blank = false
			}
		}
		if !blank {
			rows = append(rows, row)
		}
	}
	return rows, nil
}
