package diagnose

import (
	"strings"
	"testing"
)

func TestHasMedicalIntent(t *testing.T) {
	ds := testDataset(t)
	cases := []struct {
		in   string
		want bool
	}{
		{"I have a headache and fever", true},
		{"my knee pain is getting worse", true},
		{"I think I need a doctor", true},
		{"what are the symptoms of dengue", false},
		{"tell me the signs of malaria", false},
		{"hello there", false},
		{"the weather is nice today", false},
	}
	for _, c := range cases {
		if got := hasMedicalIntent(c.in, ds); got != c.want {
			t.Errorf("hasMedicalIntent(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestPickDiseaseFromSymptomQuery(t *testing.T) {
	ds := testDataset(t)
	d := pickDiseaseFromSymptomQuery("what are the symptoms of dengue", ds)
	if d == nil || d.Name != "Dengue" {
		t.Fatalf("got %v, want Dengue", d)
	}
	d = pickDiseaseFromSymptomQuery("symptoms of the common cold disease", ds)
	if d == nil || d.Name != "Common Cold" {
		t.Fatalf("got %v, want Common Cold", d)
	}
	if d := pickDiseaseFromSymptomQuery("what are the symptoms of snorkeling", ds); d != nil {
		t.Errorf("unknown disease should yield nil, got %s", d.Name)
	}
	if d := pickDiseaseFromSymptomQuery("I have a headache", ds); d != nil {
		t.Errorf("non-query text should yield nil, got %s", d.Name)
	}
}

func TestInformationalDiseaseReply(t *testing.T) {
	ds := testDataset(t)
	reply := informationalDiseaseReply("what are the symptoms of dengue", ds)
	if reply == "" {
		t.Fatal("expected a fact sheet")
	}
	if !strings.Contains(reply, "**Dengue**") {
		t.Error("reply missing disease name")
	}
	if !strings.Contains(reply, "educational information, not a diagnosis") {
		t.Error("reply missing educational disclaimer")
	}
	if informationalDiseaseReply("I feel terrible", ds) != "" {
		t.Error("non-informational text must produce no fact sheet")
	}
}

func TestGeneralChatReply(t *testing.T) {
	if r := generalChatReply("hello"); !strings.Contains(r, "Hello") {
		t.Errorf("greeting reply = %q", r)
	}
	if r := generalChatReply("thanks a lot"); !strings.Contains(r, "welcome") {
		t.Errorf("thanks reply = %q", r)
	}
	if r := generalChatReply("any advice on diet?"); !strings.Contains(r, "dietary habits") {
		t.Errorf("diet reply = %q", r)
	}
	if r := generalChatReply("zzz"); !strings.Contains(r, "normal conversation") {
		t.Errorf("catch-all reply = %q", r)
	}
}
