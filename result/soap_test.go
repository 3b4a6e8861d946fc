package result

import "testing"

func TestSplitShortForm(t *testing.T) {
	s, ok := Split("S:sore throat.O:temp 101F.A:strep.P:amoxicillin")
	if !ok {
		t.Fatal("no sections")
	}
	want := Sections{Subjective: "sore throat.", Objective: "temp 101F.", Assessment: "strep.", Plan: "amoxicillin"}
	if s != want {
		t.Errorf("got %+v", s)
	}
}

func TestSplitLongForm(t *testing.T) {
	note := "SUBJECTIVE:\nFever for 3 days\n\nOBJECTIVE:\nBP: 120/80\n\nASSESSMENT:\nViral URI\n\nPLAN:\n- Rest\n- Fluids"
	s, ok := Split(note)
	if !ok {
		t.Fatal("no sections")
	}
	if s.Objective != "BP: 120/80" {
		t.Errorf("objective = %q", s.Objective)
	}
	if s.Plan != "- Rest\n- Fluids" {
		t.Errorf("plan = %q", s.Plan)
	}
	if got := s.Format(); got != note {
		t.Errorf("Format round trip:\n%s", got)
	}
}

func TestSplitOutOfOrderHeadingIsText(t *testing.T) {
	s, ok := Split("S: patient says plan A: rest. O: normal")
	if !ok {
		t.Fatal("no sections")
	}
	if s.Assessment != "rest. O: normal" || s.Objective != "" {
		t.Errorf("got %+v", s)
	}
}

func TestSplitNoHeadings(t *testing.T) {
	if _, ok := Split("free text note"); ok {
		t.Fatal("expected no sections")
	}
}
