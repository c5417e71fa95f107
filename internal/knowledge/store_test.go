package knowledge

import (
	"fmt"
	"testing"
)

func TestStore_AppendOnly(t *testing.T) {
	s := NewStore(0)
	s.Append(Item{Question: "q1", Answer: "a1", Type: TypeQA})
	s.Append(Item{Question: "q2", Answer: "a2", Type: TypeSideInfo})
	if s.Len() != 2 {
		t.Fatalf("expected 2 items, got %d", s.Len())
	}
	all := s.All()
	if all[0].Question != "q1" || all[1].Question != "q2" {
		t.Fatalf("items out of order: %+v", all)
	}
	if all[0].Timestamp.IsZero() {
		t.Fatal("append should stamp items")
	}
}

func TestStore_RecentHonorsCap(t *testing.T) {
	s := NewStore(5)
	for i := 0; i < 12; i++ {
		s.Append(Item{Question: fmt.Sprintf("q%d", i), Type: TypeQA})
	}
	recent := s.Recent()
	if len(recent) != 5 {
		t.Fatalf("expected 5 recent items, got %d", len(recent))
	}
	if recent[0].Question != "q7" || recent[4].Question != "q11" {
		t.Fatalf("wrong window: first=%s last=%s", recent[0].Question, recent[4].Question)
	}
	// The full log is retained.
	if s.Len() != 12 {
		t.Fatalf("cap must not drop items, got %d", s.Len())
	}
}

func TestDiary_ResetClearsNarrativeOnly(t *testing.T) {
	s := NewStore(0)
	var d Diary
	d.Addf("At step %d, you took the **search** action.", 1)
	d.Add("At step 2, you visited a URL.")
	s.Append(Item{Question: "q", Answer: "a", Type: TypeErrorAnalysis})

	if d.Len() != 2 {
		t.Fatalf("expected 2 diary entries, got %d", d.Len())
	}
	d.Reset()
	if d.Len() != 0 {
		t.Fatalf("diary should be empty after reset, got %d", d.Len())
	}
	if s.Len() != 1 {
		t.Fatal("knowledge must survive a diary reset")
	}
}

func TestDiary_IgnoresEmptyEntry(t *testing.T) {
	var d Diary
	d.Add("")
	if d.Len() != 0 {
		t.Fatal("empty entries should be dropped")
	}
}
