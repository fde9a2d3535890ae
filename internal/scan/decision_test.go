package scan

import (
	"testing"
)

func candidateSet(names ...string) []*Candidate {
	out := make([]*Candidate, len(names))
	for i, n := range names {
		out[i] = &Candidate{Name: n, Ordinal: i + 1, Priority: PKPriority(n), Selectivity: map[int]float64{}}
	}
	return out
}

func TestDecide_PerfectSingleWins(t *testing.T) {
	t.Parallel()

	var e Engine
	cands := candidateSet("OrderID", "Status")
	d := e.Decide(Step{Number: 1}, cands, nil, map[string]float64{
		"OrderID": 1.0,
		"Status":  0.1,
	})
	if !d.PKFound {
		t.Fatal("perfect candidate not found")
	}
	if len(d.PKColumns) != 1 || d.PKColumns[0] != "OrderID" {
		t.Errorf("PKColumns = %v", d.PKColumns)
	}
	if d.BestSelectivity != 1.0 {
		t.Errorf("BestSelectivity = %v", d.BestSelectivity)
	}
}

func TestDecide_PerfectCompositeWins(t *testing.T) {
	t.Parallel()

	var e Engine
	cands := candidateSet("OrderID", "LineNo")
	comps := []Composite{{Columns: []string{"OrderID", "LineNo"}}}
	d := e.Decide(Step{Number: 3}, cands, comps, map[string]float64{
		"OrderID":          0.998,
		"LineNo":           0.3,
		"OrderID + LineNo": 1.0,
	})
	if !d.PKFound {
		t.Fatal("perfect composite not found")
	}
	if len(d.PKColumns) != 2 {
		t.Errorf("PKColumns = %v", d.PKColumns)
	}
}

func TestDecide_EliminationByThreshold(t *testing.T) {
	t.Parallel()

	var e Engine
	cands := candidateSet("A", "B", "C")
	d := e.Decide(Step{Number: 1}, cands, nil, map[string]float64{
		"A": 0.9,
		"B": 0.5, // exactly at the step-1 threshold: survives
		"C": 0.4, // below: eliminated
	})
	if len(d.Promoted) != 2 {
		t.Errorf("promoted = %d, want 2", len(d.Promoted))
	}
	if len(d.Eliminated) != 1 || d.Eliminated[0] != "C" {
		t.Errorf("eliminated = %v", d.Eliminated)
	}
	if !cands[2].Eliminated() || cands[2].EliminatedAtStep != 1 {
		t.Errorf("candidate C not marked eliminated: %+v", cands[2])
	}
	if cands[2].EliminationReason == "" {
		t.Error("elimination reason not recorded")
	}
}

func TestDecide_EliminatedStaysEliminated(t *testing.T) {
	t.Parallel()

	var e Engine
	cands := candidateSet("A", "B")
	cands[1].EliminatedAtStep = 1

	d := e.Decide(Step{Number: 2}, cands, nil, map[string]float64{
		"A": 0.9,
		"B": 1.0, // would be perfect, but it is out of play
	})
	if d.PKFound {
		t.Error("eliminated candidate revived as perfect")
	}
	for _, p := range d.Promoted {
		if p.Name == "B" {
			t.Error("eliminated candidate promoted")
		}
	}
}

func TestDecide_CompositeDropKeepsMembers(t *testing.T) {
	t.Parallel()

	var e Engine
	cands := candidateSet("A", "B")
	comps := []Composite{{Columns: []string{"A", "B"}}}
	d := e.Decide(Step{Number: 3}, cands, comps, map[string]float64{
		"A":     0.5,
		"B":     0.4,
		"A + B": 0.1, // below the step-3 threshold
	})
	if len(d.PromotedComposites) != 0 {
		t.Errorf("composite should be dropped, got %v", d.PromotedComposites)
	}
	if len(d.Promoted) != 2 {
		t.Errorf("member columns must survive a composite drop, promoted = %d", len(d.Promoted))
	}
}

func TestDecide_EscalatesAtStep4(t *testing.T) {
	t.Parallel()

	var e Engine
	cands := candidateSet("A")
	d := e.Decide(Step{Number: 4}, cands, nil, map[string]float64{"A": 0.6})
	if !d.Escalate {
		t.Fatal("expected escalation below 80% at step 4")
	}
	if d.EscalationReason == "" {
		t.Error("escalation reason missing")
	}

	// Same selectivity at step 3 does not escalate.
	cands = candidateSet("A")
	d = e.Decide(Step{Number: 3}, cands, nil, map[string]float64{"A": 0.6})
	if d.Escalate {
		t.Error("step 3 must not apply the escalation checkpoint")
	}
}

func TestDecide_SkipToValidation(t *testing.T) {
	t.Parallel()

	var e Engine
	cands := candidateSet("A")
	d := e.Decide(Step{Number: 3}, cands, nil, map[string]float64{"A": 0.995})
	if !d.SkipToValidation {
		t.Error("expected skip-to-validation at >= 0.99 from step 3")
	}

	cands = candidateSet("A")
	d = e.Decide(Step{Number: 2}, cands, nil, map[string]float64{"A": 0.995})
	if d.SkipToValidation {
		t.Error("skip-to-validation must not fire before step 3")
	}
}

func TestGenerateComposites_Caps(t *testing.T) {
	t.Parallel()

	var e Engine

	// Before step 3: nothing.
	cands := candidateSet("A", "B", "C")
	if got := e.GenerateComposites(cands, Step{Number: 2}, 2); got != nil {
		t.Errorf("composites before step 3 = %v", got)
	}

	// 12 actives: only the top 10 by latest selectivity combine, capped
	// at 50 per step.
	names := []string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J", "K", "L"}
	cands = candidateSet(names...)
	for i, c := range cands {
		c.Selectivity[2] = float64(len(cands)-i) / float64(len(cands))
	}
	got := e.GenerateComposites(cands, Step{Number: 4}, 3)
	if len(got) != 50 {
		t.Errorf("composites = %d, want 50 (cap)", len(got))
	}
	for _, comp := range got {
		if len(comp.Columns) < 2 || len(comp.Columns) > 3 {
			t.Errorf("composite size %d out of range: %v", len(comp.Columns), comp.Columns)
		}
		for _, col := range comp.Columns {
			if col == "K" || col == "L" {
				t.Errorf("composite uses column outside top 10: %v", comp.Columns)
			}
		}
	}
}

func TestGenerateComposites_PairsOnlyAtStep3(t *testing.T) {
	t.Parallel()

	var e Engine
	cands := candidateSet("A", "B", "C")
	got := e.GenerateComposites(cands, Step{Number: 3}, 2)
	if len(got) != 3 {
		t.Fatalf("pairs of 3 = %d, want 3", len(got))
	}
	for _, comp := range got {
		if len(comp.Columns) != 2 {
			t.Errorf("step 3 composite size = %d, want 2", len(comp.Columns))
		}
	}
}

func TestSelectivity_ZeroTotal(t *testing.T) {
	t.Parallel()

	if got := Selectivity(10, 0); got != 0 {
		t.Errorf("Selectivity(10, 0) = %v, want 0", got)
	}
	if got := Selectivity(5, 10); got != 0.5 {
		t.Errorf("Selectivity(5, 10) = %v", got)
	}
}

func TestPKPriority(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		want int
	}{
		{"Customer_ID", 1},
		{"ORDER_KEY", 1},
		{"Dim_SK", 1},
		{"Session_SID", 1},
		{"ID", 2},
		{"key", 2},
		{"Area_Code", 3},
		{"Line_Num", 3},
		{"Phone_Number", 3},
		{"OrderID", 5},
		{"Amount", 5},
	}
	for _, tt := range tests {
		if got := PKPriority(tt.name); got != tt.want {
			t.Errorf("PKPriority(%q) = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestTestable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name, dataType string
		want           bool
	}{
		{"OrderID", "integer", true},
		{"Payload", "text", false},
		{"Shape", "geometry", false},
		{"Version", "timestamp", false},
		{"Note", "varchar(255)", true},
		{"__$start_lsn", "integer", false},
		{"LoadArchiveDTS", "datetime", false},
		{"rowguid", "uniqueidentifier", false},
	}
	for _, tt := range tests {
		if got := Testable(tt.name, tt.dataType); got != tt.want {
			t.Errorf("Testable(%q, %q) = %v, want %v", tt.name, tt.dataType, got, tt.want)
		}
	}
}

func TestParseCandidateKey(t *testing.T) {
	t.Parallel()

	if got := ParseCandidateKey("A + B + C"); len(got) != 3 || got[1] != "B" {
		t.Errorf("ParseCandidateKey = %v", got)
	}
	if got := ParseCandidateKey("Single"); len(got) != 1 {
		t.Errorf("ParseCandidateKey single = %v", got)
	}
	if got := ParseCandidateKey(""); got != nil {
		t.Errorf("ParseCandidateKey empty = %v", got)
	}
}
