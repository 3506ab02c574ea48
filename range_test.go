package xget

import "testing"

func TestPlanRangesEvenSplit(t *testing.T) {
	plan, err := planRanges(0, 1024, 4, true)
	if err != nil {
		t.Fatalf("planRanges: %v", err)
	}
	want := Plan{
		{Min: 0, Max: 255},
		{Min: 256, Max: 511},
		{Min: 512, Max: 767},
		{Min: 768, Max: 1023},
	}
	if len(plan) != len(want) {
		t.Fatalf("got %d ranges, want %d", len(plan), len(want))
	}
	for i := range want {
		if plan[i] != want[i] {
			t.Errorf("range %d = %+v, want %+v", i, plan[i], want[i])
		}
	}
}

func TestPlanRangesRemainderAbsorbedByLastChunk(t *testing.T) {
	plan, err := planRanges(0, 10, 3, true)
	if err != nil {
		t.Fatalf("planRanges: %v", err)
	}
	if len(plan) != 3 {
		t.Fatalf("got %d ranges, want 3", len(plan))
	}
	if plan[2].Size() != 4 {
		t.Errorf("last chunk size = %d, want 4", plan[2].Size())
	}
	total := int64(0)
	for _, r := range plan {
		total += r.Size()
	}
	if total != 10 {
		t.Errorf("total size = %d, want 10", total)
	}
}

func TestPlanRangesNotChunkableForcesOneChunk(t *testing.T) {
	plan, err := planRanges(0, 1000, 8, false)
	if err != nil {
		t.Fatalf("planRanges: %v", err)
	}
	if len(plan) != 1 {
		t.Fatalf("got %d ranges, want 1", len(plan))
	}
}

func TestPlanRangesSmallSizeUsesOneChunk(t *testing.T) {
	plan, err := planRanges(0, 4, 8, true)
	if err != nil {
		t.Fatalf("planRanges: %v", err)
	}
	if len(plan) != 1 {
		t.Fatalf("got %d ranges, want 1 for size < 5", len(plan))
	}
}

func TestPlanRangesSmallButNotTinyUsesFiveChunks(t *testing.T) {
	plan, err := planRanges(0, 7, 8, true)
	if err != nil {
		t.Fatalf("planRanges: %v", err)
	}
	if len(plan) != 5 {
		t.Fatalf("got %d ranges, want 5 for 5 <= size < chunks", len(plan))
	}
}

func TestPlanRangesUnknownSizeYieldsOneOpenChunk(t *testing.T) {
	plan, err := planRanges(0, Unknown, 5, true)
	if err != nil {
		t.Fatalf("planRanges: %v", err)
	}
	if len(plan) != 1 || plan[0].Max != Unknown {
		t.Fatalf("got %+v, want one chunk with unknown upper bound", plan)
	}
}

func TestPlanRangesZeroSizeYieldsEmptyPlan(t *testing.T) {
	plan, err := planRanges(1000, 0, 5, true)
	if err != nil {
		t.Fatalf("planRanges: %v", err)
	}
	if len(plan) != 0 {
		t.Fatalf("got %d ranges, want 0", len(plan))
	}
}

func TestPlanRangesNegativeSizeFails(t *testing.T) {
	_, err := planRanges(2000, -1000, 5, true)
	if err == nil {
		t.Fatal("expected RangeExceeded error")
	}
	var re *RangeExceeded
	if !asRangeExceeded(err, &re) {
		t.Fatalf("got %T, want *RangeExceeded", err)
	}
}

func asRangeExceeded(err error, target **RangeExceeded) bool {
	re, ok := err.(*RangeExceeded)
	if ok {
		*target = re
	}
	return ok
}
