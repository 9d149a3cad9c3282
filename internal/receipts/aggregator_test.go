package receipts

import "testing"

func TestAggregatorRecordReadIdempotent(t *testing.T) {
	a := NewAggregator()

	if !a.RecordRead("m1", "u2") {
		t.Fatal("first receipt not counted")
	}
	if a.RecordRead("m1", "u2") {
		t.Fatal("duplicate receipt counted")
	}
	if !a.RecordRead("m1", "u3") {
		t.Fatal("distinct reader not counted")
	}
	if got := a.CountFor("m1"); got != 2 {
		t.Errorf("CountFor = %d, want 2", got)
	}
	if got := a.CountFor("m2"); got != 0 {
		t.Errorf("CountFor unknown message = %d, want 0", got)
	}
}

func TestAggregatorReset(t *testing.T) {
	a := NewAggregator()
	a.RecordRead("m1", "u2")
	a.Reset()

	if got := a.CountFor("m1"); got != 0 {
		t.Errorf("CountFor after reset = %d, want 0", got)
	}
	if !a.RecordRead("m1", "u2") {
		t.Error("receipt after reset should count as first")
	}
}
