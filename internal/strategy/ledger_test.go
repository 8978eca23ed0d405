package strategy

import "testing"

func TestLedgerApplyFillSigns(t *testing.T) {
	l := NewLedger()
	l.ApplyFill(RoleActive, Short, 3)
	l.ApplyFill(RolePassive, Long, 2.5)
	if got := l.Position(RoleActive); got != -3 {
		t.Fatalf("expected active -3, got %v", got)
	}
	if got := l.Position(RolePassive); got != 2.5 {
		t.Fatalf("expected passive 2.5, got %v", got)
	}
}

func TestLedgerRoundTripIsExact(t *testing.T) {
	l := NewLedger()
	l.Set(RolePassive, 0.1, 0)
	before := l.Position(RolePassive)
	l.ApplyFill(RolePassive, Long, 0.2)
	l.ApplyFill(RolePassive, Short, 0.2)
	if got := l.Position(RolePassive); got != before {
		t.Fatalf("expected %v after round trip, got %v", before, got)
	}
	for i := 0; i < 100; i++ {
		l.ApplyFill(RoleActive, Long, 0.01)
	}
	for i := 0; i < 100; i++ {
		l.ApplyFill(RoleActive, Short, 0.01)
	}
	if got := l.Position(RoleActive); got != 0 {
		t.Fatalf("expected active back to 0, got %v", got)
	}
}

func TestLedgerSetUsesLongMinusShort(t *testing.T) {
	l := NewLedger()
	l.Set(RoleActive, 4, 10)
	if got := l.Position(RoleActive); got != -6 {
		t.Fatalf("expected -6, got %v", got)
	}
	l.Set(RolePassive, 0, 0)
	if got := l.Position(RolePassive); got != 0 {
		t.Fatalf("expected 0, got %v", got)
	}
}

func TestLedgerImbalance(t *testing.T) {
	l := NewLedger()
	l.Set(RoleActive, 0, 20)
	l.Set(RolePassive, 15, 0)
	if got := l.Imbalance(5); got != 0 {
		t.Fatalf("expected balanced, got %v", got)
	}
	if !l.Balanced(5) {
		t.Fatalf("expected balanced")
	}

	l = NewLedger()
	l.Set(RoleActive, 0, 10)
	if got := l.Imbalance(5); got != -5 {
		t.Fatalf("expected -5, got %v", got)
	}
	if l.Balanced(5) {
		t.Fatalf("expected imbalance")
	}
}

func TestLedgerWithin(t *testing.T) {
	l := NewLedger()
	l.Set(RoleActive, 0, 1.234)
	l.Set(RolePassive, 1.23, 0)
	if l.Balanced(0) {
		t.Fatalf("expected a residual imbalance")
	}
	if !l.Within(0, 0.01) {
		t.Fatalf("expected imbalance within one lot")
	}
	if l.Within(0, 0.001) {
		t.Fatalf("expected imbalance outside the finer lot")
	}
}
