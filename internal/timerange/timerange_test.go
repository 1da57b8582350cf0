package timerange

import (
	"errors"
	"testing"
	"time"
)

func at(hour, minute int) time.Time {
	return time.Date(2025, 1, 6, hour, minute, 0, 0, time.UTC)
}

func TestNewRejectsInvertedRange(t *testing.T) {
	if _, err := New(at(10, 0), at(9, 0)); !errors.Is(err, ErrInverted) {
		t.Fatalf("expected ErrInverted, got %v", err)
	}
	tr, err := New(at(9, 0), at(9, 0))
	if err != nil {
		t.Fatalf("zero-length range should be valid: %v", err)
	}
	if tr.Duration() != 0 {
		t.Fatalf("expected zero duration, got %s", tr.Duration())
	}
}

func TestNewNormalizesEndIntoStartLocation(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	start := time.Date(2025, 1, 6, 9, 0, 0, 0, ny)
	end := time.Date(2025, 1, 6, 15, 0, 0, 0, time.UTC) // 10:00 New York

	tr := MustNew(start, end)
	if tr.End().Location() != ny {
		t.Fatalf("expected end in %s, got %s", ny, tr.End().Location())
	}
	if tr.End().Hour() != 10 {
		t.Fatalf("expected 10:00 local end, got %s", tr.End())
	}
	if tr.Duration() != time.Hour {
		t.Fatalf("unexpected duration %s", tr.Duration())
	}
}

func TestOverlapsIsStrict(t *testing.T) {
	tests := []struct {
		name string
		a, b TimeRange
		want bool
	}{
		{"disjoint", MustNew(at(8, 0), at(9, 0)), MustNew(at(10, 0), at(11, 0)), false},
		{"touching", MustNew(at(8, 0), at(9, 0)), MustNew(at(9, 0), at(10, 0)), false},
		{"partial", MustNew(at(8, 0), at(9, 30)), MustNew(at(9, 0), at(10, 0)), true},
		{"nested", MustNew(at(8, 0), at(12, 0)), MustNew(at(9, 0), at(10, 0)), true},
		{"identical", MustNew(at(8, 0), at(9, 0)), MustNew(at(8, 0), at(9, 0)), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Overlaps(tt.b); got != tt.want {
				t.Fatalf("a.Overlaps(b) = %v, want %v", got, tt.want)
			}
			if got := tt.b.Overlaps(tt.a); got != tt.want {
				t.Fatalf("b.Overlaps(a) = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestContains(t *testing.T) {
	outer := MustNew(at(8, 0), at(20, 0))

	if !outer.Contains(MustNew(at(8, 0), at(20, 0))) {
		t.Fatal("range should contain itself")
	}
	if !outer.Contains(MustNew(at(9, 0), at(10, 0))) {
		t.Fatal("expected inner range to be contained")
	}
	if outer.Contains(MustNew(at(7, 59), at(10, 0))) {
		t.Fatal("range starting early should not be contained")
	}
	if !outer.ContainsInstant(at(20, 0)) {
		t.Fatal("end instant should be contained")
	}
	if outer.ContainsInstant(at(20, 1)) {
		t.Fatal("instant after end should not be contained")
	}
}

func TestOrderingOnlyForDisjointRanges(t *testing.T) {
	a := MustNew(at(8, 0), at(9, 0))
	b := MustNew(at(9, 0), at(10, 0))
	c := MustNew(at(8, 30), at(9, 30))

	lt, err := a.Before(b)
	if err != nil || !lt {
		t.Fatalf("expected a < b, got %v (%v)", lt, err)
	}
	gt, err := b.Before(a)
	if err != nil || gt {
		t.Fatalf("expected !(b < a), got %v (%v)", gt, err)
	}
	eq, err := a.Before(a)
	if err == nil {
		t.Fatalf("a overlaps itself; expected rejection, got %v", eq)
	}

	if _, err := a.Before(c); !errors.Is(err, ErrOverlappingCompare) {
		t.Fatalf("expected ErrOverlappingCompare, got %v", err)
	}
	if _, err := c.BeforeOrEqual(b); !errors.Is(err, ErrOverlappingCompare) {
		t.Fatalf("expected ErrOverlappingCompare, got %v", err)
	}

	le, err := a.BeforeOrEqual(a)
	if err != nil || !le {
		t.Fatalf("expected a <= a, got %v (%v)", le, err)
	}
}

func TestExactlyOneOrderingForDisjointRanges(t *testing.T) {
	ranges := []TimeRange{
		MustNew(at(8, 0), at(9, 0)),
		MustNew(at(9, 0), at(9, 0)),
		MustNew(at(9, 0), at(10, 0)),
		MustNew(at(12, 0), at(13, 0)),
	}

	for i, a := range ranges {
		for j, b := range ranges {
			if a.Overlaps(b) {
				continue
			}
			ab, err := a.Before(b)
			if err != nil {
				t.Fatalf("%d<%d: %v", i, j, err)
			}
			ba, err := b.Before(a)
			if err != nil {
				t.Fatalf("%d<%d: %v", j, i, err)
			}
			count := 0
			for _, v := range []bool{ab, ba, a.Equal(b)} {
				if v {
					count++
				}
			}
			if count != 1 {
				t.Fatalf("ranges %d and %d: expected exactly one relation, got lt=%v gt=%v eq=%v", i, j, ab, ba, a.Equal(b))
			}
		}
	}
}

func TestShiftDatePreservesWallClockAcrossDST(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	tr := MustNew(time.Date(2024, 3, 9, 9, 0, 0, 0, ny), time.Date(2024, 3, 9, 10, 0, 0, 0, ny))

	civil := tr.ShiftDate(0, 0, 1)
	if civil.Start().Hour() != 9 || civil.Start().Day() != 10 {
		t.Fatalf("expected 09:00 on Mar 10, got %s", civil.Start())
	}
	if civil.Start().Sub(tr.Start()) != 23*time.Hour {
		t.Fatalf("expected a 23h absolute gap over spring-forward, got %s", civil.Start().Sub(tr.Start()))
	}

	absolute := tr.Shift(24 * time.Hour)
	if absolute.Start().Hour() != 10 {
		t.Fatalf("expected absolute shift to land at 10:00 local, got %s", absolute.Start())
	}
}
