package vclock

import (
	"testing"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b Vector
		want Ordering
	}{
		{
			name: "both empty",
			a:    Vector{},
			b:    Vector{},
			want: Equal,
		},
		{
			name: "identical",
			a:    Vector{"A": 2, "B": 1},
			b:    Vector{"A": 2, "B": 1},
			want: Equal,
		},
		{
			name: "zero counters are absent",
			a:    Vector{"A": 1, "B": 0},
			b:    Vector{"A": 1},
			want: Equal,
		},
		{
			name: "dominates on own counter",
			a:    Vector{"A": 2},
			b:    Vector{"A": 1},
			want: Dominates,
		},
		{
			name: "dominates with extra node",
			a:    Vector{"A": 1, "B": 1},
			b:    Vector{"A": 1},
			want: Dominates,
		},
		{
			name: "dominated",
			a:    Vector{"A": 1},
			b:    Vector{"A": 1, "B": 3},
			want: Dominated,
		},
		{
			name: "empty dominated by non-empty",
			a:    Vector{},
			b:    Vector{"A": 1},
			want: Dominated,
		},
		{
			name: "concurrent disjoint nodes",
			a:    Vector{"A": 1},
			b:    Vector{"B": 1},
			want: Concurrent,
		},
		{
			name: "concurrent crossed counters",
			a:    Vector{"A": 2, "B": 1},
			b:    Vector{"A": 1, "B": 2},
			want: Concurrent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Compare(tt.b); got != tt.want {
				t.Errorf("Compare(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}

			// The inverse comparison must mirror the result.
			wantInverse := tt.want
			switch tt.want {
			case Dominates:
				wantInverse = Dominated
			case Dominated:
				wantInverse = Dominates
			}
			if got := tt.b.Compare(tt.a); got != wantInverse {
				t.Errorf("Compare(%v, %v) = %v, want %v", tt.b, tt.a, got, wantInverse)
			}
		})
	}
}

func TestMergeOrderIndependence(t *testing.T) {
	tests := []struct {
		name string
		a, b Vector
		want Vector
	}{
		{
			name: "disjoint",
			a:    Vector{"A": 1},
			b:    Vector{"B": 1},
			want: Vector{"A": 1, "B": 1},
		},
		{
			name: "overlapping takes max",
			a:    Vector{"A": 3, "B": 1},
			b:    Vector{"A": 1, "B": 4},
			want: Vector{"A": 3, "B": 4},
		},
		{
			name: "empty right",
			a:    Vector{"A": 2},
			b:    Vector{},
			want: Vector{"A": 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ab := tt.a.Merge(tt.b)
			ba := tt.b.Merge(tt.a)

			if ab.Compare(tt.want) != Equal {
				t.Errorf("a.Merge(b) = %v, want %v", ab, tt.want)
			}
			if ab.Compare(ba) != Equal {
				t.Errorf("merge is order dependent: a.Merge(b)=%v b.Merge(a)=%v", ab, ba)
			}

			// The merged vector must dominate or equal both inputs.
			if ord := ab.Compare(tt.a); ord != Dominates && ord != Equal {
				t.Errorf("merged vector %v does not cover input %v (got %v)", ab, tt.a, ord)
			}
			if ord := ab.Compare(tt.b); ord != Dominates && ord != Equal {
				t.Errorf("merged vector %v does not cover input %v (got %v)", ab, tt.b, ord)
			}
		})
	}
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	a := Vector{"A": 1}
	b := Vector{"B": 2}

	_ = a.Merge(b)

	if len(a) != 1 || a["A"] != 1 {
		t.Errorf("Merge mutated receiver: %v", a)
	}
	if len(b) != 1 || b["B"] != 2 {
		t.Errorf("Merge mutated argument: %v", b)
	}
}

func TestBump(t *testing.T) {
	v := New()

	if got := v.Bump("A"); got != 1 {
		t.Errorf("first Bump = %d, want 1", got)
	}
	if got := v.Bump("A"); got != 2 {
		t.Errorf("second Bump = %d, want 2", got)
	}
	if got := v.Counter("B"); got != 0 {
		t.Errorf("Counter for unseen node = %d, want 0", got)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	v := Vector{"till-1": 3, "till-2": 7}

	data, err := v.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if got.Compare(v) != Equal {
		t.Errorf("round trip changed vector: got %v, want %v", got, v)
	}
}

func TestUnmarshalEmpty(t *testing.T) {
	got, err := Unmarshal(nil)
	if err != nil {
		t.Fatalf("Unmarshal(nil) failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Unmarshal(nil) = %v, want empty vector", got)
	}
}

func TestString(t *testing.T) {
	v := Vector{"B": 2, "A": 1}
	if got := v.String(); got != "{A:1, B:2}" {
		t.Errorf("String() = %q, want %q", got, "{A:1, B:2}")
	}
}
