package rate

import (
	"errors"
	"math"
	"testing"
)

func TestConstructorsRejectNonPositive(t *testing.T) {
	for _, n := range []int64{0, -1, -100} {
		if _, err := NewPerBlock(n); !errors.Is(err, ErrInvalidPolicy) {
			t.Fatalf("NewPerBlock(%d): expected ErrInvalidPolicy, got %v", n, err)
		}
		if _, err := NewBlocks(n); !errors.Is(err, ErrInvalidPolicy) {
			t.Fatalf("NewBlocks(%d): expected ErrInvalidPolicy, got %v", n, err)
		}
	}
	p, err := NewPerBlock(3)
	if err != nil || p.N != 3 {
		t.Fatalf("expected per_block=3, got %v err=%v", p, err)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(PerBlock{}); !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("zero per_block should be invalid, got %v", err)
	}
	if err := Validate(Blocks{}); !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("zero blocks should be invalid, got %v", err)
	}
	if err := Validate(nil); !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("nil should be invalid, got %v", err)
	}
	if err := Validate(Blocks{B: 2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestParseRoundTrip(t *testing.T) {
	cases := map[string]Policy{
		"per_block=2": PerBlock{N: 2},
		"blocks:5":    Blocks{B: 5},
		" Blocks=1 ":  Blocks{B: 1},
	}
	for in, want := range cases {
		got, err := Parse(in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("Parse(%q) = %v, want %v", in, got, want)
		}
		again, err := Parse(got.String())
		if err != nil || again != want {
			t.Fatalf("String round trip for %v failed: %v %v", want, again, err)
		}
	}

	for _, bad := range []string{"", "blocks", "blocks=0", "per_block=-2", "window=3", "blocks=x"} {
		if _, err := Parse(bad); !errors.Is(err, ErrInvalidPolicy) {
			t.Fatalf("Parse(%q): expected ErrInvalidPolicy, got %v", bad, err)
		}
	}
}

func TestCompare(t *testing.T) {
	cases := []struct {
		a, b Policy
		want int
	}{
		{PerBlock{N: 1}, Blocks{B: 1}, 0},
		{PerBlock{N: 2}, PerBlock{N: 1}, 1},
		{Blocks{B: 2}, Blocks{B: 1}, -1},
		{Blocks{B: 3}, PerBlock{N: 1}, -1},
		{PerBlock{N: 4}, Blocks{B: 4}, 1},
		{Blocks{B: 4}, Blocks{B: 4}, 0},
	}
	for _, c := range cases {
		if got := Compare(c.a, c.b); got != c.want {
			t.Fatalf("Compare(%v, %v) = %d, want %d", c.a, c.b, got, c.want)
		}
		if got := Compare(c.b, c.a); got != -c.want {
			t.Fatalf("Compare(%v, %v) = %d, want %d", c.b, c.a, got, -c.want)
		}
	}
	if !Within(Blocks{B: 2}, PerBlock{N: 1}) {
		t.Fatal("blocks=2 should be within per_block=1")
	}
	if Within(PerBlock{N: 2}, Blocks{B: 1}) {
		t.Fatal("per_block=2 should exceed blocks=1")
	}
}

func TestCompareLargeParameters(t *testing.T) {
	cases := []struct {
		a, b Policy
		want int
	}{
		{PerBlock{N: 1 << 33}, Blocks{B: 1 << 32}, 1},
		{PerBlock{N: 1 << 32}, Blocks{B: 1 << 32}, 1},
		{PerBlock{N: math.MaxUint64}, Blocks{B: math.MaxUint64}, 1},
		{PerBlock{N: math.MaxUint64}, PerBlock{N: math.MaxUint64 - 1}, 1},
		{Blocks{B: math.MaxUint64}, Blocks{B: math.MaxUint64 - 1}, -1},
		{PerBlock{N: math.MaxUint64}, PerBlock{N: math.MaxUint64}, 0},
	}
	for _, c := range cases {
		if got := Compare(c.a, c.b); got != c.want {
			t.Fatalf("Compare(%v, %v) = %d, want %d", c.a, c.b, got, c.want)
		}
		if got := Compare(c.b, c.a); got != -c.want {
			t.Fatalf("Compare(%v, %v) = %d, want %d", c.b, c.a, got, -c.want)
		}
	}
	if Within(PerBlock{N: 1 << 33}, Blocks{B: 1 << 32}) {
		t.Fatal("per_block=2^33 should exceed blocks=2^32")
	}
}
