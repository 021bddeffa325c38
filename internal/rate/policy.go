// Package rate defines the cadence policies a gate admits forwards at.
package rate

import (
	"errors"
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

var ErrInvalidPolicy = errors.New("invalid rate policy")

// Policy is either PerBlock or Blocks. The set is closed: only this package
// can add variants.
type Policy interface {
	fmt.Stringer
	isPolicy()
}

// PerBlock admits at most N forwards within a single tick.
type PerBlock struct {
	N uint64
}

// Blocks admits at most one forward within any B consecutive ticks.
type Blocks struct {
	B uint64
}

func (PerBlock) isPolicy() {}
func (Blocks) isPolicy()   {}

func (p PerBlock) String() string { return "per_block=" + strconv.FormatUint(p.N, 10) }
func (p Blocks) String() string   { return "blocks=" + strconv.FormatUint(p.B, 10) }

func NewPerBlock(n int64) (PerBlock, error) {
	if n <= 0 {
		return PerBlock{}, fmt.Errorf("%w: per_block must be > 0, got %d", ErrInvalidPolicy, n)
	}
	return PerBlock{N: uint64(n)}, nil
}

func NewBlocks(b int64) (Blocks, error) {
	if b <= 0 {
		return Blocks{}, fmt.Errorf("%w: blocks must be > 0, got %d", ErrInvalidPolicy, b)
	}
	return Blocks{B: uint64(b)}, nil
}

// Validate checks a policy that may have been built without a constructor.
func Validate(p Policy) error {
	switch p := p.(type) {
	case PerBlock:
		if p.N == 0 {
			return fmt.Errorf("%w: per_block must be > 0", ErrInvalidPolicy)
		}
	case Blocks:
		if p.B == 0 {
			return fmt.Errorf("%w: blocks must be > 0", ErrInvalidPolicy)
		}
	case nil:
		return fmt.Errorf("%w: no policy", ErrInvalidPolicy)
	default:
		return fmt.Errorf("%w: unknown policy %T", ErrInvalidPolicy, p)
	}
	return nil
}

// Parse reads "per_block=N" or "blocks=B". A colon works as separator too.
func Parse(s string) (Policy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	kind, val, ok := strings.Cut(s, "=")
	if !ok {
		kind, val, ok = strings.Cut(s, ":")
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q is not <kind>=<n>", ErrInvalidPolicy, s)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidPolicy, s, err)
	}
	switch strings.TrimSpace(kind) {
	case "per_block", "perblock":
		return NewPerBlock(n)
	case "blocks":
		return NewBlocks(n)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidPolicy, kind)
	}
}

// Compare orders policies by throughput: PerBlock(n) admits n per tick and
// Blocks(b) admits 1/b per tick. It returns -1, 0 or +1.
func Compare(a, b Policy) int {
	an, ad := ratio(a)
	bn, bd := ratio(b)
	// an/ad vs bn/bd as 128-bit cross products.
	lhi, llo := bits.Mul64(an, bd)
	rhi, rlo := bits.Mul64(bn, ad)
	switch {
	case lhi < rhi, lhi == rhi && llo < rlo:
		return -1
	case lhi > rhi, lhi == rhi && llo > rlo:
		return 1
	default:
		return 0
	}
}

// Within reports whether actual never admits faster than limit.
func Within(actual, limit Policy) bool {
	return Compare(actual, limit) <= 0
}

func ratio(p Policy) (num, den uint64) {
	switch p := p.(type) {
	case PerBlock:
		return p.N, 1
	case Blocks:
		return 1, p.B
	default:
		return 0, 1
	}
}
