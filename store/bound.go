package store

import (
	"math"
	"strconv"
)

// Member of an ordered set, with its score.
type Member struct {
	Name  string
	Score float64
}

// Bound is an endpoint of a score range.
type Bound struct {
	Score     float64
	Exclusive bool
}

var (
	// NegInf is the unbounded lower end of a score range.
	NegInf = Bound{Score: math.Inf(-1)}
	// PosInf is the unbounded upper end of a score range.
	PosInf = Bound{Score: math.Inf(1)}
)

// Inclusive returns a Bound which includes |score|.
func Inclusive(score float64) Bound { return Bound{Score: score} }

// Exclusive returns a Bound which excludes |score|.
func Exclusive(score float64) Bound { return Bound{Score: score, Exclusive: true} }

// IsInf returns whether the Bound is infinite (in either direction).
func (b Bound) IsInf() bool { return math.IsInf(b.Score, 0) }

// AboveMin returns whether |score| satisfies the Bound as a range minimum.
func (b Bound) AboveMin(score float64) bool {
	if b.Exclusive {
		return score > b.Score
	}
	return score >= b.Score
}

// BelowMax returns whether |score| satisfies the Bound as a range maximum.
func (b Bound) BelowMax(score float64) bool {
	if b.Exclusive {
		return score < b.Score
	}
	return score <= b.Score
}

// String formats the Bound in the range syntax of Redis ZRANGEBYSCORE:
// "-inf", "+inf", "1.5", or "(1.5" for an exclusive bound.
func (b Bound) String() string {
	var s string
	switch {
	case math.IsInf(b.Score, -1):
		return "-inf"
	case math.IsInf(b.Score, 1):
		return "+inf"
	default:
		s = strconv.FormatFloat(b.Score, 'g', -1, 64)
	}
	if b.Exclusive {
		return "(" + s
	}
	return s
}

// RankWindow maps ranks [start, stop], which may be negative to index from the
// end, onto a set of |size| members. It returns the equivalent non-negative
// half-open range [begin, end), which is empty if begin >= end.
func RankWindow(start, stop, size int64) (begin, end int64) {
	if start < 0 {
		start += size
	}
	if stop < 0 {
		stop += size
	}
	if start < 0 {
		start = 0
	}
	if stop >= size {
		stop = size - 1
	}
	if start > stop {
		return 0, 0
	}
	return start, stop + 1
}
