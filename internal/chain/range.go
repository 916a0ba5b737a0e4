package chain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// RangeError reports a session number outside 1..Total.
type RangeError struct {
	Value int
	Total int
}

func (e *RangeError) Error() string {
	if e.Total == 0 {
		return fmt.Sprintf("session %d is out of range: the chain has no sessions", e.Value)
	}
	return fmt.Sprintf("session %d is out of range (valid: 1-%d)", e.Value, e.Total)
}

// SyntaxError reports a malformed range expression.
type SyntaxError struct {
	Expr   string
	Reason string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("invalid session range %q: %s (use forms like 4, 4-5 or 1,3,5)", e.Expr, e.Reason)
}

// ParseRange parses 1-based session numbers ("4", "4-5", "1,3,5" and
// combinations) into sorted, de-duplicated 0-based indices.
func ParseRange(expr string, total int) ([]int, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, &SyntaxError{Expr: expr, Reason: "empty expression"}
	}

	seen := map[int]bool{}
	for _, part := range strings.Split(expr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, &SyntaxError{Expr: expr, Reason: "empty segment"}
		}

		lo, hi, err := parseSegment(expr, part)
		if err != nil {
			return nil, err
		}
		for _, v := range []int{lo, hi} {
			if v < 1 || v > total {
				return nil, &RangeError{Value: v, Total: total}
			}
		}
		for n := lo; n <= hi; n++ {
			seen[n-1] = true
		}
	}

	out := make([]int, 0, len(seen))
	for i := range seen {
		out = append(out, i)
	}
	sort.Ints(out)
	return out, nil
}

func parseSegment(expr, part string) (int, int, error) {
	a, b, isRange := strings.Cut(part, "-")
	if !isRange {
		n, err := number(expr, part)
		return n, n, err
	}
	lo, err := number(expr, strings.TrimSpace(a))
	if err != nil {
		return 0, 0, err
	}
	hi, err := number(expr, strings.TrimSpace(b))
	if err != nil {
		return 0, 0, err
	}
	if lo > hi {
		return 0, 0, &SyntaxError{Expr: expr, Reason: fmt.Sprintf("range %q runs backwards", part)}
	}
	return lo, hi, nil
}

func number(expr, s string) (int, error) {
	if s == "" {
		return 0, &SyntaxError{Expr: expr, Reason: "missing number"}
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, &SyntaxError{Expr: expr, Reason: fmt.Sprintf("%q is not a number", s)}
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, &SyntaxError{Expr: expr, Reason: fmt.Sprintf("%q is not a number", s)}
	}
	return n, nil
}
