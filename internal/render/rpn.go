package render

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/taniwha3/rrdpoll/internal/storage"
)

// refPrefix names another fetched series inside a transform, as in "def_in,+"
const refPrefix = "def_"

// Expr is a compiled postfix transform applied to every point of a series.
// The series value is on the stack before the first token runs, so "8,*"
// turns octets into bits.
type Expr struct {
	source string
	ops    []op
	refs   []string
}

type opKind int

const (
	opNum opKind = iota
	opRef
	opFunc
)

type op struct {
	kind  opKind
	name  string
	num   float64
	ref   string
	arity int
	fn    func(args []float64) float64
}

func fixed(name string, arity int, fn func(args []float64) float64) op {
	return op{kind: opFunc, name: name, arity: arity, fn: fn}
}

func binary(name string, f func(a, b float64) float64) op {
	return fixed(name, 2, func(args []float64) float64 { return f(args[0], args[1]) })
}

func unary(name string, f func(a float64) float64) op {
	return fixed(name, 1, func(args []float64) float64 { return f(args[0]) })
}

func constant(name string, v float64) op {
	return fixed(name, 0, func([]float64) float64 { return v })
}

// nanMinMax follows the round-robin convention: unknown wins
func nanMinMax(pick func(a, b float64) float64) func(a, b float64) float64 {
	return func(a, b float64) float64 {
		if math.IsNaN(a) || math.IsNaN(b) {
			return math.NaN()
		}
		return pick(a, b)
	}
}

// compare yields 1 or 0, or unknown when either side is unknown
func compare(name string, f func(a, b float64) bool) op {
	return binary(name, func(a, b float64) float64 {
		if math.IsNaN(a) || math.IsNaN(b) {
			return math.NaN()
		}
		if f(a, b) {
			return 1
		}
		return 0
	})
}

var operators = map[string]op{
	"+":   binary("+", func(a, b float64) float64 { return a + b }),
	"-":   binary("-", func(a, b float64) float64 { return a - b }),
	"*":   binary("*", func(a, b float64) float64 { return a * b }),
	"/":   binary("/", func(a, b float64) float64 { return a / b }),
	"%":   binary("%", math.Mod),
	"MIN": binary("MIN", nanMinMax(math.Min)),
	"MAX": binary("MAX", nanMinMax(math.Max)),
	"ABS": unary("ABS", math.Abs),
	"UN": unary("UN", func(a float64) float64 {
		if math.IsNaN(a) {
			return 1
		}
		return 0
	}),
	"LT": compare("LT", func(a, b float64) bool { return a < b }),
	"LE": compare("LE", func(a, b float64) bool { return a <= b }),
	"GT": compare("GT", func(a, b float64) bool { return a > b }),
	"GE": compare("GE", func(a, b float64) bool { return a >= b }),
	"EQ": compare("EQ", func(a, b float64) bool { return a == b }),
	"NE": compare("NE", func(a, b float64) bool { return a != b }),
	// A,B,C,IF is B unless A is zero. An unknown A counts as true.
	"IF": fixed("IF", 3, func(args []float64) float64 {
		if args[0] != 0 {
			return args[1]
		}
		return args[2]
	}),
	"UNKN":   constant("UNKN", math.NaN()),
	"INF":    constant("INF", math.Inf(1)),
	"NEGINF": constant("NEGINF", math.Inf(-1)),
}

// ParseExpr compiles a comma separated postfix expression. An empty
// expression is the identity.
func ParseExpr(s string) (*Expr, error) {
	e := &Expr{source: s}
	s = strings.TrimSpace(s)
	if s == "" {
		return e, nil
	}

	depth := 1 // the series value
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			return nil, fmt.Errorf("transform %q: empty token", e.source)
		}

		if label, ok := strings.CutPrefix(tok, refPrefix); ok && label != "" {
			e.ops = append(e.ops, op{kind: opRef, ref: label})
			e.refs = append(e.refs, label)
			depth++
			continue
		}

		if o, ok := operators[strings.ToUpper(tok)]; ok {
			if depth < o.arity {
				return nil, fmt.Errorf("transform %q: %s needs %d operands", e.source, o.name, o.arity)
			}
			depth += 1 - o.arity
			e.ops = append(e.ops, o)
			continue
		}

		n, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return nil, fmt.Errorf("transform %q: unknown token %q", e.source, tok)
		}
		e.ops = append(e.ops, op{kind: opNum, num: n})
		depth++
	}

	if depth != 1 {
		return nil, fmt.Errorf("transform %q leaves %d values on the stack", e.source, depth)
	}
	return e, nil
}

// Refs returns the labels of other series the expression reads
func (e *Expr) Refs() []string {
	return e.refs
}

// Eval applies the expression to one value. It fails if the expression
// reads other series; use Apply for those.
func (e *Expr) Eval(v float64) (float64, error) {
	return e.eval(v, nil)
}

func (e *Expr) eval(v float64, ref func(label string) (float64, bool)) (float64, error) {
	if len(e.ops) == 0 {
		return v, nil
	}

	stack := make([]float64, 1, len(e.ops)+1)
	stack[0] = v
	for _, o := range e.ops {
		switch o.kind {
		case opNum:
			stack = append(stack, o.num)
		case opRef:
			if ref == nil {
				return 0, fmt.Errorf("transform %q: series %s is not available", e.source, o.ref)
			}
			rv, ok := ref(o.ref)
			if !ok {
				return 0, fmt.Errorf("transform %q: series %s is not available", e.source, o.ref)
			}
			stack = append(stack, rv)
		default:
			n := len(stack) - o.arity
			if n < 0 {
				return 0, fmt.Errorf("transform %q: %s needs %d operands", e.source, o.name, o.arity)
			}
			out := o.fn(stack[n:])
			stack = append(stack[:n], out)
		}
	}
	return stack[0], nil
}

// Apply evaluates the expression over the column label of series and returns
// the transformed values. def_<label> tokens read the other columns at the
// same row.
func (e *Expr) Apply(series *storage.Series, label string) ([]float64, error) {
	raw, ok := series.Column(label)
	if !ok {
		return nil, fmt.Errorf("series %s not in store", label)
	}

	cols := make(map[string][]float64, len(e.refs))
	for _, r := range e.refs {
		col, ok := series.Column(r)
		if !ok {
			return nil, fmt.Errorf("transform %q: series %s not in store", e.source, r)
		}
		cols[r] = col
	}

	out := make([]float64, len(raw))
	for i, v := range raw {
		at := func(name string) (float64, bool) {
			col := cols[name]
			if i >= len(col) {
				return math.NaN(), true
			}
			return col[i], true
		}
		res, err := e.eval(v, at)
		if err != nil {
			return nil, err
		}
		out[i] = res
	}
	return out, nil
}

func (e *Expr) String() string {
	return e.source
}
