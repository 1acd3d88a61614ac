package executor

import (
	"fmt"

	"quartzdb/core/storage/record"
)

// Reducer folds a stream of column values into one result. NULL inputs
// are skipped by every reducer except COUNT(*), which the executor
// feeds a constant.
type Reducer interface {
	Step(v record.Value)
	Result() record.Value
}

// NewReducer builds the reducer for an aggregate function.
func NewReducer(f AggregateFunc) (Reducer, error) {
	switch f {
	case AggCount:
		return &countReducer{}, nil
	case AggSum:
		return &sumReducer{}, nil
	case AggAvg:
		return &avgReducer{}, nil
	case AggMin:
		return &minMaxReducer{wantMin: true}, nil
	case AggMax:
		return &minMaxReducer{}, nil
	default:
		return nil, fmt.Errorf("unknown aggregate function %d", f)
	}
}

// countReducer counts non-NULL inputs.
type countReducer struct {
	n int64
}

func (r *countReducer) Step(v record.Value) {
	if !v.IsNull() {
		r.n++
	}
}

func (r *countReducer) Result() record.Value { return record.NewInteger(r.n) }

// sumReducer sums numeric inputs, staying integral until a REAL
// appears. The sum of no inputs is NULL.
type sumReducer struct {
	seen   bool
	isReal bool
	intSum int64
	fltSum float64
}

func (r *sumReducer) Step(v record.Value) {
	switch v.Type {
	case record.Integer:
		r.seen = true
		r.intSum += v.Int
		r.fltSum += float64(v.Int)
	case record.Real:
		r.seen = true
		r.isReal = true
		r.fltSum += v.Flt
	}
}

func (r *sumReducer) Result() record.Value {
	if !r.seen {
		return record.NewNull()
	}
	if r.isReal {
		return record.NewReal(r.fltSum)
	}
	return record.NewInteger(r.intSum)
}

// avgReducer averages numeric inputs as a REAL.
type avgReducer struct {
	n   int64
	sum float64
}

func (r *avgReducer) Step(v record.Value) {
	switch v.Type {
	case record.Integer:
		r.n++
		r.sum += float64(v.Int)
	case record.Real:
		r.n++
		r.sum += v.Flt
	}
}

func (r *avgReducer) Result() record.Value {
	if r.n == 0 {
		return record.NewNull()
	}
	return record.NewReal(r.sum / float64(r.n))
}

// minMaxReducer tracks the extreme non-NULL value under the standard
// value ordering.
type minMaxReducer struct {
	wantMin bool
	seen    bool
	best    record.Value
}

func (r *minMaxReducer) Step(v record.Value) {
	if v.IsNull() {
		return
	}
	if !r.seen {
		r.seen = true
		r.best = v
		return
	}
	cmp := record.Compare(v, r.best)
	if (r.wantMin && cmp < 0) || (!r.wantMin && cmp > 0) {
		r.best = v
	}
}

func (r *minMaxReducer) Result() record.Value {
	if !r.seen {
		return record.NewNull()
	}
	return r.best
}
