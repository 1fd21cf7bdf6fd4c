package models

import (
	"fmt"
	"strings"
)

// Sample is one collected value
type Sample struct {
	Label string
	Value int64
}

// SampleRow holds one value per query, in query order
type SampleRow []Sample

// Values returns the values in row order
func (r SampleRow) Values() []int64 {
	values := make([]int64, len(r))
	for i, s := range r {
		values[i] = s.Value
	}
	return values
}

// FailureKind classifies why a tick produced no row
type FailureKind string

const (
	FailureQueryFailed  FailureKind = "query_failed"
	FailureTickDeadline FailureKind = "tick_deadline"
)

// FailedQuery names a query that did not complete
type FailedQuery struct {
	Index int
	Label string
	Err   error
}

// Failure describes a tick that produced no row
type Failure struct {
	Kind   FailureKind
	Failed []FailedQuery
}

func (f *Failure) Error() string {
	parts := make([]string, 0, len(f.Failed))
	for _, fq := range f.Failed {
		if fq.Err != nil {
			parts = append(parts, fmt.Sprintf("%s: %v", fq.Label, fq.Err))
		} else {
			parts = append(parts, fq.Label)
		}
	}
	return fmt.Sprintf("collection failed (%s): %d quer%s did not complete: %s",
		f.Kind, len(f.Failed), plural(len(f.Failed)), strings.Join(parts, "; "))
}

// Labels returns the labels of the failed queries
func (f *Failure) Labels() []string {
	labels := make([]string, len(f.Failed))
	for i, fq := range f.Failed {
		labels[i] = fq.Label
	}
	return labels
}

func plural(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}

// Outcome is the result of one collection tick: either a complete row or a failure
type Outcome struct {
	row     SampleRow
	failure *Failure
}

// Success wraps a complete row
func Success(row SampleRow) Outcome {
	return Outcome{row: row}
}

// Failed wraps a tick failure
func Failed(kind FailureKind, failed []FailedQuery) Outcome {
	return Outcome{failure: &Failure{Kind: kind, Failed: failed}}
}

// OK reports whether the outcome carries a row
func (o Outcome) OK() bool {
	return o.failure == nil
}

// Row returns the collected row; nil on failure
func (o Outcome) Row() SampleRow {
	if o.failure != nil {
		return nil
	}
	return o.row
}

// Failure returns the failure; nil on success
func (o Outcome) Failure() *Failure {
	return o.failure
}

// Err returns the failure as an error, or nil
func (o Outcome) Err() error {
	if o.failure == nil {
		return nil
	}
	return o.failure
}
