package versionstore

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Values is a set of named quantities (e.g. free, locked).
// Stored values are non-negative; delta values are signed.
type Values map[string]decimal.Decimal

func (v Values) Clone() Values {
	if v == nil {
		return nil
	}
	out := make(Values, len(v))
	for k, d := range v {
		out[k] = d
	}
	return out
}

// Names returns the value names in sorted order.
func (v Values) Names() []string {
	out := make([]string, 0, len(v))
	for k := range v {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Equal compares numerically; a missing name equals zero.
func (v Values) Equal(o Values) bool {
	for k, d := range v {
		if !d.Equal(o[k]) {
			return false
		}
	}
	for k, d := range o {
		if _, ok := v[k]; !ok && !d.IsZero() {
			return false
		}
	}
	return true
}

// Negative reports the first (by name) negative value.
func (v Values) Negative() (string, bool) {
	for _, k := range v.Names() {
		if v[k].IsNegative() {
			return k, true
		}
	}
	return "", false
}

// Add returns v+delta as a new map. It fails, naming the first offending value,
// if any result would be negative; v is never modified.
func (v Values) Add(delta Values) (Values, string, bool) {
	out := v.Clone()
	if out == nil {
		out = make(Values, len(delta))
	}
	for _, k := range delta.Names() {
		n := out[k].Add(delta[k])
		if n.IsNegative() {
			return nil, k, false
		}
		out[k] = n
	}
	return out, "", true
}

// Diff returns o-v for every name in either set; zero differences are omitted.
func (v Values) Diff(o Values) Values {
	out := Values{}
	for k, d := range o {
		if x := d.Sub(v[k]); !x.IsZero() {
			out[k] = x
		}
	}
	for k, d := range v {
		if _, ok := o[k]; !ok && !d.IsZero() {
			out[k] = d.Neg()
		}
	}
	return out
}
