package checks

import (
	"strconv"
	"strings"
)

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func renderBoolJSON(r Result) any {
	if r.Err != "" {
		return map[string]any{"status": false, "info": r.Err}
	}
	info := r.Info
	if info == nil {
		info = []Offender{}
	}
	return map[string]any{"status": r.Passed, "info": info}
}

func renderBoolTSV(r Result, sparse bool) string {
	if r.Err != "" {
		return oneLine(r.Err)
	}
	if sparse && r.Passed == r.Check.Expected {
		return ""
	}
	if r.Passed {
		return "True"
	}
	return "False"
}

func renderNumericJSON(r Result) any {
	if r.Err != "" {
		return map[string]any{"value": nil, "info": r.Err}
	}
	return map[string]any{"value": r.Value}
}

func renderNumericTSV(r Result, _ bool) string {
	if r.Err != "" {
		return oneLine(r.Err)
	}
	return strconv.FormatFloat(r.Value, 'g', -1, 64)
}

// AnnotationValue is the value carried by a quality annotation body entry:
// the status for boolean checks, the number for numeric ones and the
// message for checks that raised.
func (r Result) AnnotationValue() any {
	switch {
	case r.Err != "":
		return oneLine(r.Err)
	case r.Check.Kind == Numeric:
		return r.Value
	default:
		return r.Passed
	}
}

// JSON renders the report keyed by check id.
func (r *Report) JSON() map[string]any {
	out := make(map[string]any, len(r.Results))
	for _, res := range r.Results {
		out[res.Check.ID] = res.Check.JSON(res)
	}
	return out
}

// Header returns the check labels in column order.
func (r *Report) Header() []string {
	out := make([]string, len(r.Results))
	for i, res := range r.Results {
		out[i] = res.Check.Label
	}
	return out
}

// Row renders the report cells in column order.
func (r *Report) Row(sparse bool) []string {
	out := make([]string, len(r.Results))
	for i, res := range r.Results {
		out[i] = res.Check.TSV(res, sparse)
	}
	return out
}
