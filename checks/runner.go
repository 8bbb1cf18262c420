package checks

import (
	"fmt"
	"log/slog"

	"github.com/BlueBrain/data-integration-pipelines-sub000/morphology"
)

// Result is the outcome of one check. A boolean result passed when Passed is
// true; Info lists the offenders otherwise. Err holds the message of a check
// that raised, in which case Passed is false.
type Result struct {
	Check  Check
	Passed bool
	Info   []Offender
	Value  float64
	Err    string
}

// Failed reports whether a boolean check did not pass.
func (r Result) Failed() bool {
	return r.Check.Kind == Boolean && !r.Passed
}

// Report is the ordered result list for one morphology.
type Report struct {
	Results []Result
}

// Get returns the result of the check with id.
func (r *Report) Get(id string) (Result, bool) {
	for _, res := range r.Results {
		if res.Check.ID == id {
			return res, true
		}
	}
	return Result{}, false
}

// AllPassed reports whether every boolean check passed.
func (r *Report) AllPassed() bool {
	return len(r.FailedLabels()) == 0
}

// FailedLabels returns the labels of failing boolean checks in catalog order.
func (r *Report) FailedLabels() []string {
	var out []string
	for _, res := range r.Results {
		if res.Failed() {
			out = append(out, res.Check.Label)
		}
	}
	return out
}

// Runner evaluates the catalog.
type Runner struct {
	catalog    []Check
	thresholds Thresholds
	logger     *slog.Logger
}

// NewRunner creates a runner over the package catalog.
func NewRunner(th Thresholds, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{catalog: Catalog, thresholds: th, logger: logger}
}

// Checks returns the enabled catalog rows in order.
func (r *Runner) Checks() []Check {
	var out []Check
	for _, c := range r.catalog {
		if c.enabled == nil || c.enabled(r.thresholds) {
			out = append(out, c)
		}
	}
	return out
}

// Run evaluates every enabled check against m. A check that panics is
// recorded as failed with the panic message; the run continues.
func (r *Runner) Run(m *morphology.Morphology) *Report {
	report := &Report{}
	for _, c := range r.Checks() {
		res := r.evaluate(c, m)
		if res.Err != "" {
			r.logger.Warn("Check raised", "morphology", m.Name, "check", c.ID, "error", res.Err)
		}
		report.Results = append(report.Results, res)
	}
	return report
}

// Unloadable builds the report of a morphology that could not be parsed:
// the loadable check fails with loadErr and every other check is marked as
// not evaluated.
func (r *Runner) Unloadable(loadErr error) *Report {
	report := &Report{}
	for _, c := range r.Checks() {
		res := Result{Check: c}
		if c.ID == Loadable {
			res.Info = []Offender{{Section: -1, Detail: loadErr.Error()}}
		} else {
			res.Err = "morphology not loadable"
		}
		report.Results = append(report.Results, res)
	}
	return report
}

func (r *Runner) evaluate(c Check, m *morphology.Morphology) (res Result) {
	res.Check = c
	defer func() {
		if p := recover(); p != nil {
			res.Passed = false
			res.Info = nil
			res.Err = fmt.Sprintf("%v", p)
		}
	}()
	switch c.Kind {
	case Numeric:
		res.Value = c.measure(m, r.thresholds)
		res.Passed = true
	default:
		res.Info = c.offenders(m, r.thresholds)
		res.Passed = len(res.Info) == 0
	}
	return res
}
