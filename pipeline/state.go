// Package pipeline drives cells through fetch, download, load, feature and
// check computation, region reconciliation and diffing on a worker pool, then
// applies the resulting plan through a single graph writer.
package pipeline

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
)

// Stage is a state of the per-cell state machine.
type Stage string

// Stages in processing order. Written and Errored are terminal.
const (
	StageFetched          Stage = "fetched"
	StageDownloaded       Stage = "downloaded"
	StageLoaded           Stage = "loaded"
	StageFeaturesComputed Stage = "features_computed"
	StageChecksComputed   Stage = "checks_computed"
	StageReconciled       Stage = "reconciled"
	StageDiffed           Stage = "diffed"
	StageWritten          Stage = "written"
	StageErrored          Stage = "errored"
)

var stageOrder = map[Stage]int{
	StageFetched:          0,
	StageDownloaded:       1,
	StageLoaded:           2,
	StageFeaturesComputed: 3,
	StageChecksComputed:   4,
	StageReconciled:       5,
	StageDiffed:           6,
	StageWritten:          7,
}

// Before reports whether s precedes o in processing order.
func (s Stage) Before(o Stage) bool {
	a, okA := stageOrder[s]
	b, okB := stageOrder[o]
	return okA && okB && a < b
}

// StageError records that a cell failed while entering Stage.
type StageError struct {
	Cell  string
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Cell, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// IsStageError checks if an error is a StageError.
func IsStageError(err error) bool {
	var se *StageError
	return errors.As(err, &se)
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

// StripANSI removes terminal escape sequences.
func StripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

// ErrorMap collects per-cell failures. It is safe for concurrent use.
type ErrorMap struct {
	mu     sync.Mutex
	errors map[string]string
}

// NewErrorMap creates an empty error map.
func NewErrorMap() *ErrorMap {
	return &ErrorMap{errors: make(map[string]string)}
}

// Add records err for cell as "<stage>: <message>". Later failures of the
// same cell are appended.
func (m *ErrorMap) Add(cell string, err error) {
	msg := err.Error()
	var se *StageError
	if errors.As(err, &se) {
		msg = fmt.Sprintf("%s: %v", se.Stage, se.Err)
	}
	msg = StripANSI(msg)

	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.errors[cell]; ok {
		msg = prev + "; " + msg
	}
	m.errors[cell] = msg
}

// Get returns the message recorded for cell.
func (m *ErrorMap) Get(cell string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.errors[cell]
	return msg, ok
}

// Len returns the number of failed cells.
func (m *ErrorMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.errors)
}

// Cells returns the failed cells, sorted.
func (m *ErrorMap) Cells() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.errors))
	for c := range m.errors {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Map returns a copy of the recorded messages.
func (m *ErrorMap) Map() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.errors))
	for k, v := range m.errors {
		out[k] = v
	}
	return out
}
