// Package storage keeps the per-cell run ledger in a NATS KV bucket so that
// partially finished runs can be inspected.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

// BucketRuns is the KV bucket holding ledger entries.
const BucketRuns = "MORPHQC_RUNS"

// KV is the subset of a JetStream key-value bucket the ledger uses.
type KV interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Keys(ctx context.Context, opts ...jetstream.WatchOpt) ([]string, error)
}

// Transition records a state change of a cell.
type Transition struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CellRecord is the ledger entry of one cell in one run.
type CellRecord struct {
	Run         string       `json:"run"`
	Cell        string       `json:"cell"`
	State       string       `json:"state"`
	Error       string       `json:"error,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	Transitions []Transition `json:"transitions"`
}

// Ledger appends cell state transitions for one run.
type Ledger struct {
	kv     KV
	run    string
	logger *slog.Logger
	now    func() time.Time
}

// NewRunID generates a run identifier.
func NewRunID() string {
	return time.Now().UTC().Format("20060102T150405") + "-" + uuid.NewString()[:8]
}

// NewLedger creates a ledger for run over kv.
func NewLedger(kv KV, run string, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{kv: kv, run: run, logger: logger, now: time.Now}
}

// OpenLedger creates the runs bucket if needed and returns a ledger for run.
func OpenLedger(ctx context.Context, js jetstream.JetStream, run string, logger *slog.Logger) (*Ledger, error) {
	kv, err := getOrCreateBucket(ctx, js, BucketRuns)
	if err != nil {
		return nil, fmt.Errorf("create runs bucket: %w", err)
	}
	return NewLedger(kv, run, logger), nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Morphqc %s ledger", strings.ToLower(name)),
		History:     5,
	})
}

// Run returns the run identifier.
func (l *Ledger) Run() string { return l.run }

var keyUnsafe = regexp.MustCompile(`[^A-Za-z0-9_=-]+`)

// Key returns the KV key of a cell: "<run>.<cell>" with the cell reduced to
// characters valid in a key token.
func (l *Ledger) Key(cell string) string {
	return keyUnsafe.ReplaceAllString(l.run, "_") + "." + keyUnsafe.ReplaceAllString(cell, "_")
}

// Record appends a transition of cell to state. cause is recorded when the
// cell errored.
func (l *Ledger) Record(ctx context.Context, cell, state string, cause error) error {
	rec, err := l.Get(ctx, cell)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	now := l.now().UTC()
	if rec == nil {
		rec = &CellRecord{Run: l.run, Cell: cell, StartedAt: now}
	}

	t := Transition{From: rec.State, To: state, Timestamp: now}
	if cause != nil {
		t.Error = cause.Error()
		rec.Error = t.Error
	}
	rec.State = state
	rec.UpdatedAt = now
	rec.Transitions = append(rec.Transitions, t)

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal ledger entry: %w", err)
	}
	if _, err := l.kv.Put(ctx, l.Key(cell), data); err != nil {
		return fmt.Errorf("store ledger entry: %w", err)
	}
	return nil
}

// Get retrieves the entry of a cell.
func (l *Ledger) Get(ctx context.Context, cell string) (*CellRecord, error) {
	entry, err := l.kv.Get(ctx, l.Key(cell))
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get ledger entry: %w", err)
	}
	var rec CellRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal ledger entry: %w", err)
	}
	return &rec, nil
}

// List returns the entries of the run, sorted by cell.
func (l *Ledger) List(ctx context.Context) ([]*CellRecord, error) {
	keys, err := l.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list ledger keys: %w", err)
	}

	prefix := keyUnsafe.ReplaceAllString(l.run, "_") + "."
	var out []*CellRecord
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := l.kv.Get(ctx, key)
		if err != nil {
			l.logger.Debug("Skipping unreadable ledger entry", "key", key, "error", err)
			continue
		}
		var rec CellRecord
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			continue
		}
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cell < out[j].Cell })
	return out, nil
}
