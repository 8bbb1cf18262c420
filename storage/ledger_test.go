package storage

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

type fakeEntry struct {
	jetstream.KeyValueEntry
	key   string
	value []byte
}

func (e fakeEntry) Key() string   { return e.key }
func (e fakeEntry) Value() []byte { return e.value }

type fakeKV struct {
	data map[string][]byte
	rev  uint64
}

func newFakeKV() *fakeKV { return &fakeKV{data: map[string][]byte{}} }

func (f *fakeKV) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	v, ok := f.data[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return fakeEntry{key: key, value: v}, nil
}

func (f *fakeKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	f.data[key] = append([]byte(nil), value...)
	f.rev++
	return f.rev, nil
}

func (f *fakeKV) Keys(context.Context, ...jetstream.WatchOpt) ([]string, error) {
	if len(f.data) == 0 {
		return nil, jetstream.ErrNoKeysFound
	}
	keys := make([]string, 0, len(f.data))
	for k := range f.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func TestLedger_RecordTransitions(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(newFakeKV(), "run-1", nil)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { clock = clock.Add(time.Second); return clock }

	for _, state := range []string{"fetched", "downloaded", "loaded"} {
		if err := l.Record(ctx, "cell.swc", state, nil); err != nil {
			t.Fatalf("Record(%s) failed: %v", state, err)
		}
	}
	if err := l.Record(ctx, "cell.swc", "errored", errors.New("boom")); err != nil {
		t.Fatalf("Record(errored) failed: %v", err)
	}

	rec, err := l.Get(ctx, "cell.swc")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.State != "errored" {
		t.Errorf("State = %q, want errored", rec.State)
	}
	if rec.Error != "boom" {
		t.Errorf("Error = %q, want boom", rec.Error)
	}
	if len(rec.Transitions) != 4 {
		t.Fatalf("len(Transitions) = %d, want 4", len(rec.Transitions))
	}
	if rec.Transitions[0].From != "" || rec.Transitions[1].From != "fetched" {
		t.Errorf("unexpected transition chain: %+v", rec.Transitions)
	}
	if !rec.StartedAt.Before(rec.UpdatedAt) {
		t.Errorf("StartedAt %v should precede UpdatedAt %v", rec.StartedAt, rec.UpdatedAt)
	}
}

func TestLedger_GetNotFound(t *testing.T) {
	l := NewLedger(newFakeKV(), "run-1", nil)
	_, err := l.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestLedger_ListScopedToRun(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	a := NewLedger(kv, "run-a", nil)
	b := NewLedger(kv, "run-b", nil)

	if got, err := a.List(ctx); err != nil || len(got) != 0 {
		t.Fatalf("List() on empty bucket = %v, %v", got, err)
	}

	for _, cell := range []string{"zeta", "alpha"} {
		if err := a.Record(ctx, cell, "written", nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := b.Record(ctx, "other", "written", nil); err != nil {
		t.Fatal(err)
	}

	got, err := a.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(List()) = %d, want 2", len(got))
	}
	if got[0].Cell != "alpha" || got[1].Cell != "zeta" {
		t.Errorf("List() order = %s, %s", got[0].Cell, got[1].Cell)
	}
}

func TestLedger_KeySanitizes(t *testing.T) {
	l := NewLedger(newFakeKV(), "run 1", nil)
	if got, want := l.Key("dir/cell name.swc"), "run_1.dir_cell_name_swc"; got != want {
		t.Errorf("Key() = %q, want %q", got, want)
	}
}

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{jetstream.ErrKeyNotFound, true},
		{errors.New("nats: key not found"), true},
		{errors.New("timeout"), false},
	}
	for _, tt := range tests {
		if got := isNotFound(tt.err); got != tt.want {
			t.Errorf("isNotFound(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestNewRunID(t *testing.T) {
	a, b := NewRunID(), NewRunID()
	if a == b {
		t.Error("NewRunID() returned duplicate ids")
	}
}
