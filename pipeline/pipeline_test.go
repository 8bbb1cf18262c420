package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BlueBrain/data-integration-pipelines-sub000/annotation"
	"github.com/BlueBrain/data-integration-pipelines-sub000/checks"
	"github.com/BlueBrain/data-integration-pipelines-sub000/export"
	"github.com/BlueBrain/data-integration-pipelines-sub000/nexus"
	"github.com/BlueBrain/data-integration-pipelines-sub000/vocabulary/neuro"
)

const goodSWC = `# soma with a straight axon
1 1 0 0 0 5 -1
2 2 5 0 0 0.5 1
3 2 6 0 0 0.5 2
4 2 7 0 0 0.5 3
`

const badSWC = "1 1 0 0\n"

type fakeGraph struct {
	mu          sync.Mutex
	morphs      []nexus.Resource
	existing    map[string][]nexus.Resource
	batches     []nexus.Resource
	created     []map[string]any
	updated     []string
	deprecated  []string
	uploaded    []string
	failCreates func(payload map[string]any) error
	// failRetrieve fails RetrieveSelf for the listed _self addresses.
	failRetrieve map[string]error
	failSearch   func(target, typ string) error
	searches     int
	retrieved    int
}

func asMap(v any) map[string]any {
	data, _ := json.Marshal(v)
	var m map[string]any
	_ = json.Unmarshal(data, &m)
	return m
}

func (g *fakeGraph) List(_ context.Context, typ string, limit int) ([]nexus.Resource, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	src := g.morphs
	if typ == neuro.TypeBatchQualityAnnotation {
		src = g.batches
	}
	if limit > 0 && limit < len(src) {
		src = src[:limit]
	}
	// Listings carry metadata only.
	out := make([]nexus.Resource, 0, len(src))
	for _, res := range src {
		out = append(out, nexus.Resource{"@id": res["@id"], "@type": res["@type"], "_rev": res["_rev"], "_self": res["_self"]})
	}
	return out, nil
}

func (g *fakeGraph) RetrieveSelf(_ context.Context, self string) (nexus.Resource, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.retrieved++
	if err := g.failRetrieve[self]; err != nil {
		return nil, err
	}
	for _, res := range append(append([]nexus.Resource(nil), g.morphs...), g.batches...) {
		if res.Self() == self {
			return res, nil
		}
	}
	return nil, nexus.ErrNotFound
}

func (g *fakeGraph) SearchAnnotations(_ context.Context, target, typ string) ([]nexus.Resource, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.searches++
	if g.failSearch != nil {
		if err := g.failSearch(target, typ); err != nil {
			return nil, err
		}
	}
	return g.existing[target+"|"+typ], nil
}

func (g *fakeGraph) Create(_ context.Context, payload any, _ string) (nexus.Resource, error) {
	m := asMap(payload)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failCreates != nil {
		if err := g.failCreates(m); err != nil {
			return nil, err
		}
	}
	g.created = append(g.created, m)
	return nexus.Resource{"@id": m["@id"], "_rev": float64(1)}, nil
}

func (g *fakeGraph) Update(_ context.Context, id string, rev int, _ any, _ string) (nexus.Resource, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.updated = append(g.updated, id)
	return nexus.Resource{"@id": id, "_rev": float64(rev + 1)}, nil
}

func (g *fakeGraph) Deprecate(_ context.Context, id string, rev int) (nexus.Resource, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deprecated = append(g.deprecated, id)
	return nexus.Resource{"@id": id, "_rev": float64(rev + 1), "_deprecated": true}, nil
}

func (g *fakeGraph) Upload(_ context.Context, name, _ string, r io.Reader) (nexus.Resource, error) {
	if _, err := io.ReadAll(r); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.uploaded = append(g.uploaded, name)
	return nexus.Resource{"@id": "https://files/" + name, "_self": "https://self/" + name}, nil
}

func (g *fakeGraph) createdOfType(typ string) []map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []map[string]any
	for _, c := range g.created {
		for _, ty := range nexus.Strings(c["@type"]) {
			if ty == typ {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

type fakeFetcher struct {
	dir   string
	files map[string]string
}

func (f *fakeFetcher) Fetch(ctx context.Context, cell string, dists []nexus.Distribution) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(dists) == 0 {
		return "", errors.New("no distribution")
	}
	content, ok := f.files[dists[0].ContentURL]
	if !ok {
		return "", fmt.Errorf("fetch %s: not found", dists[0].ContentURL)
	}
	p := filepath.Join(f.dir, cell, dists[0].Name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", err
	}
	return p, os.WriteFile(p, []byte(content), 0o644)
}

type fakeLedger struct {
	mu     sync.Mutex
	states map[string][]string
}

func (l *fakeLedger) Record(_ context.Context, cell, state string, _ error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.states == nil {
		l.states = make(map[string][]string)
	}
	l.states[cell] = append(l.states[cell], state)
	return nil
}

func (l *fakeLedger) last(cell string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.states[cell]
	if len(s) == 0 {
		return ""
	}
	return s[len(s)-1]
}

type fakeMirror struct {
	mu  sync.Mutex
	ops []annotation.Op
}

func (m *fakeMirror) Publish(_ context.Context, op annotation.Op) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, op)
	return nil
}

func morphResource(name string, annotations ...map[string]any) nexus.Resource {
	return morphAt("https://bbp.epfl.ch/data/"+strings.TrimSuffix(name, ".swc"), name, annotations...)
}

func morphAt(id, name string, annotations ...map[string]any) nexus.Resource {
	anns := make([]any, 0, len(annotations))
	for _, a := range annotations {
		anns = append(anns, a)
	}
	return nexus.Resource{
		"@id":   id,
		"@type": []any{"Dataset", neuro.TypeNeuronMorphology},
		"_self": "https://bbp.epfl.ch/nexus/v1/resources/bbp/mouselight/_/" + url.PathEscape(id),
		"name":  name,
		"_rev":  float64(2),
		"distribution": []any{map[string]any{
			"name":           name,
			"encodingFormat": "application/swc",
			"contentUrl":     "https://files/" + name,
		}},
		"annotation": anns,
	}
}

type harness struct {
	graph   *fakeGraph
	ledger  *fakeLedger
	mirror  *fakeMirror
	metrics *Metrics
	out     string
	runner  *Runner
}

func newHarness(t *testing.T, morphs ...nexus.Resource) *harness {
	t.Helper()
	h := &harness{
		graph:   &fakeGraph{morphs: morphs, existing: map[string][]nexus.Resource{}},
		ledger:  &fakeLedger{},
		mirror:  &fakeMirror{},
		metrics: NewMetrics(),
		out:     t.TempDir(),
	}
	fetcher := &fakeFetcher{dir: t.TempDir(), files: map[string]string{
		"https://files/good.swc": goodSWC,
		"https://files/bad.swc":  badSWC,
	}}
	started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	builder := annotation.NewBuilder(annotation.Provenance{
		Agent:    "https://bbp.epfl.ch/nexus/v1/realms/bbp/users/jdoe",
		Software: annotation.NewSoftwareAgent("morphqc", "test"),
		Started:  started,
		Ended:    started.Add(time.Minute),
	}, "https://bbp.epfl.ch/data/bbp/mouselight")
	h.runner = New(h.graph, fetcher, builder,
		export.NewWriter(h.out, "bbp", "mouselight", false, nil),
		WithLedger(h.ledger), WithMirror(h.mirror), WithMetrics(h.metrics))
	return h
}

func TestRunAll(t *testing.T) {
	h := newHarness(t, morphResource("good.swc"), morphResource("bad.swc"))
	good := "https://bbp.epfl.ch/data/good"
	bad := "https://bbp.epfl.ch/data/bad"

	sum, err := h.runner.Run(context.Background(), Settings{
		Mode: ModeAll, Workers: 2, Curated: CuratedBoth, ReallyUpdate: true, DefaultAnnotation: true,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Cells)
	assert.Equal(t, 1, sum.Failed)
	require.Contains(t, sum.Errors, bad)
	assert.True(t, strings.HasPrefix(sum.Errors[bad], "loaded: "), sum.Errors[bad])

	// Feature annotations for soma and axon, one quality annotation and the batch.
	feats := h.graph.createdOfType(neuro.TypeFeatureAnnotation)
	assert.GreaterOrEqual(t, len(feats), 2)
	require.Len(t, h.graph.createdOfType(neuro.TypeQualityAnnotation), 1)
	batches := h.graph.createdOfType(neuro.TypeBatchQualityAnnotation)
	require.Len(t, batches, 1)
	assert.Equal(t, "batch_report_bbp_mouselight", batches[0]["name"])
	assert.Len(t, nexus.Objects(batches[0]["distribution"]), 2)

	// Curation of the good cell plus the default curation of the unloadable one.
	assert.ElementsMatch(t, []string{good, bad}, h.graph.updated)
	assert.ElementsMatch(t, []string{"batch_report_bbp_mouselight.tsv", "good.json"}, h.graph.uploaded)

	assert.Equal(t, string(StageWritten), h.ledger.last(good))
	assert.Equal(t, string(StageErrored), h.ledger.last(bad))
	assert.Equal(t, sum.Writes.Succeeded, len(h.mirror.ops))
	assert.Zero(t, sum.Writes.Failed)

	// Local artifacts: both cells appear in the batch report, sorted.
	data, err := os.ReadFile(sum.BatchReport)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[1], "bad.swc\t"))
	assert.True(t, strings.HasPrefix(lines[2], "good.swc\t"))
	assert.FileExists(t, filepath.Join(h.out, "json", "bad.json"))
	assert.FileExists(t, sum.Files.Log)

	logData, err := os.ReadFile(sum.Files.Log)
	require.NoError(t, err)
	assert.Contains(t, string(logData), bad)
}

func TestRunDryRun(t *testing.T) {
	h := newHarness(t, morphResource("good.swc"))

	sum, err := h.runner.Run(context.Background(), Settings{Mode: ModeAll, Workers: 1, Curated: CuratedBoth})
	require.NoError(t, err)

	assert.Empty(t, h.graph.created)
	assert.Empty(t, h.graph.updated)
	assert.Empty(t, h.graph.uploaded)
	assert.Empty(t, h.mirror.ops)
	assert.Positive(t, sum.Plan.Creates)

	data, err := os.ReadFile(sum.Files.Annotations)
	require.NoError(t, err)
	var annotations map[string][]map[string]any
	require.NoError(t, json.Unmarshal(data, &annotations))
	assert.NotEmpty(t, annotations["https://bbp.epfl.ch/data/good"])
}

func TestRunCuratedFilter(t *testing.T) {
	curated := asMap(annotation.Curation(&checks.Report{}))
	tests := []struct {
		filter CuratedFilter
		want   int
	}{
		{CuratedYes, 1},
		{CuratedNo, 1},
		{CuratedBoth, 2},
	}
	for _, tt := range tests {
		t.Run(string(tt.filter), func(t *testing.T) {
			h := newHarness(t, morphResource("good.swc", curated), morphResource("bad.swc"))
			sum, err := h.runner.Run(context.Background(), Settings{Mode: ModeCurate, Curated: tt.filter})
			require.NoError(t, err)
			assert.Equal(t, tt.want, sum.Cells)
		})
	}
}

func TestRunCurateOnlyUpdatesMorphology(t *testing.T) {
	h := newHarness(t, morphResource("good.swc"))
	_, err := h.runner.Run(context.Background(), Settings{Mode: ModeCurate, Curated: CuratedBoth, ReallyUpdate: true})
	require.NoError(t, err)
	require.Len(t, h.graph.updated, 1)
	assert.Empty(t, h.graph.created)
}

func TestRunCancelled(t *testing.T) {
	h := newHarness(t, morphResource("good.swc"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := h.runner.Run(ctx, Settings{Mode: ModeAll, Curated: CuratedBoth, ReallyUpdate: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, sum)
	assert.Equal(t, 1, sum.Failed)
	assert.Empty(t, h.graph.created)
	assert.Empty(t, h.graph.updated)
	assert.NoFileExists(t, filepath.Join(h.out, "json", "good.json"))
}

func TestRunWriteFailure(t *testing.T) {
	h := newHarness(t, morphResource("good.swc"))
	h.graph.failCreates = func(m map[string]any) error {
		for _, ty := range nexus.Strings(m["@type"]) {
			if ty == neuro.TypeQualityAnnotation {
				return nexus.NewFatalError(errors.New("schema violation"))
			}
		}
		return nil
	}

	sum, err := h.runner.Run(context.Background(), Settings{Mode: ModeQuality, Curated: CuratedBoth, ReallyUpdate: true})
	require.NoError(t, err)
	good := "https://bbp.epfl.ch/data/good"
	require.Contains(t, sum.Errors, good)
	assert.Contains(t, sum.Errors[good], "written: ")
	assert.Equal(t, 1, sum.Writes.Failed)
	assert.Equal(t, string(StageErrored), h.ledger.last(good))
	// A cell whose quality write failed is left out of the batch.
	assert.Empty(t, h.graph.createdOfType(neuro.TypeBatchQualityAnnotation))
}

func TestRunLocal(t *testing.T) {
	dir := t.TempDir()
	paths := []string{filepath.Join(dir, "b.swc"), filepath.Join(dir, "a.swc")}
	require.NoError(t, os.WriteFile(paths[0], []byte(goodSWC), 0o644))
	require.NoError(t, os.WriteFile(paths[1], []byte(badSWC), 0o644))

	out := t.TempDir()
	r := New(nil, nil, nil, export.NewWriter(out, "local", "files", false, nil))
	sum, err := r.RunLocal(context.Background(), Settings{Mode: ModeAll, ReallyUpdate: true}, paths)
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Cells)
	assert.Equal(t, 1, sum.Failed)
	assert.Zero(t, sum.Writes.Succeeded)
	assert.FileExists(t, filepath.Join(out, "json", "a.json"))
	assert.FileExists(t, filepath.Join(out, "tsv", "b.tsv"))
	assert.FileExists(t, filepath.Join(out, "batch_report_local_files.tsv"))

	data, err := os.ReadFile(sum.Files.Features)
	require.NoError(t, err)
	var feats map[string]any
	require.NoError(t, json.Unmarshal(data, &feats))
	keys := make([]string, 0, len(feats))
	for k := range feats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	assert.Equal(t, []string{paths[0]}, keys)
}

func TestRunRequiresGraph(t *testing.T) {
	r := New(nil, nil, nil, export.NewWriter(t.TempDir(), "o", "p", false, nil))
	_, err := r.Run(context.Background(), Settings{Mode: ModeAll})
	assert.Error(t, err)
}

func TestMetricsRecorded(t *testing.T) {
	h := newHarness(t, morphResource("good.swc"))
	_, err := h.runner.Run(context.Background(), Settings{Mode: ModeQuality, Curated: CuratedBoth, ReallyUpdate: true})
	require.NoError(t, err)

	families, err := h.metrics.Registry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["morphqc_cells_total"])
	assert.True(t, names["morphqc_stage_duration_seconds"])
	assert.True(t, names["morphqc_writes_total"])

	path := filepath.Join(t.TempDir(), "morphqc.prom")
	require.NoError(t, h.metrics.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `morphqc_writes_total{op="create",outcome="ok"}`)
}

func TestRunResolvesListedEntries(t *testing.T) {
	bad := morphResource("bad.swc")
	noSelf := morphResource("orphan.swc")
	delete(noSelf, "_self")

	tests := []struct {
		name    string
		morphs  []nexus.Resource
		fail    map[string]error
		failed  string
		wantMsg string
	}{
		{
			name:    "retrieve fails",
			morphs:  []nexus.Resource{morphResource("good.swc"), bad},
			fail:    map[string]error{bad.Self(): errors.New("gateway timeout")},
			failed:  "https://bbp.epfl.ch/data/bad",
			wantMsg: "gateway timeout",
		},
		{
			name:    "entry without _self",
			morphs:  []nexus.Resource{morphResource("good.swc"), noSelf},
			failed:  "https://bbp.epfl.ch/data/orphan",
			wantMsg: "no _self",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.morphs...)
			h.graph.failRetrieve = tt.fail

			sum, err := h.runner.Run(context.Background(), Settings{Mode: ModeQuality, Workers: 2, Curated: CuratedBoth, ReallyUpdate: true})
			require.NoError(t, err)

			assert.Equal(t, 2, sum.Cells)
			assert.Equal(t, 1, sum.Failed)
			require.Contains(t, sum.Errors, tt.failed)
			assert.True(t, strings.HasPrefix(sum.Errors[tt.failed], "fetched: "), sum.Errors[tt.failed])
			assert.Contains(t, sum.Errors[tt.failed], tt.wantMsg)
			assert.Equal(t, string(StageErrored), h.ledger.last(tt.failed))

			// The full body of the good cell carried its distribution.
			assert.Equal(t, string(StageWritten), h.ledger.last("https://bbp.epfl.ch/data/good"))
			assert.Len(t, h.graph.createdOfType(neuro.TypeQualityAnnotation), 1)
		})
	}
}

func batchResource(id string, rev int) nexus.Resource {
	return nexus.Resource{
		"@id":   id,
		"@type": []any{neuro.TypeBatchQualityAnnotation},
		"_self": "https://bbp.epfl.ch/nexus/v1/resources/bbp/mouselight/_/" + url.PathEscape(id),
		"_rev":  float64(rev),
		"name":  "batch_report_bbp_mouselight",
	}
}

func TestRunBatchRerun(t *testing.T) {
	existing := batchResource("https://bbp.epfl.ch/data/batch1", 3)

	tests := []struct {
		name        string
		fail        map[string]error
		wantUpdated bool
		wantErr     string
	}{
		{name: "existing batch updated", wantUpdated: true},
		{name: "unresolved batch", fail: map[string]error{existing.Self(): errors.New("gateway timeout")}, wantErr: "resolve batch annotations"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, morphResource("good.swc"))
			h.graph.batches = []nexus.Resource{existing}
			h.graph.failRetrieve = tt.fail

			sum, err := h.runner.Run(context.Background(), Settings{Mode: ModeQuality, Curated: CuratedBoth, ReallyUpdate: true})
			require.NoError(t, err)

			assert.Empty(t, h.graph.createdOfType(neuro.TypeBatchQualityAnnotation))
			if tt.wantUpdated {
				assert.Contains(t, h.graph.updated, existing.ID())
				assert.NotContains(t, sum.Errors, "batch")
				return
			}
			assert.NotContains(t, h.graph.updated, existing.ID())
			require.Contains(t, sum.Errors, "batch")
			assert.Contains(t, sum.Errors["batch"], tt.wantErr)
		})
	}
}

func TestRunDiffFailureDropsCellPlan(t *testing.T) {
	for _, really := range []bool{true, false} {
		t.Run(fmt.Sprintf("really_update=%v", really), func(t *testing.T) {
			h := newHarness(t, morphResource("good.swc"))
			h.graph.failSearch = func(_, typ string) error {
				if typ == neuro.TypeQualityAnnotation {
					return errors.New("search unavailable")
				}
				return nil
			}

			sum, err := h.runner.Run(context.Background(), Settings{Mode: ModeAll, Curated: CuratedBoth, ReallyUpdate: really})
			require.NoError(t, err)

			good := "https://bbp.epfl.ch/data/good"
			require.Contains(t, sum.Errors, good)
			assert.True(t, strings.HasPrefix(sum.Errors[good], "diffed: "), sum.Errors[good])
			assert.Zero(t, sum.Plan.Creates)
			assert.Zero(t, sum.Plan.Updates)
			assert.Empty(t, h.graph.created)
			assert.Empty(t, h.graph.updated)
			assert.Empty(t, h.mirror.ops)
		})
	}
}

func TestRunSharedFileNames(t *testing.T) {
	h := newHarness(t,
		morphAt("https://bbp.epfl.ch/data/lab1/good", "good.swc"),
		morphAt("https://bbp.epfl.ch/data/lab2/good", "good.swc"),
		morphResource("bad.swc"),
	)

	sum, err := h.runner.Run(context.Background(), Settings{Mode: ModeQuality, Workers: 3, Curated: CuratedBoth})
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Cells)

	entries, err := os.ReadDir(filepath.Join(h.out, "json"))
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	require.Len(t, names, 3, names)
	assert.Contains(t, names, "bad.json")
	var shared int
	for _, n := range names {
		if strings.HasPrefix(n, "good_") && strings.HasSuffix(n, ".json") {
			shared++
		}
	}
	assert.Equal(t, 2, shared, names)
}

func TestAssignFiles(t *testing.T) {
	jobs := []job{
		{id: "https://a/1/cell", name: "cell.swc"},
		{id: "https://a/2/cell", name: "CELL.swc"},
		{id: "https://a/3/other", name: "other.swc"},
	}
	assignFiles(jobs)

	assert.NotEmpty(t, jobs[0].file)
	assert.NotEmpty(t, jobs[1].file)
	assert.NotEqual(t, jobs[0].file, jobs[1].file)
	assert.True(t, strings.HasPrefix(jobs[0].file, "cell_"))
	assert.True(t, strings.HasSuffix(jobs[0].file, ".swc"))
	assert.Empty(t, jobs[2].file)
}
