package download

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BlueBrain/data-integration-pipelines-sub000/nexus"
)

type fakeGraph struct {
	files map[string]string
}

func (f *fakeGraph) Download(_ context.Context, contentURL string, w io.Writer) error {
	body, ok := f.files[contentURL]
	if !ok {
		return nexus.ErrNotFound
	}
	_, err := io.WriteString(w, body)
	return err
}

type fakeS3 struct {
	objects map[string]string
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewBufferString(body))}, nil
}

const swc = "1 1 0 0 0 5 -1\n"

func TestSelect(t *testing.T) {
	tests := []struct {
		name    string
		dists   []nexus.Distribution
		want    string
		wantErr bool
	}{
		{"by encoding format", []nexus.Distribution{
			{Name: "cell.h5", EncodingFormat: "application/h5", ContentURL: "https://x/1"},
			{Name: "cell", EncodingFormat: "application/swc", ContentURL: "https://x/2"},
		}, "https://x/2", false},
		{"by extension", []nexus.Distribution{
			{Name: "cell.asc", ContentURL: "https://x/1"},
			{Name: "cell.SWC", ContentURL: "https://x/2"},
		}, "https://x/2", false},
		{"none", []nexus.Distribution{{Name: "cell.asc", ContentURL: "https://x/1"}}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Select(tt.dists)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnsupportedEncoding)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.ContentURL)
		})
	}
}

func TestFetchSources(t *testing.T) {
	local := filepath.Join(t.TempDir(), "local.swc")
	require.NoError(t, os.WriteFile(local, []byte(swc), 0o644))

	d, err := New(filepath.Join(t.TempDir(), "downloads"),
		&fakeGraph{files: map[string]string{"https://bbp.epfl.ch/nexus/v1/files/bbp/ml/f1": swc}},
		&fakeS3{objects: map[string]string{"morphologies/cells/c2.swc": swc}},
		nil)
	require.NoError(t, err)

	tests := []struct {
		cell string
		dist nexus.Distribution
	}{
		{"https://bbp.epfl.ch/data/c1", nexus.Distribution{Name: "c1.swc", ContentURL: "https://bbp.epfl.ch/nexus/v1/files/bbp/ml/f1"}},
		{"c2", nexus.Distribution{Name: "c2.swc", ContentURL: "s3://morphologies/cells/c2.swc"}},
		{"c3", nexus.Distribution{Name: "c3.swc", ContentURL: "file://" + local}},
		{"c4", nexus.Distribution{Name: "c4.swc", ContentURL: local}},
	}
	for _, tt := range tests {
		t.Run(tt.cell, func(t *testing.T) {
			p, err := d.Fetch(context.Background(), tt.cell, []nexus.Distribution{tt.dist})
			require.NoError(t, err)
			assert.Equal(t, d.CellDir(tt.cell), filepath.Dir(p))
			data, err := os.ReadFile(p)
			require.NoError(t, err)
			assert.Equal(t, swc, string(data))
		})
	}

	assert.True(t, strings.HasPrefix(filepath.Base(d.CellDir("https://bbp.epfl.ch/data/c1")), "c1-"))

	require.NoError(t, d.Cleanup())
	_, err = os.Stat(d.Root())
	assert.True(t, os.IsNotExist(err))
}

func TestCellDirDistinguishesSharedBaseNames(t *testing.T) {
	d, err := New(t.TempDir(), &fakeGraph{}, nil, nil)
	require.NoError(t, err)

	tests := []struct {
		a, b string
		same bool
	}{
		{"https://bbp.epfl.ch/data/lab1/cell", "https://bbp.epfl.ch/data/lab2/cell", false},
		{"https://bbp.epfl.ch/data/cell", "https://bbp.epfl.ch/data/cell", true},
		{"cell", "cell.swc", false},
	}
	for _, tt := range tests {
		t.Run(tt.a+" "+tt.b, func(t *testing.T) {
			da, db := d.CellDir(tt.a), d.CellDir(tt.b)
			assert.Equal(t, d.Root(), filepath.Dir(da))
			if tt.same {
				assert.Equal(t, da, db)
			} else {
				assert.NotEqual(t, da, db)
			}
		})
	}
}

func TestFetchSharedBaseNameKeepsBothFiles(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.swc")
	second := filepath.Join(dir, "second.swc")
	require.NoError(t, os.WriteFile(first, []byte(swc), 0o644))
	require.NoError(t, os.WriteFile(second, []byte("1 1 0 0 0 9 -1\n"), 0o644))

	d, err := New(t.TempDir(), &fakeGraph{}, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()
	pa, err := d.Fetch(ctx, "https://bbp.epfl.ch/data/lab1/cell", []nexus.Distribution{{Name: "cell.swc", ContentURL: first}})
	require.NoError(t, err)
	pb, err := d.Fetch(ctx, "https://bbp.epfl.ch/data/lab2/cell", []nexus.Distribution{{Name: "cell.swc", ContentURL: second}})
	require.NoError(t, err)

	require.NotEqual(t, pa, pb)
	data, err := os.ReadFile(pa)
	require.NoError(t, err)
	assert.Equal(t, swc, string(data))
}

func TestFetchFailureLeavesNoFile(t *testing.T) {
	d, err := New(t.TempDir(), &fakeGraph{}, nil, nil)
	require.NoError(t, err)

	_, err = d.Fetch(context.Background(), "c1", []nexus.Distribution{{Name: "c1.swc", ContentURL: "https://x/missing"}})
	require.Error(t, err)
	assert.True(t, IsLoadError(err))
	assert.ErrorIs(t, err, nexus.ErrNotFound)

	entries, err := os.ReadDir(d.CellDir("c1"))
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = d.Fetch(context.Background(), "c2", []nexus.Distribution{{Name: "c2.swc", ContentURL: "s3://b/k"}})
	assert.True(t, IsLoadError(err))

	_, err = d.Fetch(context.Background(), "c3", []nexus.Distribution{{Name: "c3.h5"}})
	assert.ErrorIs(t, err, ErrUnsupportedEncoding)
}
