package nexus_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/BlueBrain/data-integration-pipelines-sub000/nexus"
)

var bucket = nexus.Bucket{Org: "bbp", Project: "mouselight"}

func fastRetry() nexus.RetryConfig {
	return nexus.RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 2,
		MaxBackoff:        5 * time.Millisecond,
	}
}

func newClient(url string, opts ...nexus.ClientOption) *nexus.Client {
	return nexus.NewClient(url, bucket, append([]nexus.ClientOption{nexus.WithRetryConfig(fastRetry())}, opts...)...)
}

func TestClient_Retrieve(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/resources/bbp/mouselight/_/https:%2F%2Fbbp.epfl.ch%2Fdata%2Fcell1", r.URL.EscapedPath())
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/ld+json")
		json.NewEncoder(w).Encode(map[string]any{
			"@id":         "https://bbp.epfl.ch/data/cell1",
			"@type":       []string{"Entity", "NeuronMorphology"},
			"_rev":        4,
			"_createdAt":  "2024-05-01T10:00:00Z",
			"_deprecated": false,
		})
	}))
	defer server.Close()

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "secret", TokenType: "Bearer"})
	c := newClient(server.URL, nexus.WithTokenSource(ts))

	res, err := c.Retrieve(context.Background(), "https://bbp.epfl.ch/data/cell1")
	require.NoError(t, err)
	assert.Equal(t, "https://bbp.epfl.ch/data/cell1", res.ID())
	assert.Equal(t, 4, res.Rev())
	assert.True(t, res.HasType("NeuronMorphology"))
	assert.Equal(t, 2024, res.CreatedAt().Year())
}

func TestClient_RetryOnTransientError(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"@id": "x", "_rev": 1})
	}))
	defer server.Close()

	res, err := newClient(server.URL).Retrieve(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "x", res.ID())
	assert.Equal(t, int32(3), attempts.Load())
}

func TestClient_RetriesExhausted(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := newClient(server.URL).Retrieve(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, nexus.IsGraphIOError(err))
	assert.True(t, nexus.IsTransient(err))
	assert.Equal(t, int32(3), attempts.Load())
}

func TestClient_NoRetryOnFatalError(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"reason":"invalid payload"}`))
	}))
	defer server.Close()

	_, err := newClient(server.URL).Create(context.Background(), map[string]any{"@type": "Annotation"}, "")
	require.Error(t, err)
	assert.True(t, nexus.IsFatal(err))
	assert.Contains(t, err.Error(), "invalid payload")
	assert.Equal(t, int32(1), attempts.Load())
}

func TestClient_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := newClient(server.URL).Retrieve(context.Background(), "missing")
	assert.True(t, errors.Is(err, nexus.ErrNotFound))
}

func TestClient_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	_, err := newClient(server.URL, nexus.WithTimeout(20*time.Millisecond)).Retrieve(context.Background(), "slow")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestClient_ListPaginates(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "NeuronMorphology", r.URL.Query().Get("type"))
		page := map[string]any{"_total": 3}
		if r.URL.Query().Get("after") == "" {
			page["_results"] = []map[string]any{{"@id": "a"}, {"@id": "b"}}
			page["_next"] = server.URL + "/resources/bbp/mouselight?type=NeuronMorphology&after=b"
		} else {
			page["_results"] = []map[string]any{{"@id": "c"}}
		}
		json.NewEncoder(w).Encode(page)
	}))
	defer server.Close()

	c := newClient(server.URL)
	all, err := c.List(context.Background(), "NeuronMorphology", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[2].ID())

	limited, err := c.List(context.Background(), "NeuronMorphology", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestClient_SearchAnnotations(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/_search"):
			assert.Equal(t, http.MethodPost, r.Method)
			body, _ := io.ReadAll(r.Body)
			assert.Contains(t, string(body), "hasTarget.hasSource.@id")
			assert.Contains(t, string(body), "https://bbp.epfl.ch/data/cell1")
			json.NewEncoder(w).Encode(map[string]any{"hits": map[string]any{"hits": []any{
				map[string]any{"_source": map[string]any{"_self": server.URL + "/resources/bbp/mouselight/_/ann1"}},
				map[string]any{"_source": map[string]any{"_self": server.URL + "/resources/bbp/mouselight/_/ann2"}},
			}}})
		case strings.HasSuffix(r.URL.Path, "/ann1"):
			json.NewEncoder(w).Encode(map[string]any{"@id": "ann1", "_rev": 2})
		case strings.HasSuffix(r.URL.Path, "/ann2"):
			json.NewEncoder(w).Encode(map[string]any{"@id": "ann2", "_rev": 3, "_deprecated": true})
		}
	}))
	defer server.Close()

	got, err := newClient(server.URL).SearchAnnotations(context.Background(), "https://bbp.epfl.ch/data/cell1", "QualityMeasurementAnnotation")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ann1", got[0].ID())
}

func TestClient_WriteOperations(t *testing.T) {
	type call struct{ method, path, query string }
	var calls []call
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, call{r.Method, r.URL.EscapedPath(), r.URL.RawQuery})
		json.NewEncoder(w).Encode(map[string]any{"@id": "ann", "_rev": 2})
	}))
	defer server.Close()

	c := newClient(server.URL)
	ctx := context.Background()

	_, err := c.Create(ctx, map[string]any{"@type": "Annotation"}, "")
	require.NoError(t, err)
	_, err = c.Update(ctx, "ann", 1, map[string]any{"@type": "Annotation"}, "")
	require.NoError(t, err)
	_, err = c.Deprecate(ctx, "ann", 2)
	require.NoError(t, err)
	_, err = c.UpdateSchema(ctx, "cell", "datashapes:neuronmorphology")
	require.NoError(t, err)

	assert.Equal(t, []call{
		{http.MethodPost, "/resources/bbp/mouselight/_", ""},
		{http.MethodPut, "/resources/bbp/mouselight/_/ann", "rev=1"},
		{http.MethodDelete, "/resources/bbp/mouselight/_/ann", "rev=2"},
		{http.MethodPut, "/resources/bbp/mouselight/datashapes:neuronmorphology/cell/update-schema", ""},
	}, calls)
}

func TestClient_Files(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Write([]byte("1 1 0 0 0 5 -1\n"))
		case http.MethodPost:
			assert.Equal(t, "/files/bbp/mouselight", r.URL.Path)
			f, hdr, err := r.FormFile("file")
			if !assert.NoError(t, err) {
				return
			}
			defer f.Close()
			data, _ := io.ReadAll(f)
			assert.Equal(t, "report.tsv", hdr.Filename)
			assert.Equal(t, "a\tb\n", string(data))
			json.NewEncoder(w).Encode(map[string]any{"@id": "file1", "_rev": 1})
		}
	}))
	defer server.Close()

	c := newClient(server.URL)
	var sb strings.Builder
	require.NoError(t, c.Download(context.Background(), server.URL+"/files/bbp/mouselight/cell1", &sb))
	assert.Equal(t, "1 1 0 0 0 5 -1\n", sb.String())

	res, err := c.Upload(context.Background(), "report.tsv", "text/tab-separated-values", strings.NewReader("a\tb\n"))
	require.NoError(t, err)
	assert.Equal(t, "file1", res.ID())
}

func TestClient_WhoAmI(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/identities", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"identities": []any{
			map[string]any{"@id": "https://bbp.epfl.ch/nexus/v1/anonymous", "@type": "Anonymous"},
			map[string]any{"@id": "https://bbp.epfl.ch/nexus/v1/realms/bbp/users/jdoe", "@type": "User"},
		}})
	}))
	defer server.Close()

	who, err := newClient(server.URL).WhoAmI(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://bbp.epfl.ch/nexus/v1/realms/bbp/users/jdoe", who)
}

func TestResource_Distributions(t *testing.T) {
	res := nexus.Resource{"distribution": []any{
		map[string]any{"name": "cell.swc", "encodingFormat": "application/swc", "contentUrl": "https://x/files/1"},
		map[string]any{"name": "cell.h5", "contentUrl": map[string]any{"@id": "s3://bucket/cell.h5"}},
		map[string]any{"name": "broken"},
	}}
	dists := res.Distributions()
	require.Len(t, dists, 2)
	assert.Equal(t, "application/swc", dists[0].EncodingFormat)
	assert.Equal(t, "s3://bucket/cell.h5", dists[1].ContentURL)
}

func TestResource_Payload(t *testing.T) {
	res := nexus.Resource{"@id": "a", "_rev": 3, "_self": "s", "name": "n"}
	assert.Equal(t, map[string]any{"@id": "a", "name": "n"}, res.Payload())
}

func TestParseEnvironment(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"production", "https://bbp.epfl.ch/nexus/v1", false},
		{"Staging", "https://staging.nise.bbp.epfl.ch/nexus/v1", false},
		{"aws", "https://sbo-nexus-delta.shapes-registry.org/v1", false},
		{"dev", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			env, err := nexus.ParseEnvironment(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, env.URL())
		})
	}
}

func TestParseBucket(t *testing.T) {
	b, err := nexus.ParseBucket("bbp/mouselight")
	require.NoError(t, err)
	assert.Equal(t, "bbp/mouselight", b.String())

	for _, bad := range []string{"bbp", "/x", "a/b/c", ""} {
		_, err := nexus.ParseBucket(bad)
		assert.Error(t, err, bad)
	}
}

func TestCredentials_PasswordGrant(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "password", r.Form.Get("grant_type"))
		assert.Equal(t, "jdoe", r.Form.Get("username"))
		if r.Form.Get("password") != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok","token_type":"Bearer","expires_in":3600}`))
	}))
	defer server.Close()

	cr := nexus.Credentials{TokenURL: server.URL, ClientID: "bbp-atlas-pipeline", Username: "jdoe", Password: "pw"}
	ts, err := cr.TokenSource(context.Background())
	require.NoError(t, err)
	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "tok", tok.AccessToken)

	cr.Password = "wrong"
	_, err = cr.TokenSource(context.Background())
	assert.Error(t, err)
}
