package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esmero/strawberry-runners-sub000/errors"
	"github.com/esmero/strawberry-runners-sub000/registry"
	"github.com/esmero/strawberry-runners-sub000/runner"
)

// embeddingsServer fakes an OpenAI-compatible /v1/embeddings endpoint
func embeddingsServer(t *testing.T, vector []float32, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		require.Equal(t, http.MethodPost, r.Method)

		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Input, 1)

		resp := map[string]any{
			"object": "list",
			"model":  req.Model,
			"data": []map[string]any{
				{"object": "embedding", "index": 0, "embedding": vector},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func settingsFor(baseURL string) json.RawMessage {
	raw, _ := json.Marshal(map[string]any{
		"base_url": baseURL + "/v1",
		"model":    "nomic-embed-text",
	})
	return raw
}

func TestNewRequiresEndpointAndModel(t *testing.T) {
	_, err := New(json.RawMessage(`{"model":"m"}`), registry.Dependencies{})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = New(json.RawMessage(`{"base_url":"http://localhost:11434/v1"}`), registry.Dependencies{})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestRunGeneratesVector(t *testing.T) {
	vector := []float32{0.25, -0.5, 0.75}
	srv := embeddingsServer(t, vector, nil)
	defer srv.Close()

	r, err := New(settingsFor(srv.URL), registry.Dependencies{})
	require.NoError(t, err)

	out, err := r.Run(context.Background(), &runner.Input{
		JSON: &runner.JSONPayload{Raw: json.RawMessage(`{"plaintext":"hello world","sequence":1}`)},
	})
	require.NoError(t, err)
	require.NotNil(t, out.Indexable)

	assert.Equal(t, "hello world", out.Indexable.Plaintext)
	assert.Equal(t, vector, out.Indexable.Vectors["vector_nomic-embed-text"])
}

func TestRunFallsBackToFulltext(t *testing.T) {
	srv := embeddingsServer(t, []float32{1}, nil)
	defer srv.Close()

	r, err := New(settingsFor(srv.URL), registry.Dependencies{})
	require.NoError(t, err)

	out, err := r.Run(context.Background(), &runner.Input{
		JSON: &runner.JSONPayload{Raw: json.RawMessage(`{"fulltext":"  page text  "}`)},
	})
	require.NoError(t, err)
	require.NotNil(t, out.Indexable)
	assert.Equal(t, "page text", out.Indexable.Plaintext)
}

func TestRunBareStringPayload(t *testing.T) {
	srv := embeddingsServer(t, []float32{1}, nil)
	defer srv.Close()

	r, err := New(settingsFor(srv.URL), registry.Dependencies{})
	require.NoError(t, err)

	out, err := r.Run(context.Background(), &runner.Input{
		JSON: &runner.JSONPayload{Raw: json.RawMessage(`"just text"`)},
	})
	require.NoError(t, err)
	require.NotNil(t, out.Indexable)
	assert.Equal(t, "just text", out.Indexable.Plaintext)
}

func TestRunEmptyTextIsNoOp(t *testing.T) {
	var calls atomic.Int64
	srv := embeddingsServer(t, []float32{1}, &calls)
	defer srv.Close()

	r, err := New(settingsFor(srv.URL), registry.Dependencies{})
	require.NoError(t, err)

	out, err := r.Run(context.Background(), &runner.Input{
		JSON: &runner.JSONPayload{Raw: json.RawMessage(`{"plaintext":"   "}`)},
	})
	require.NoError(t, err)
	assert.False(t, out.HasContent())
	assert.Zero(t, calls.Load(), "no API call for empty text")
}

func TestRunMissingPayload(t *testing.T) {
	r, err := New(settingsFor("http://localhost:1"), registry.Dependencies{})
	require.NoError(t, err)

	_, err = r.Run(context.Background(), &runner.Input{})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = r.Run(context.Background(), &runner.Input{
		JSON: &runner.JSONPayload{Raw: json.RawMessage(`{"sequence":2}`)},
	})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestVectorFieldOverride(t *testing.T) {
	srv := embeddingsServer(t, []float32{0.5}, nil)
	defer srv.Close()

	raw, _ := json.Marshal(map[string]any{
		"base_url":     srv.URL + "/v1",
		"model":        "text-embedding-3-small",
		"vector_field": "embedding",
	})
	r, err := New(raw, registry.Dependencies{})
	require.NoError(t, err)

	out, err := r.Run(context.Background(), &runner.Input{
		JSON: &runner.JSONPayload{Raw: json.RawMessage(`{"plaintext":"x"}`)},
	})
	require.NoError(t, err)
	assert.Contains(t, out.Indexable.Vectors, "embedding")
}

func TestRegister(t *testing.T) {
	reg := registry.NewRegistry()
	require.NoError(t, Register(reg))

	def, err := reg.Definition(PluginID)
	require.NoError(t, err)
	assert.Equal(t, registry.InputJSON, def.InputType)
	assert.Equal(t, "json", def.InputProperty)
}
