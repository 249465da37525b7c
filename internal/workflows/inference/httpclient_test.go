package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientIsModelReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/text_embedder/m1/ready", r.URL.Path)
		_ = json.NewEncoder(w).Encode(readyResponse{Ready: true})
	}))
	defer srv.Close()

	c := New(srv.URL, 0)
	ready, err := c.IsModelReady(context.Background(), "text_embedder", "m1")
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestClientForwardQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req forwardQueryRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "hello", req.Query)
		_ = json.NewEncoder(w).Encode(vectorResponse{Vector: []float32{1, 2, 3}})
	}))
	defer srv.Close()

	c := New(srv.URL, 0)
	vec, err := c.ForwardQuery(context.Background(), "text_embedder", "m1", "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, vec)
}

func TestClientForwardItems(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req forwardItemsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Items, 2)
		_ = json.NewEncoder(w).Encode(vectorsResponse{Vectors: [][]float32{{1, 0}, {0, 1}}})
	}))
	defer srv.Close()

	c := New(srv.URL, 0)
	vecs, err := c.ForwardItems(context.Background(), "text_embedder", "m1", []interface{}{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vecs)
}

func TestClientClassifiesServerUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, 0)
	_, err := c.IsModelReady(context.Background(), "text_embedder", "m1")
	require.Error(t, err)
}
