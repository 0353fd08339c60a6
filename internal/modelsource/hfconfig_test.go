package modelsource

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withTestHFServer points hfBaseURL at server for the duration of the
// test, restoring the real URL on cleanup. fetchHFConfigBytes builds
// its own request, so tests exercise the real code path instead of a
// stand-in.
func withTestHFServer(t *testing.T, server *httptest.Server) {
	t.Helper()
	old := hfBaseURL
	hfBaseURL = server.URL
	t.Cleanup(func() { hfBaseURL = old })
}

func TestParseConfig_RecoversArchitectureFields(t *testing.T) {
	args, err := ParseConfig([]byte(`{"vocab_size":32000,"hidden_size":4096,"num_hidden_layers":32,"num_attention_heads":32,"num_key_value_heads":8}`))
	require.NoError(t, err)
	assert.Equal(t, int64(32000), args.VocabSize)
	assert.Equal(t, int64(4096), args.HiddenSize)
	assert.Equal(t, int64(32), args.NumLayers)
	assert.Equal(t, int64(32), args.NumHeads)
	assert.Equal(t, int64(8), args.NumKVHeads)
}

func TestParseConfig_RejectsNonModelJSON(t *testing.T) {
	_, err := ParseConfig([]byte(`{"error":"not found"}`))
	assert.Error(t, err)
}

func TestLoadConfigFile_ReadsAndParses(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"hidden_size":8,"num_hidden_layers":1,"num_attention_heads":2,"vocab_size":8}`), 0o644))

	args, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(8), args.VocabSize)
}

func TestLoadConfigFile_MissingFile(t *testing.T) {
	_, err := LoadConfigFile("/nonexistent/config.json")
	assert.Error(t, err)
}

func TestFetchConfig_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/test-org/test-model/resolve/main/config.json", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"num_hidden_layers":32,"hidden_size":4096}`))
	}))
	defer server.Close()
	withTestHFServer(t, server)

	args, err := FetchConfig("test-org/test-model")
	require.NoError(t, err)
	assert.Equal(t, int64(32), args.NumLayers)
	assert.Equal(t, int64(4096), args.HiddenSize)
}

func TestFetchConfig_RejectsMalformedRepo(t *testing.T) {
	_, err := FetchConfig("not-a-valid-repo-name!!")
	assert.Error(t, err)
}

func TestFetchConfig_404(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()
	withTestHFServer(t, server)

	_, err := FetchConfig("test/model")
	assert.Error(t, err)
}

func TestFetchConfig_401(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()
	withTestHFServer(t, server)

	_, err := FetchConfig("test/model")
	assert.Error(t, err)
}

func TestFetchConfig_HFTokenHeader(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"hidden_size":4096,"num_hidden_layers":32}`))
	}))
	defer server.Close()
	withTestHFServer(t, server)
	t.Setenv("HF_TOKEN", "test-token-123")

	_, err := FetchConfig("test/model")
	require.NoError(t, err)
	assert.Equal(t, "Bearer test-token-123", gotAuth)
}

func TestFetchConfig_NoAuthHeaderWithoutToken(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"hidden_size":4096,"num_hidden_layers":32}`))
	}))
	defer server.Close()
	withTestHFServer(t, server)
	t.Setenv("HF_TOKEN", "")

	_, err := FetchConfig("test/model")
	require.NoError(t, err)
	assert.Empty(t, gotAuth)
}

func TestFetchConfig_InvalidJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`<html>error page</html>`))
	}))
	defer server.Close()
	withTestHFServer(t, server)

	_, err := FetchConfig("test/model")
	assert.Error(t, err)
}
