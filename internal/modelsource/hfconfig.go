// Package modelsource resolves model.Args from a HuggingFace-style
// config.json, either fetched over HTTP or read from a local file.
// Weight tensors themselves stay out of scope (spec.md's weight-format
// Non-goal): this package only recovers the handful of architecture
// fields Engine.Init needs to size the KV cache and reconcile vocab.
package modelsource

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/inference-sim/inference-core/internal/model"
)

// validHFRepo matches "org/model" HuggingFace repo paths, rejecting
// URL-special characters that could alter request semantics.
var validHFRepo = regexp.MustCompile(`^[a-zA-Z0-9._-]+/[a-zA-Z0-9._-]+$`)

// hfBaseURL is a var (not a const) so tests can point it at an
// httptest server instead of real HuggingFace.
var hfBaseURL = "https://huggingface.co"

const (
	httpTimeout = 30 * time.Second
	// maxConfigBytes caps config.json reads; real files are well under 100KB.
	maxConfigBytes = 10 << 20
)

// hfConfig is the subset of HuggingFace transformer config.json fields
// Engine.Init needs.
type hfConfig struct {
	VocabSize         int64 `json:"vocab_size"`
	HiddenSize        int64 `json:"hidden_size"`
	NumHiddenLayers   int64 `json:"num_hidden_layers"`
	NumAttnHeads      int64 `json:"num_attention_heads"`
	NumKeyValueHeads  int64 `json:"num_key_value_heads"`
}

// ParseConfig decodes HuggingFace config.json bytes into model.Args.
func ParseConfig(data []byte) (model.Args, error) {
	var c hfConfig
	if err := json.Unmarshal(data, &c); err != nil {
		return model.Args{}, fmt.Errorf("parse model config: %w", err)
	}
	if c.NumHiddenLayers == 0 && c.HiddenSize == 0 {
		return model.Args{}, fmt.Errorf("config.json lacks both num_hidden_layers and hidden_size")
	}
	return model.Args{
		VocabSize:  c.VocabSize,
		HiddenSize: c.HiddenSize,
		NumLayers:  c.NumHiddenLayers,
		NumHeads:   c.NumAttnHeads,
		NumKVHeads: c.NumKeyValueHeads,
	}, nil
}

// LoadConfigFile reads and parses a local config.json.
func LoadConfigFile(path string) (model.Args, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Args{}, fmt.Errorf("read model config %s: %w", path, err)
	}
	return ParseConfig(data)
}

// fetchConfigFunc is swapped out in tests to avoid real HTTP calls.
var fetchConfigFunc = fetchHFConfigBytes

// FetchConfig downloads config.json for hfRepo ("org/model") from
// HuggingFace and parses it into model.Args. Supports gated models via
// the HF_TOKEN environment variable.
func FetchConfig(hfRepo string) (model.Args, error) {
	data, err := fetchConfigFunc(hfRepo)
	if err != nil {
		return model.Args{}, err
	}
	return ParseConfig(data)
}

func fetchHFConfigBytes(hfRepo string) ([]byte, error) {
	if !validHFRepo.MatchString(hfRepo) {
		return nil, fmt.Errorf("invalid HuggingFace repo name %q: must match org/model", hfRepo)
	}
	url := fmt.Sprintf("%s/%s/resolve/main/config.json", hfBaseURL, hfRepo)

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := os.Getenv("HF_TOKEN"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{
		Timeout: httpTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 3 {
				return fmt.Errorf("too many redirects (max 3)")
			}
			host := req.URL.Hostname()
			if host != "huggingface.co" && !strings.HasSuffix(host, ".huggingface.co") {
				return fmt.Errorf("redirect to non-HuggingFace host %q blocked", host)
			}
			if host != "huggingface.co" {
				req.Header.Del("Authorization")
			}
			return nil
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("not found on HuggingFace (HTTP 404): %s", url)
	case http.StatusUnauthorized:
		return nil, fmt.Errorf("authentication required (HTTP 401): set HF_TOKEN, url=%s", url)
	default:
		return nil, fmt.Errorf("unexpected HTTP %d from HuggingFace for %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxConfigBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if int64(len(body)) > maxConfigBytes {
		return nil, fmt.Errorf("response exceeds %d bytes — likely not a config.json", maxConfigBytes)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("response from %s is not valid JSON", url)
	}
	return body, nil
}
