package connector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const discoveryTimeout = 5 * time.Second

// Weight-file extensions stripped from discovered model identifiers.
var modelExtensions = []string{".gguf", ".bin", ".safetensors", ".pt", ".pth", ".onnx"}

// Quantization suffixes like -Q4_K_M or _q8_0 at the end of a model id.
var quantSuffix = regexp.MustCompile(`[-_][qQ]\d+[_kKmM]*[_\d]*$`)

// DiscoverModels queries the local backend for its model list. The Ollama
// native endpoint is tried first because Ollama also exposes /v1/models with
// less useful ids; OpenAI-compatible servers only have the latter.
func (e *executor) DiscoverModels(ctx context.Context) ([]string, error) {
	if raw, err := e.get(ctx, "/api/tags"); err == nil {
		var models []string
		for _, name := range gjson.GetBytes(raw, "models.#.name").Array() {
			if s := name.String(); s != "" {
				models = append(models, s)
			}
		}
		if len(models) > 0 {
			e.log.Info("discovered models", "endpoint", "/api/tags", "count", len(models))
			return dedupe(models), nil
		}
	}

	raw, err := e.get(ctx, "/v1/models")
	if err != nil {
		return nil, fmt.Errorf("model discovery: %w", err)
	}
	var models []string
	for _, id := range gjson.GetBytes(raw, "data.#.id").Array() {
		if s := NormalizeModelName(id.String()); s != "" {
			models = append(models, s)
		}
	}
	if len(models) == 0 {
		return nil, fmt.Errorf("model discovery: backend reported no models")
	}
	e.log.Info("discovered models", "endpoint", "/v1/models", "count", len(models))
	return dedupe(models), nil
}

// CheckHealth reports whether the local backend answers a model listing.
func (e *executor) CheckHealth(ctx context.Context) bool {
	if _, err := e.get(ctx, "/v1/models"); err == nil {
		return true
	}
	_, err := e.get(ctx, "/api/tags")
	return err == nil
}

func (e *executor) get(ctx context.Context, p string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+p, nil)
	if err != nil {
		return nil, err
	}
	if e.localKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.localKey)
	}
	if e.hostOverride != "" {
		req.Host = e.hostOverride
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("GET %s: status %d", p, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

// NormalizeModelName converts a backend file path like
// "models/meta-llama-3.1-8b-instruct-q4_k_m.gguf" into the id callers use,
// here "meta-llama-3.1-8b-instruct". Names already clean pass through.
func NormalizeModelName(name string) string {
	name = path.Base(strings.TrimSpace(name))
	lower := strings.ToLower(name)
	for _, ext := range modelExtensions {
		if strings.HasSuffix(lower, ext) {
			name = name[:len(name)-len(ext)]
			break
		}
	}
	name = quantSuffix.ReplaceAllString(name, "")
	return name
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
