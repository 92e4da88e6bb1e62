package connector

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/viljo/RemoteLLMconnector/internal/config"
	"github.com/viljo/RemoteLLMconnector/internal/protocol"
)

func TestNormalizeModelName(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"meta-llama-3.1-8b-instruct-q4_k_m.gguf", "meta-llama-3.1-8b-instruct"},
		{"models/meta-llama-3.1-8b-instruct-q4_k_m.gguf", "meta-llama-3.1-8b-instruct"},
		{"llama3.2", "llama3.2"},
		{"/models/foo.bin", "foo"},
		{"Mixtral-8x7B-Instruct-Q8_0", "Mixtral-8x7B-Instruct"},
		{"model.safetensors", "model"},
		{"deepseek-r1_q4_0.gguf", "deepseek-r1"},
		{"  gpt-oss-20b ", "gpt-oss-20b"},
		{"checkpoint.pt", "checkpoint"},
	}
	for _, c := range cases {
		if got := NormalizeModelName(c.in); got != c.want {
			t.Errorf("NormalizeModelName(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestDiscoverModelsPrefersNativeEndpoint(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"models":[{"name":"llama3.2:latest"},{"name":"mistral:7b"}]}`)
	})
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"data":[{"id":"should-not-be-used"}]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	e := newTestExecutor(srv.URL, protocol.DefaultCaps(), nil)
	models, err := e.DiscoverModels(context.Background())
	if err != nil {
		t.Fatalf("DiscoverModels: %v", err)
	}
	// Native names pass through untouched, tags included.
	want := []string{"llama3.2:latest", "mistral:7b"}
	if !reflect.DeepEqual(models, want) {
		t.Errorf("models = %v, want %v", models, want)
	}
}

func TestDiscoverModelsFallsBackToOpenAI(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"data":[{"id":"models/meta-llama-3.1-8b-instruct-q4_k_m.gguf"},{"id":"mistral-7b"}]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	e := newTestExecutor(srv.URL, protocol.DefaultCaps(), nil)
	models, err := e.DiscoverModels(context.Background())
	if err != nil {
		t.Fatalf("DiscoverModels: %v", err)
	}
	want := []string{"meta-llama-3.1-8b-instruct", "mistral-7b"}
	if !reflect.DeepEqual(models, want) {
		t.Errorf("models = %v, want %v", models, want)
	}
}

func TestDiscoverModelsDedupes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"data":[{"id":"foo.gguf"},{"id":"foo.bin"},{"id":"bar"}]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	e := newTestExecutor(srv.URL, protocol.DefaultCaps(), nil)
	models, err := e.DiscoverModels(context.Background())
	if err != nil {
		t.Fatalf("DiscoverModels: %v", err)
	}
	want := []string{"foo", "bar"}
	if !reflect.DeepEqual(models, want) {
		t.Errorf("models = %v, want %v", models, want)
	}
}

func TestDiscoverModelsErrors(t *testing.T) {
	t.Run("both endpoints down", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusInternalServerError)
		}))
		defer srv.Close()

		e := newTestExecutor(srv.URL, protocol.DefaultCaps(), nil)
		if _, err := e.DiscoverModels(context.Background()); err == nil {
			t.Fatal("DiscoverModels succeeded against a dead backend")
		}
	})

	t.Run("empty model list", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		})
		mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `{"data":[]}`)
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()

		e := newTestExecutor(srv.URL, protocol.DefaultCaps(), nil)
		if _, err := e.DiscoverModels(context.Background()); err == nil {
			t.Fatal("DiscoverModels succeeded with no models reported")
		}
	})
}

func TestDiscoveryAuthHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		io.WriteString(w, `{"models":[{"name":"m"}]}`)
	}))
	defer srv.Close()

	e := newTestExecutor(srv.URL, protocol.DefaultCaps(), func(cfg *config.Connector) {
		cfg.LLMAPIKey = "sk-local"
	})
	if _, err := e.DiscoverModels(context.Background()); err != nil {
		t.Fatalf("DiscoverModels: %v", err)
	}
	if gotAuth != "Bearer sk-local" {
		t.Errorf("Authorization = %q, want the local key", gotAuth)
	}
}

func TestCheckHealth(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"data":[]}`)
	}))
	defer up.Close()
	if e := newTestExecutor(up.URL, protocol.DefaultCaps(), nil); !e.CheckHealth(context.Background()) {
		t.Error("CheckHealth = false against a live backend")
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer down.Close()
	if e := newTestExecutor(down.URL, protocol.DefaultCaps(), nil); e.CheckHealth(context.Background()) {
		t.Error("CheckHealth = true against a dead backend")
	}
}
