package inference

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))
}

// fakeOllama is a scriptable /api server.
type fakeOllama struct {
	mu        sync.Mutex
	models    []string
	generate  func(req generateRequest) (int, generateResponse)
	requests  []generateRequest
	pulls     []string
	tagsCalls atomic.Int32
}

func (f *fakeOllama) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		f.tagsCalls.Add(1)
		f.mu.Lock()
		defer f.mu.Unlock()
		var resp tagsResponse
		for _, m := range f.models {
			resp.Models = append(resp.Models, ModelInfo{Name: m})
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/api/pull", func(w http.ResponseWriter, r *http.Request) {
		var req pullRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.pulls = append(f.pulls, req.Name)
		f.models = append(f.models, req.Name)
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"status":"success"}`))
	})
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.requests = append(f.requests, req)
		gen := f.generate
		f.mu.Unlock()

		status, resp := http.StatusOK, generateResponse{Response: "ok", Done: true}
		if gen != nil {
			status, resp = gen(req)
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	})
	return mux
}

func newTestGateway(t *testing.T, f *fakeOllama) (*Gateway, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	g := NewGateway(GatewayOptions{
		Host:           srv.URL,
		Model:          "llama3.1:8b",
		Temperature:    0.1,
		PollInterval:   5 * time.Millisecond,
		WarmupInterval: 5 * time.Millisecond,
		StartTimeout:   100 * time.Millisecond,
		LoadTimeout:    200 * time.Millisecond,
		HTTPClient:     srv.Client(),
		LookPath: func(string) (string, error) {
			return "", errors.New("not installed")
		},
	})
	return g, srv
}

func TestHealthCheck(t *testing.T) {
	g, _ := newTestGateway(t, &fakeOllama{})
	assert.True(t, g.HealthCheck(context.Background()))

	down := NewGateway(GatewayOptions{Host: "http://127.0.0.1:1", HealthTimeout: 200 * time.Millisecond})
	assert.False(t, down.HealthCheck(context.Background()))
}

func TestEnsureRunning_MissingExecutable(t *testing.T) {
	started := false
	g := NewGateway(GatewayOptions{
		Host:          "http://127.0.0.1:1",
		HealthTimeout: 100 * time.Millisecond,
		LookPath:      func(string) (string, error) { return "", errors.New("not found") },
		StartProcess: func(string, ...string) error {
			started = true
			return nil
		},
	})
	assert.False(t, g.EnsureRunning(context.Background(), 50*time.Millisecond))
	assert.False(t, started)
}

func TestEnsureRunning_StartsAndPolls(t *testing.T) {
	f := &fakeOllama{}
	srv := httptest.NewUnstartedServer(f.handler())
	t.Cleanup(srv.Close)

	var gotArgs []string
	g := NewGateway(GatewayOptions{
		Host:          "http://" + srv.Listener.Addr().String(),
		HealthTimeout: 100 * time.Millisecond,
		PollInterval:  5 * time.Millisecond,
		LookPath:      func(string) (string, error) { return "/usr/local/bin/ollama", nil },
		StartProcess: func(path string, args ...string) error {
			gotArgs = append([]string{path}, args...)
			srv.Start()
			return nil
		},
	})

	assert.True(t, g.EnsureRunning(context.Background(), 2*time.Second))
	assert.Equal(t, []string{"/usr/local/bin/ollama", "serve"}, gotArgs)
}

func TestEnsureModelLoaded_PullsMissingModel(t *testing.T) {
	f := &fakeOllama{models: []string{"mistral:latest"}}
	g, _ := newTestGateway(t, f)

	assert.True(t, g.EnsureModelLoaded(context.Background(), "llama3.1:8b", "", time.Second))
	assert.Equal(t, []string{"llama3.1:8b"}, f.pulls)

	require.NotEmpty(t, f.requests)
	warm := f.requests[0]
	assert.Equal(t, "Hello", warm.Prompt)
	require.NotNil(t, warm.Options)
	assert.Equal(t, 5, warm.Options.NumPredict)
}

func TestEnsureModelLoaded_LatestTagMatches(t *testing.T) {
	f := &fakeOllama{models: []string{"phi3:latest"}}
	g, _ := newTestGateway(t, f)

	assert.True(t, g.EnsureModelLoaded(context.Background(), "phi3", "", time.Second))
	assert.Empty(t, f.pulls)
}

func TestEnsureModelLoaded_WarmupNeverAnswers(t *testing.T) {
	f := &fakeOllama{
		models: []string{"llama3.1:8b"},
		generate: func(generateRequest) (int, generateResponse) {
			return http.StatusOK, generateResponse{Response: ""}
		},
	}
	g, _ := newTestGateway(t, f)

	start := time.Now()
	assert.False(t, g.EnsureModelLoaded(context.Background(), "", "", 50*time.Millisecond))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestReady_ChecksOnce(t *testing.T) {
	f := &fakeOllama{models: []string{"llama3.1:8b"}}
	g, _ := newTestGateway(t, f)

	var wg sync.WaitGroup
	results := make([]bool, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = g.Ready(context.Background())
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.True(t, r)
	}
	calls := f.tagsCalls.Load()

	assert.True(t, g.Ready(context.Background()))
	assert.Equal(t, calls, f.tagsCalls.Load(), "ready must not re-check")
}

func TestReady_FailureIsRemembered(t *testing.T) {
	g := NewGateway(GatewayOptions{
		Host:          "http://127.0.0.1:1",
		HealthTimeout: 50 * time.Millisecond,
		LookPath:      func(string) (string, error) { return "", errors.New("not found") },
	})
	assert.False(t, g.Ready(context.Background()))
	assert.False(t, g.Ready(context.Background()))
}

func TestGenerate(t *testing.T) {
	f := &fakeOllama{
		generate: func(req generateRequest) (int, generateResponse) {
			return http.StatusOK, generateResponse{Response: `{"analysis":"x","confidence":0.9}`, Done: true}
		},
	}
	g, _ := newTestGateway(t, f)

	shot := filepath.Join(t.TempDir(), "shot.png")
	require.NoError(t, os.WriteFile(shot, []byte("png-bytes"), 0644))

	out, err := g.Generate(context.Background(), "why did it fail?", shot)
	require.NoError(t, err)
	assert.Contains(t, out, `"confidence":0.9`)

	require.Len(t, f.requests, 1)
	req := f.requests[0]
	assert.Equal(t, "llama3.1:8b", req.Model)
	assert.Equal(t, "why did it fail?", req.Prompt)
	assert.Equal(t, DefaultSystemPrompt, req.System)
	assert.False(t, req.Stream)
	require.NotNil(t, req.Options.Temperature)
	assert.InDelta(t, 0.1, *req.Options.Temperature, 1e-9)
	assert.Equal(t, 8192, req.Options.NumCtx)
	require.Len(t, req.Images, 1)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("png-bytes")), req.Images[0])
}

func TestGenerate_MissingScreenshotIsNotFatal(t *testing.T) {
	f := &fakeOllama{}
	g, _ := newTestGateway(t, f)

	_, err := g.Generate(context.Background(), "p", filepath.Join(t.TempDir(), "missing.png"))
	require.NoError(t, err)
	assert.Empty(t, f.requests[0].Images)
}

func TestGenerate_Failures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		resp    generateResponse
		wantErr error
	}{
		{"empty response", http.StatusOK, generateResponse{Response: "  \n"}, ErrEmptyResponse},
		{"error field", http.StatusOK, generateResponse{Error: "model not found"}, nil},
		{"server error", http.StatusInternalServerError, generateResponse{Error: "boom"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeOllama{generate: func(generateRequest) (int, generateResponse) { return tt.status, tt.resp }}
			g, _ := newTestGateway(t, f)

			out, err := g.Generate(context.Background(), "p", "")
			require.Error(t, err)
			assert.Empty(t, out)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestGenerate_TransportError(t *testing.T) {
	g := NewGateway(GatewayOptions{Host: "http://127.0.0.1:1", GenerateTimeout: 200 * time.Millisecond})
	_, err := g.Generate(context.Background(), "p", "")
	assert.Error(t, err)
}

func TestUnload(t *testing.T) {
	f := &fakeOllama{}
	g, _ := newTestGateway(t, f)

	require.NoError(t, g.Unload(context.Background()))
	require.Len(t, f.requests, 1)
	require.NotNil(t, f.requests[0].KeepAlive)
	assert.Equal(t, 0, *f.requests[0].KeepAlive)
}

func TestListModels(t *testing.T) {
	f := &fakeOllama{models: []string{"a:latest", "b:7b"}}
	g, _ := newTestGateway(t, f)

	models, err := g.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "b:7b", models[1].Name)
}
