package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"e2eheal/internal/logging"
)

// =============================================================================
// OLLAMA GATEWAY
// =============================================================================

// GatewayOptions configures a Gateway. Zero values take defaults.
type GatewayOptions struct {
	Host         string
	Model        string
	Temperature  float64
	NumCtx       int
	Bin          string
	SystemPrompt string

	StartTimeout    time.Duration // waiting for a freshly started server
	LoadTimeout     time.Duration // pulling and warming the model
	GenerateTimeout time.Duration

	HealthTimeout  time.Duration
	TagsTimeout    time.Duration
	PullTimeout    time.Duration
	WarmupTimeout  time.Duration
	PollInterval   time.Duration
	WarmupInterval time.Duration

	HTTPClient *http.Client
	// LookPath and StartProcess locate and launch the server binary.
	LookPath     func(file string) (string, error)
	StartProcess func(path string, args ...string) error
}

func (o *GatewayOptions) applyDefaults() {
	if o.Host == "" {
		o.Host = "http://localhost:11434"
	}
	o.Host = strings.TrimRight(o.Host, "/")
	if o.Model == "" {
		o.Model = "llama3.1:8b"
	}
	if o.NumCtx == 0 {
		o.NumCtx = 8192
	}
	if o.Bin == "" {
		o.Bin = "ollama"
	}
	if o.SystemPrompt == "" {
		o.SystemPrompt = DefaultSystemPrompt
	}
	setDuration(&o.StartTimeout, 30*time.Second)
	setDuration(&o.LoadTimeout, 180*time.Second)
	setDuration(&o.GenerateTimeout, 5*time.Minute)
	setDuration(&o.HealthTimeout, 3*time.Second)
	setDuration(&o.TagsTimeout, 5*time.Second)
	setDuration(&o.PullTimeout, 180*time.Second)
	setDuration(&o.WarmupTimeout, 30*time.Second)
	setDuration(&o.PollInterval, time.Second)
	setDuration(&o.WarmupInterval, 3*time.Second)
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.LookPath == nil {
		o.LookPath = exec.LookPath
	}
	if o.StartProcess == nil {
		o.StartProcess = startDetached
	}
}

func setDuration(d *time.Duration, fallback time.Duration) {
	if *d <= 0 {
		*d = fallback
	}
}

// startDetached launches the server without holding on to its output.
func startDetached(path string, args ...string) error {
	cmd := exec.Command(path, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}

// Gateway manages the Ollama service lifecycle and issues analysis requests.
type Gateway struct {
	opts GatewayOptions

	startMu sync.Mutex
	checked atomic.Bool
	ready   atomic.Bool
}

var _ Service = (*Gateway)(nil)

// NewGateway creates a new Ollama gateway.
func NewGateway(opts GatewayOptions) *Gateway {
	opts.applyDefaults()
	return &Gateway{opts: opts}
}

// Name returns the backend name.
func (g *Gateway) Name() string { return "ollama" }

// Model returns the configured model.
func (g *Gateway) Model() string { return g.opts.Model }

// Host returns the service base URL.
func (g *Gateway) Host() string { return g.opts.Host }

// Ready runs EnsureRunning and EnsureModelLoaded once; later calls return
// the recorded outcome without touching the network.
func (g *Gateway) Ready(ctx context.Context) bool {
	if g.checked.Load() {
		return g.ready.Load()
	}

	g.startMu.Lock()
	defer g.startMu.Unlock()
	if g.checked.Load() {
		return g.ready.Load()
	}

	timer := logging.StartTimer(logging.CategoryGateway, "model service readiness")
	ok := g.EnsureRunning(ctx, g.opts.StartTimeout) &&
		g.EnsureModelLoaded(ctx, g.opts.Model, "", g.opts.LoadTimeout)
	timer.StopWithInfo()

	g.ready.Store(ok)
	g.checked.Store(true)
	if !ok {
		logging.GatewayWarn("Model service %s with %s is not available; healing disabled for this run", g.opts.Host, g.opts.Model)
	}
	return ok
}

// HealthCheck reports whether the service answers on /api/tags.
func (g *Gateway) HealthCheck(ctx context.Context) bool {
	return g.healthCheck(ctx, g.opts.Host)
}

func (g *Gateway) healthCheck(ctx context.Context, host string) bool {
	ctx, cancel := context.WithTimeout(ctx, g.opts.HealthTimeout)
	defer cancel()
	resp, err := g.do(ctx, http.MethodGet, host+"/api/tags", nil)
	if err != nil {
		logging.GatewayDebug("health check failed: %v", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// EnsureRunning starts the service when it is not healthy and waits up to
// maxWait for it to answer.
func (g *Gateway) EnsureRunning(ctx context.Context, maxWait time.Duration) bool {
	if g.HealthCheck(ctx) {
		logging.GatewayDebug("Model service already running at %s", g.opts.Host)
		return true
	}

	path, err := g.opts.LookPath(g.opts.Bin)
	if err != nil {
		logging.GatewayWarn("Model service executable %q not found: %v", g.opts.Bin, err)
		return false
	}

	logging.Gateway("Starting model service: %s serve", path)
	if err := g.opts.StartProcess(path, "serve"); err != nil {
		logging.GatewayWarn("Failed to start model service: %v", err)
		return false
	}

	deadline := time.Now().Add(maxWait)
	for time.Now().Before(deadline) {
		if g.HealthCheck(ctx) {
			logging.Gateway("Model service is up")
			return true
		}
		if err := sleepCtx(ctx, g.opts.PollInterval); err != nil {
			return false
		}
	}
	logging.GatewayWarn("Model service did not become healthy within %v", maxWait)
	return false
}

// EnsureModelLoaded pulls model when absent and warms it with a tiny
// generation until it answers or maxWait expires. An empty host means the
// gateway's own host.
func (g *Gateway) EnsureModelLoaded(ctx context.Context, model, host string, maxWait time.Duration) bool {
	if model == "" {
		model = g.opts.Model
	}
	if host == "" {
		host = g.opts.Host
	}
	host = strings.TrimRight(host, "/")

	models, err := g.listModels(ctx, host)
	if err != nil {
		logging.GatewayWarn("Could not list models: %v", err)
		return false
	}

	if !hasModel(models, model) {
		logging.Gateway("Pulling model %s (this can take a while)", model)
		if err := g.pull(ctx, host, model); err != nil {
			logging.GatewayWarn("Failed to pull model %s: %v", model, err)
			return false
		}
	}

	deadline := time.Now().Add(maxWait)
	for {
		if g.warm(ctx, host, model, time.Until(deadline)) {
			logging.Gateway("Model %s is loaded", model)
			return true
		}
		if time.Until(deadline) <= g.opts.WarmupInterval {
			break
		}
		if err := sleepCtx(ctx, g.opts.WarmupInterval); err != nil {
			return false
		}
	}
	logging.GatewayWarn("Model %s did not warm up within %v", model, maxWait)
	return false
}

func (g *Gateway) warm(ctx context.Context, host, model string, remaining time.Duration) bool {
	timeout := g.opts.WarmupTimeout
	if remaining > 0 && remaining < timeout {
		timeout = remaining
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var out generateResponse
	err := g.postJSON(ctx, host+"/api/generate", generateRequest{
		Model:   model,
		Prompt:  "Hello",
		Stream:  false,
		Options: &generateOptions{NumPredict: 5},
	}, &out)
	if err != nil {
		logging.GatewayDebug("warm-up attempt failed: %v", err)
		return false
	}
	return out.Error == "" && strings.TrimSpace(out.Response) != ""
}

func (g *Gateway) pull(ctx context.Context, host, model string) error {
	ctx, cancel := context.WithTimeout(ctx, g.opts.PullTimeout)
	defer cancel()

	var out struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if err := g.postJSON(ctx, host+"/api/pull", pullRequest{Name: model, Stream: false}, &out); err != nil {
		return err
	}
	if out.Error != "" {
		return fmt.Errorf("pull: %s", out.Error)
	}
	return nil
}

// ListModels returns the models installed on the service.
func (g *Gateway) ListModels(ctx context.Context) ([]ModelInfo, error) {
	return g.listModels(ctx, g.opts.Host)
}

func (g *Gateway) listModels(ctx context.Context, host string) ([]ModelInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.TagsTimeout)
	defer cancel()

	resp, err := g.do(ctx, http.MethodGet, host+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return result.Models, nil
}

// Generate sends the prompt, plus the screenshot when imagePath exists, as
// one non-streaming request.
func (g *Gateway) Generate(ctx context.Context, prompt, imagePath string) (string, error) {
	req := generateRequest{
		Model:  g.opts.Model,
		Prompt: prompt,
		System: g.opts.SystemPrompt,
		Stream: false,
		Options: &generateOptions{
			Temperature: &g.opts.Temperature,
			NumCtx:      g.opts.NumCtx,
		},
	}

	if imagePath != "" {
		data, err := os.ReadFile(imagePath)
		if err != nil {
			logging.GatewayWarn("Screenshot %s not attached: %v", imagePath, err)
		} else {
			req.Images = []string{base64.StdEncoding.EncodeToString(data)}
			logging.GatewayDebug("Attached screenshot %s (%d bytes)", imagePath, len(data))
		}
	}

	ctx, cancel := context.WithTimeout(ctx, g.opts.GenerateTimeout)
	defer cancel()

	timer := logging.StartTimer(logging.CategoryGateway, "generate")
	var out generateResponse
	err := g.postJSON(ctx, g.opts.Host+"/api/generate", req, &out)
	timer.StopWithThreshold(time.Minute)
	if err != nil {
		return "", err
	}
	if out.Error != "" {
		return "", fmt.Errorf("ollama: %s", out.Error)
	}
	if strings.TrimSpace(out.Response) == "" {
		return "", ErrEmptyResponse
	}
	return out.Response, nil
}

// Unload asks the service to evict the model from memory.
func (g *Gateway) Unload(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, g.opts.WarmupTimeout)
	defer cancel()

	zero := 0
	var out generateResponse
	if err := g.postJSON(ctx, g.opts.Host+"/api/generate", generateRequest{
		Model:     g.opts.Model,
		KeepAlive: &zero,
	}, &out); err != nil {
		return fmt.Errorf("unload %s: %w", g.opts.Model, err)
	}
	if out.Error != "" {
		return fmt.Errorf("unload %s: %s", g.opts.Model, out.Error)
	}
	logging.Gateway("Model %s unloaded", g.opts.Model)
	return nil
}

func (g *Gateway) do(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	return g.opts.HTTPClient.Do(httpReq)
}

func (g *Gateway) postJSON(ctx context.Context, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := g.do(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func hasModel(models []ModelInfo, want string) bool {
	want = normalizeModel(want)
	for _, m := range models {
		if normalizeModel(m.Name) == want || normalizeModel(m.Model) == want {
			return true
		}
	}
	return false
}

func normalizeModel(name string) string {
	if name == "" || strings.Contains(name, ":") {
		return name
	}
	return name + ":latest"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// =============================================================================
// OLLAMA API TYPES
// =============================================================================

// ModelInfo is one entry of /api/tags.
type ModelInfo struct {
	Name       string    `json:"name"`
	Model      string    `json:"model,omitempty"`
	Size       int64     `json:"size,omitempty"`
	ModifiedAt time.Time `json:"modified_at,omitempty"`
}

type tagsResponse struct {
	Models []ModelInfo `json:"models"`
}

type pullRequest struct {
	Name   string `json:"name"`
	Stream bool   `json:"stream"`
}

type generateOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumCtx      int      `json:"num_ctx,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
}

type generateRequest struct {
	Model     string           `json:"model"`
	Prompt    string           `json:"prompt,omitempty"`
	System    string           `json:"system,omitempty"`
	Stream    bool             `json:"stream"`
	Options   *generateOptions `json:"options,omitempty"`
	Images    []string         `json:"images,omitempty"`
	KeepAlive *int             `json:"keep_alive,omitempty"`
}

type generateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}
