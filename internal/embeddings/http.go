package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/emmilco/claude-memory-server-sub004/internal/memory"
	"go.uber.org/zap"
)

// Device selects the inference target.
type Device string

const (
	DeviceCPU Device = "cpu"
	DeviceGPU Device = "gpu"
)

// DevicePolicy is the configuration-driven accelerator selection.
type DevicePolicy struct {
	ForceCPU          bool
	EnableGPU         bool
	GPUMemoryFraction float64
}

// Resolve picks the device for this process. force_cpu wins; otherwise
// GPU is used when requested and an accelerator is visible. Callers fall
// back to CPU (logged) when a GPU load later fails.
func (p DevicePolicy) Resolve() Device {
	if p.ForceCPU {
		return DeviceCPU
	}
	if p.EnableGPU && acceleratorVisible() {
		return DeviceGPU
	}
	return DeviceCPU
}

// acceleratorVisible reports whether a CUDA-style accelerator is exposed
// to this process.
func acceleratorVisible() bool {
	v, ok := os.LookupEnv("CUDA_VISIBLE_DEVICES")
	return ok && v != "" && v != "-1"
}

// httpInference talks to an HTTP embedding inference server. The request
// shape matches text-embeddings-inference: POST /embed with a string or
// list of strings, response is a list of float vectors.
type httpInference struct {
	baseURL string
	model   string
	device  Device
	memFrac float64
	client  *http.Client
	logger  *zap.Logger
}

type embedRequest struct {
	Inputs   any    `json:"inputs"`
	Truncate bool   `json:"truncate"`
	Model    string `json:"model,omitempty"`
	Device   string `json:"device,omitempty"`
	// MemoryFraction caps accelerator memory on servers that honor it.
	MemoryFraction float64 `json:"memory_fraction,omitempty"`
}

func newHTTPInference(baseURL, model string, policy DevicePolicy, logger *zap.Logger) *httpInference {
	device := policy.Resolve()
	logger.Info("embedding inference configured",
		zap.String("base_url", baseURL),
		zap.String("model", model),
		zap.String("device", string(device)))
	return &httpInference{
		baseURL: baseURL,
		model:   model,
		device:  device,
		memFrac: policy.GPUMemoryFraction,
		client:  &http.Client{},
		logger:  logger,
	}
}

func (h *httpInference) embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors, err := h.embedOn(ctx, texts, h.device)
	if err != nil && h.device == DeviceGPU {
		// GPU load failure falls back to CPU transparently.
		h.logger.Warn("gpu embedding failed, falling back to cpu", zap.Error(err))
		h.device = DeviceCPU
		return h.embedOn(ctx, texts, DeviceCPU)
	}
	return vectors, err
}

func (h *httpInference) embedOn(ctx context.Context, texts []string, device Device) ([][]float32, error) {
	req := embedRequest{
		Inputs:   texts,
		Truncate: true,
		Model:    h.model,
		Device:   string(device),
	}
	if device == DeviceGPU {
		req.MemoryFraction = h.memFrac
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", memory.ErrEmbedding, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: status %d: %s", memory.ErrEmbedding, resp.StatusCode, string(respBody))
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: expected %d vectors, got %d", memory.ErrEmbedding, len(texts), len(vectors))
	}
	return vectors, nil
}

func (h *httpInference) close() error {
	h.client.CloseIdleConnections()
	return nil
}
