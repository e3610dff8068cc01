package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hearthd/hearth/internal/fault"
)

// Bridge forwards device invocations to a home automation hub over HTTP.
type Bridge struct {
	url        string
	httpClient *http.Client
}

type bridgeRequest struct {
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

type bridgeResponse struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

func NewBridge(url string) *Bridge {
	return &Bridge{
		url:        strings.TrimSpace(url),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (b *Bridge) invoke(ctx context.Context, name string, input json.RawMessage) (string, error) {
	if b.url == "" {
		return "", fmt.Errorf("no device bridge configured")
	}

	payload, err := json.Marshal(bridgeRequest{Name: name, Input: input})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("bridge http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var decoded bridgeResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		// Hubs that reply with plain text are accepted as-is.
		return strings.TrimSpace(string(respBody)), nil
	}
	if decoded.Error != "" {
		return "", fmt.Errorf("bridge: %s", decoded.Error)
	}
	return decoded.Output, nil
}

// BridgeController serves a fixed spec set and forwards every invocation
// to the bridge.
type BridgeController struct {
	specs  []ToolSpec
	names  map[string]struct{}
	bridge *Bridge
}

func NewBridgeController(specs []ToolSpec, bridge *Bridge) *BridgeController {
	names := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		names[spec.Name] = struct{}{}
	}
	return &BridgeController{specs: specs, names: names, bridge: bridge}
}

func (c *BridgeController) Specs() []ToolSpec {
	return append([]ToolSpec(nil), c.specs...)
}

func (c *BridgeController) Invoke(ctx context.Context, name string, input json.RawMessage) (string, error) {
	if _, ok := c.names[name]; !ok {
		return "", &fault.CapabilityError{Capability: name, Err: fmt.Errorf("unknown capability")}
	}
	out, err := c.bridge.invoke(ctx, name, input)
	if err != nil {
		return "", &fault.CapabilityError{Capability: name, Err: err}
	}
	return out, nil
}
