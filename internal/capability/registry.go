package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/hearthd/hearth/internal/fault"
)

// HandlerFunc executes one device operation with its raw JSON arguments.
type HandlerFunc func(ctx context.Context, input json.RawMessage) (string, error)

// Registry is a DeviceController backed by registered handlers.
type Registry struct {
	mu       sync.RWMutex
	specs    []ToolSpec
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler to a tool spec. Duplicate names are rejected so
// a misconfigured device directory fails loudly at startup.
func (r *Registry) Register(spec ToolSpec, handler HandlerFunc) error {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return fmt.Errorf("register capability: empty name")
	}
	if handler == nil {
		return fmt.Errorf("register capability %q: nil handler", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("register capability: duplicate name %q", name)
	}
	spec.Name = name
	r.handlers[name] = handler
	r.specs = append(r.specs, spec)
	return nil
}

func (r *Registry) Specs() []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ToolSpec(nil), r.specs...)
}

// Invoke runs the named handler. Unknown names and handler failures both
// surface as CapabilityError so the agent can report them as tool results
// instead of failing the turn.
func (r *Registry) Invoke(ctx context.Context, name string, input json.RawMessage) (string, error) {
	r.mu.RLock()
	handler, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return "", &fault.CapabilityError{Capability: name, Err: fmt.Errorf("unknown capability")}
	}

	out, err := handler(ctx, input)
	if err != nil {
		return "", &fault.CapabilityError{Capability: name, Err: err}
	}
	return out, nil
}

// LoadDeviceSpecs reads tool specs from *.yaml files in dir, sorted by
// filename. A missing directory is not an error; an empty or duplicate
// spec is.
func LoadDeviceSpecs(dir string) ([]ToolSpec, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, nil
	}

	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat device dir %q: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("device path is not a directory: %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read device dir %q: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	specs := make([]ToolSpec, 0, len(entries))
	seen := make(map[string]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read device spec %q: %w", path, err)
		}

		var spec ToolSpec
		if err := yaml.Unmarshal(raw, &spec); err != nil {
			return nil, fmt.Errorf("parse device spec %q: %w", path, err)
		}
		spec.Name = strings.TrimSpace(spec.Name)
		if spec.Name == "" {
			return nil, fmt.Errorf("device spec %q: missing name", path)
		}
		if prev, exists := seen[spec.Name]; exists {
			return nil, fmt.Errorf("duplicate device name %q in %s (already in %s)", spec.Name, path, prev)
		}
		seen[spec.Name] = path
		specs = append(specs, spec)
	}

	return specs, nil
}
