package capability

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/hearthd/hearth/internal/fault"
)

func TestRegistryInvoke(t *testing.T) {
	r := NewRegistry()
	spec := ToolSpec{Name: "light_control", Description: "switch lights"}
	err := r.Register(spec, func(ctx context.Context, input json.RawMessage) (string, error) {
		var args struct {
			Room string `json:"room"`
		}
		if err := json.Unmarshal(input, &args); err != nil {
			return "", err
		}
		return "light on in " + args.Room, nil
	})
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}

	out, err := r.Invoke(context.Background(), "light_control", json.RawMessage(`{"room":"kitchen"}`))
	if err != nil {
		t.Fatalf("Invoke error: %v", err)
	}
	if out != "light on in kitchen" {
		t.Fatalf("output = %q", out)
	}
}

func TestRegistryUnknownCapability(t *testing.T) {
	r := NewRegistry()
	_, err := r.Invoke(context.Background(), "no-such-tool", nil)
	if !fault.IsCapability(err) {
		t.Fatalf("error = %v, want CapabilityError", err)
	}
}

func TestRegistryWrapsHandlerFailure(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("device offline")
	if err := r.Register(ToolSpec{Name: "thermostat"}, func(context.Context, json.RawMessage) (string, error) {
		return "", boom
	}); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	_, err := r.Invoke(context.Background(), "thermostat", nil)
	if !fault.IsCapability(err) {
		t.Fatalf("error = %v, want CapabilityError", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("cause lost: %v", err)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	noop := func(context.Context, json.RawMessage) (string, error) { return "", nil }
	if err := r.Register(ToolSpec{Name: "fan"}, noop); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if err := r.Register(ToolSpec{Name: "fan"}, noop); err == nil {
		t.Fatal("duplicate registration should fail")
	}
	if err := r.Register(ToolSpec{Name: "  "}, noop); err == nil {
		t.Fatal("empty name should fail")
	}
}

func TestLoadDeviceSpecs(t *testing.T) {
	dir := t.TempDir()
	light := "name: light_control\ndescription: switch lights\nparameters:\n  type: object\n  properties:\n    room:\n      type: string\n"
	if err := os.WriteFile(filepath.Join(dir, "light.yaml"), []byte(light), 0644); err != nil {
		t.Fatalf("write spec: %v", err)
	}
	thermostat := "name: thermostat\ndescription: set temperature\n"
	if err := os.WriteFile(filepath.Join(dir, "thermostat.yaml"), []byte(thermostat), 0644); err != nil {
		t.Fatalf("write spec: %v", err)
	}

	specs, err := LoadDeviceSpecs(dir)
	if err != nil {
		t.Fatalf("LoadDeviceSpecs error: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("got %d specs, want 2", len(specs))
	}
	if specs[0].Name != "light_control" || specs[1].Name != "thermostat" {
		t.Fatalf("unexpected order: %q, %q", specs[0].Name, specs[1].Name)
	}
	if specs[0].Parameters["type"] != "object" {
		t.Fatalf("parameters not parsed: %+v", specs[0].Parameters)
	}
}

func TestLoadDeviceSpecsMissingDir(t *testing.T) {
	specs, err := LoadDeviceSpecs(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("missing dir should not error: %v", err)
	}
	if specs != nil {
		t.Fatalf("expected nil specs, got %+v", specs)
	}
}

func TestLoadDeviceSpecsRejectsDuplicateNames(t *testing.T) {
	dir := t.TempDir()
	for _, f := range []string{"a.yaml", "b.yaml"} {
		if err := os.WriteFile(filepath.Join(dir, f), []byte("name: fan\n"), 0644); err != nil {
			t.Fatalf("write spec: %v", err)
		}
	}
	if _, err := LoadDeviceSpecs(dir); err == nil {
		t.Fatal("duplicate names should fail")
	}
}
