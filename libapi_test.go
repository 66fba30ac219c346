package backplane

import (
	"context"
	"errors"
	"testing"
)

func TestBrokerExportsPropagateErrors(t *testing.T) {
	if _, err := NewBroker(context.Background(), nil, NewNopServiceLogger(), BrokerDependencies{}); !errors.Is(err, ErrConfigRequired) {
		t.Fatalf("expected config required error, got %v", err)
	}

	if _, err := NewBroker(context.Background(), &Config{Backend: "memory"}, nil, BrokerDependencies{}); !errors.Is(err, ErrLoggerRequired) {
		t.Fatalf("expected logger required error, got %v", err)
	}

	_, err := NewBroker(context.Background(), &Config{Backend: "memory", MaxLogSizeBytes: -1}, NewNopServiceLogger(), BrokerDependencies{})
	var validationErr ConfigValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected config validation error, got %v", err)
	}
}

func TestArgsExports(t *testing.T) {
	args, err := EncodeArgs("hello", 42)
	if err != nil {
		t.Fatalf("encode args: %v", err)
	}
	payload, err := args.Encode()
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}

	decoded, err := DecodeArgs(payload)
	if err != nil {
		t.Fatalf("decode args: %v", err)
	}
	var (
		s string
		n int
	)
	if err := decoded.Scan(&s, &n); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if s != "hello" || n != 42 {
		t.Fatalf("unexpected values %q %d", s, n)
	}
	if err := decoded.Decode(5, &s); !errors.Is(err, ErrArgIndex) {
		t.Fatalf("expected arg index error, got %v", err)
	}
}

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	if _, err := Marshal(payload); err != nil {
		t.Fatalf("marshal alias failed: %v", err)
	}
	if _, err := MarshalIndent(payload, "", "  "); err != nil {
		t.Fatalf("marshal indent alias failed: %v", err)
	}
	if err := Unmarshal([]byte(`{"hello":"world"}`), &payload); err != nil {
		t.Fatalf("unmarshal alias failed: %v", err)
	}
}

func TestBundledBackendsRegistered(t *testing.T) {
	for _, name := range []string{"mongo", "nats-jetstream", "postgres", "sqlite", "memory"} {
		if !DefaultBackendRegistry.Has(name) {
			t.Fatalf("backend %q not registered", name)
		}
		if caps := GetCapabilities(name); caps.Name != name {
			t.Fatalf("expected capabilities for %q, got %q", name, caps.Name)
		}
	}
}

func TestConfigDefaultsExport(t *testing.T) {
	cfg := Config{}.WithDefaults()
	if cfg.Backend != DefaultBackend {
		t.Fatalf("expected default backend %q, got %q", DefaultBackend, cfg.Backend)
	}
	if got := cfg.StreamName(); got != DefaultCollectionPrefix+DefaultStreamCollectionName {
		t.Fatalf("unexpected stream name %q", got)
	}
	if got := cfg.StorageName(); got != DefaultCollectionPrefix+DefaultStorageCollectionName {
		t.Fatalf("unexpected storage name %q", got)
	}
	if cfg.MaxLogSizeBytes != DefaultMaxLogSizeBytes {
		t.Fatalf("unexpected max log size %d", cfg.MaxLogSizeBytes)
	}
}

func TestIDExports(t *testing.T) {
	if CreateULID() == CreateULID() {
		t.Fatal("expected unique ids")
	}
	if id := NewNodeID(); len(id) <= len("node-") {
		t.Fatalf("unexpected node id %q", id)
	}
}

func TestSharedConnStateExports(t *testing.T) {
	if ConnUnopened.String() == ConnOpen.String() || ConnOpen.String() == ConnClosed.String() {
		t.Fatal("expected distinct state names")
	}
}
