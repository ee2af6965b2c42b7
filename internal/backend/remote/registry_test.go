package remote_test

import (
	"errors"
	"testing"

	"github.com/goosewin/promptmatrix/internal/backend"

	"github.com/goosewin/promptmatrix/internal/backend/remote"
	"github.com/goosewin/promptmatrix/internal/backend/remote/google"
	_ "github.com/goosewin/promptmatrix/internal/backend/remote/openai"
)

func TestRegistryLoadsProviders(t *testing.T) {
	for _, name := range []string{"openai", "google"} {
		factory, ok := remote.Lookup(name)
		if !ok {
			t.Fatalf("expected %s provider to be registered", name)
		}
		if factory == nil {
			t.Fatalf("expected factory for %s", name)
		}
	}

	if _, ok := remote.Lookup(""); !ok {
		t.Fatalf("expected empty provider to resolve to %s", remote.DefaultName())
	}
}

func TestValidateRequiresGoogleKey(t *testing.T) {
	models := []backend.ModelConfig{backend.RemoteModel{Name: "gemini-2.0-flash", Provider: "google"}}

	strategy := &remote.Strategy{APIKeys: map[string]string{"openai": "sk"}}
	if err := strategy.Validate(models); !errors.Is(err, google.ErrMissingAPIKey) {
		t.Fatalf("expected missing google key at validation, got %v", err)
	}

	strategy.APIKeys["google"] = "g-key"
	if err := strategy.Validate(models); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}
