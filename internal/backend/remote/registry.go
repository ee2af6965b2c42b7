package remote

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

var (
	ErrProviderNotFound   = errors.New("remote provider not found")
	ErrProviderRegistered = errors.New("remote provider already registered")
	ErrProviderInvalid    = errors.New("remote provider name is required")
)

// Check reports a configuration problem for a provider before any client is
// built.
type Check func(opts ProviderOptions) error

type registration struct {
	factory Factory
	check   Check
}

var (
	registryMu sync.RWMutex
	registry   = map[string]registration{}
)

// Register adds a provider factory by name. Providers register themselves
// from init in their own packages.
func Register(name string, factory Factory) error {
	return RegisterWithCheck(name, factory, nil)
}

// RegisterWithCheck adds a provider factory whose options are checked during
// validation.
func RegisterWithCheck(name string, factory Factory, check Check) error {
	key := normalizeName(name)
	if key == "" {
		return ErrProviderInvalid
	}
	if factory == nil {
		return errors.New("provider factory is nil")
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[key]; exists {
		return ErrProviderRegistered
	}
	registry[key] = registration{factory: factory, check: check}
	return nil
}

// Lookup returns the factory for a provider name. An empty name resolves to
// the default provider.
func Lookup(name string) (Factory, bool) {
	key := normalizeName(name)
	if key == "" {
		key = DefaultName()
	}

	registryMu.RLock()
	defer registryMu.RUnlock()

	reg, ok := registry[key]
	return reg.factory, ok
}

func lookupCheck(name string) Check {
	key := normalizeName(name)
	if key == "" {
		key = DefaultName()
	}

	registryMu.RLock()
	defer registryMu.RUnlock()

	return registry[key].check
}

// Names returns all registered provider names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultName is the provider used when a remote model does not name one.
func DefaultName() string {
	return "openai"
}

// resolveName normalizes a provider name, mapping empty to the default.
func resolveName(name string) string {
	if key := normalizeName(name); key != "" {
		return key
	}
	return DefaultName()
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
