package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/voxbridge/pkg/upstream"
	"github.com/MrWong99/voxbridge/pkg/upstream/realtime"
)

// ErrProviderNotRegistered is returned by [Registry.CreateDialer] when no
// factory has been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// DialerFactory builds an upstream dialer from its configuration block and
// the persona catalogue.
type DialerFactory func(entry ProviderEntry, characters []CharacterConfig) (upstream.Dialer, error)

// PersonaUpdater is implemented by dialers whose persona table can be swapped
// at runtime when the characters section is reloaded. A rejected table leaves
// the previous one in place.
type PersonaUpdater interface {
	SetPersonas(personas map[string]realtime.Persona) error
}

// Registry maps upstream names to their dialer factories. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	dialers map[string]DialerFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{dialers: make(map[string]DialerFactory)}
}

// RegisterDialer registers a dialer factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterDialer(name string, factory DialerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialers[name] = factory
}

// CreateDialer instantiates the dialer registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateDialer(entry ProviderEntry, characters []CharacterConfig) (upstream.Dialer, error) {
	r.mu.RLock()
	factory, ok := r.dialers[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: upstream/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry, characters)
}

// Names returns the registered dialer names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.dialers))
	for n := range r.dialers {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Personas converts the characters section into the persona table of a
// speech-to-speech dialer.
func Personas(characters []CharacterConfig) map[string]realtime.Persona {
	out := make(map[string]realtime.Persona, len(characters))
	for _, ch := range characters {
		out[ch.Name] = realtime.Persona{Voice: ch.Voice, Instructions: ch.Instructions}
	}
	return out
}
