package dialect

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Mmx233/igtlink/protocol"
	"github.com/rs/zerolog"
)

// ErrUnknownDialect is returned when selecting a name that was never registered.
var ErrUnknownDialect = errors.New("unknown dialect")

// Registry owns the known dialects and routes frames to the active one.
// Switching and decoding share one mutex so a frame never sees a half
// switched dialect.
type Registry struct {
	mu       sync.Mutex
	dialects map[string]Dialect
	active   Dialect
	sink     Sink
	logger   zerolog.Logger

	// OnSwitch, when set, is called with the mutex held after a successful switch.
	OnSwitch func(from, to string)
}

// NewRegistry creates an empty registry whose active dialect feeds sink.
func NewRegistry(sink Sink, logger zerolog.Logger) *Registry {
	return &Registry{
		dialects: make(map[string]Dialect),
		sink:     sink,
		logger:   logger.With().Str("component", "dialect_registry").Logger(),
	}
}

// Register adds d keyed by its name, replacing an earlier dialect of the same
// name. The first registered dialect becomes active.
func (r *Registry) Register(d Dialect) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.dialects[d.Name()]; ok && old == r.active {
		old.Attach(nil)
		d.Attach(r.sink)
		r.active = d
	}
	r.dialects[d.Name()] = d

	if r.active == nil {
		r.active = d
		d.Attach(r.sink)
	}
}

// Names lists the registered dialect names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.dialects))
	for name := range r.dialects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Active returns the name of the active dialect, or "" if none is registered.
func (r *Registry) Active() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == nil {
		return ""
	}
	return r.active.Name()
}

// Lookup returns the dialect registered under name.
func (r *Registry) Lookup(name string) (Dialect, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.dialects[name]
	return d, ok
}

// SetActive selects the dialect named name. Selecting the active dialect is a
// no-op; an unknown name leaves the current dialect active.
func (r *Registry) SetActive(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil && r.active.Name() == name {
		return nil
	}

	d, ok := r.dialects[name]
	if !ok {
		r.logger.Error().Str("dialect", name).Msg("unknown dialect, keeping current")
		return fmt.Errorf("%w: %q", ErrUnknownDialect, name)
	}

	from := ""
	if r.active != nil {
		from = r.active.Name()
		r.active.Attach(nil)
	}
	r.active = d
	d.Attach(r.sink)

	r.logger.Info().Str("from", from).Str("to", name).Msg("dialect set")
	if r.OnSwitch != nil {
		r.OnSwitch(from, name)
	}
	return nil
}

// Reset drops the per-stream state of the active dialect, e.g. after a
// reconnect.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rs, ok := r.active.(Resetter); ok {
		rs.Reset()
	}
}

// Supports reports whether the active dialect decodes deviceType.
func (r *Registry) Supports(deviceType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.active != nil && r.active.Supports(deviceType)
}

// Decode hands the frame to the active dialect.
func (r *Registry) Decode(h *protocol.Header, body []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == nil {
		return fmt.Errorf("%w: none registered", ErrUnknownDialect)
	}
	return r.active.Decode(h, body)
}

// Encode packs v with the active dialect.
func (r *Registry) Encode(v any) (protocol.Frame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == nil {
		return protocol.Frame{}, fmt.Errorf("%w: none registered", ErrUnknownDialect)
	}
	return r.active.Encode(v)
}
