package channels

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Config is the display metadata the device holds for one input channel.
type Config struct {
	Channel string `json:"channel"`
	Name    string `json:"name"`
	OffText string `json:"offText"`
	OnText  string `json:"onText"`
}

// StatusText returns the configured text for the given input state.
func (c Config) StatusText(on bool) string {
	if on {
		return c.OnText
	}
	return c.OffText
}

// ID formats a 1-based channel number the way the device names channels ("01".."32").
func ID(channel int) string {
	return fmt.Sprintf("%02d", channel)
}

// Number parses a channel id back into its 1-based number.
func Number(id string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(id))
	if err != nil {
		return 0, fmt.Errorf("invalid channel id %q: %w", id, err)
	}
	if n < 1 || n > 32 {
		return 0, fmt.Errorf("channel id %q out of range", id)
	}
	return n, nil
}

// Default is used for channels the device has not described yet.
func Default(id string) Config {
	return Config{Channel: id, Name: "", OffText: "Off", OnText: "On"}
}

// Registry maps channel ids to their metadata. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Config
}

func NewRegistry() *Registry {
	return &Registry{channels: map[string]Config{}}
}

// Update merges freshly polled channel metadata into the registry. Numeric ids
// are stored zero-padded so "3" and "03" name the same channel.
func (r *Registry) Update(items []Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, item := range items {
		id := strings.TrimSpace(item.Channel)
		if id == "" {
			continue
		}
		if n, err := Number(id); err == nil {
			id = ID(n)
		}
		item.Channel = id
		r.channels[id] = item
	}
}

// Lookup returns the metadata for id, or Default(id) if the channel is unknown.
func (r *Registry) Lookup(id string) Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cfg, ok := r.channels[id]; ok {
		return cfg
	}
	return Default(id)
}

// ForChannel looks up a 1-based channel number as produced by the event decoder.
func (r *Registry) ForChannel(channel int) Config {
	return r.Lookup(ID(channel))
}

// List returns all known channels ordered by id.
func (r *Registry) List() []Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Config, 0, len(r.channels))
	for _, cfg := range r.channels {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}
