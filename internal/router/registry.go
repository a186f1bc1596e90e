package router

import (
	"sort"
	"sync"

	"github.com/smartrouter/smartrouter/internal/tags"
)

// Registry holds the live channel set and the per-channel model catalogs
// discovery maintains. The tag index is kept in lockstep with the catalogs.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*Provider
	channels  map[string]*Channel
	catalogs  map[string][]ModelRecord // channel id -> records
	index     *tags.Index
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]*Provider),
		channels:  make(map[string]*Channel),
		catalogs:  make(map[string][]ModelRecord),
		index:     tags.NewIndex(),
	}
}

// SetProviders replaces the provider table.
func (r *Registry) SetProviders(providers []Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = make(map[string]*Provider, len(providers))
	for i := range providers {
		p := providers[i]
		r.providers[p.ID] = &p
	}
}

// SetChannels replaces the channel table. Catalogs for removed channels are
// dropped from the tag index.
func (r *Registry) SetChannels(channels []Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]*Channel, len(channels))
	for i := range channels {
		c := channels[i]
		next[c.ID] = &c
	}
	for id := range r.channels {
		if _, ok := next[id]; !ok {
			delete(r.catalogs, id)
			r.index.Remove(id)
		}
	}
	r.channels = next

	// Channels bound to a single model get an implicit one-record catalog
	// until discovery replaces it.
	for id, c := range next {
		if c.Model != "" && c.Model != "*" {
			if _, ok := r.catalogs[id]; !ok {
				rec := ModelRecord{ChannelID: id, ModelID: c.Model, Tags: tags.Extract(c.Model)}
				r.catalogs[id] = []ModelRecord{rec}
				r.index.Add(id, c.Model)
			}
		}
	}
}

// UpsertCatalog replaces one channel's model catalog and reindexes its tags.
func (r *Registry) UpsertCatalog(channelID string, records []ModelRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := make([]ModelRecord, len(records))
	copy(cp, records)
	for i := range cp {
		cp[i].ChannelID = channelID
		if len(cp[i].Tags) == 0 {
			cp[i].Tags = tags.Extract(cp[i].ModelID)
		}
	}
	r.catalogs[channelID] = cp

	r.index.Remove(channelID)
	for _, rec := range cp {
		r.index.Add(channelID, rec.ModelID)
	}
}

// Channel returns the channel by id.
func (r *Registry) Channel(id string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.channels[id]
	return c, ok
}

// Provider returns the provider by id.
func (r *Registry) Provider(id string) (*Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// ProviderFor returns the provider serving a channel.
func (r *Registry) ProviderFor(ch *Channel) (*Provider, bool) {
	return r.Provider(ch.Provider)
}

// Channels returns all channels sorted by id.
func (r *Registry) Channels() []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Channel, 0, len(r.channels))
	for _, c := range r.channels {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EnabledChannels returns the enabled channels sorted by id.
func (r *Registry) EnabledChannels() []*Channel {
	all := r.Channels()
	out := all[:0]
	for _, c := range all {
		if c.Enabled {
			out = append(out, c)
		}
	}
	return out
}

// SetChannelEnabled flips a channel's enabled flag. Returns false when the
// channel does not exist.
func (r *Registry) SetChannelEnabled(id string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.channels[id]
	if !ok {
		return false
	}
	c.Enabled = enabled
	return true
}

// Record returns the catalog record for a (channel, model) pair.
func (r *Registry) Record(channelID, modelID string) (ModelRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.catalogs[channelID] {
		if rec.ModelID == modelID {
			return rec, true
		}
	}
	return ModelRecord{}, false
}

// RecordsByModelID returns every channel's record for an exact model id.
func (r *Registry) RecordsByModelID(modelID string) []ModelRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ModelRecord
	for _, records := range r.catalogs {
		for _, rec := range records {
			if rec.ModelID == modelID {
				out = append(out, rec)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// AllRecords returns every catalog record, sorted by (channel, model).
func (r *Registry) AllRecords() []ModelRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ModelRecord
	for _, records := range r.catalogs {
		out = append(out, records...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChannelID != out[j].ChannelID {
			return out[i].ChannelID < out[j].ChannelID
		}
		return out[i].ModelID < out[j].ModelID
	})
	return out
}

// Index exposes the tag index for the finder.
func (r *Registry) Index() *tags.Index {
	return r.index
}
