package tags

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"sync/atomic"
)

// ModelRef identifies one (channel, model) pair in the index.
type ModelRef struct {
	ChannelID string `json:"channel_id"`
	ModelID   string `json:"model_id"`
}

// Stats summarises the index contents.
type Stats struct {
	TotalTags   int            `json:"total_tags"`
	TotalModels int            `json:"total_models"`
	Frequencies map[string]int `json:"frequencies"`
}

// snapshot is an immutable view of the index. Readers load it atomically so
// routing never blocks on writers.
type snapshot struct {
	postings map[string]map[ModelRef]struct{}
	models   map[ModelRef][]string
	hash     string
}

func emptySnapshot() *snapshot {
	return &snapshot{
		postings: make(map[string]map[ModelRef]struct{}),
		models:   make(map[ModelRef][]string),
	}
}

// Index is an inverted tag index with copy-on-write snapshots. Writes are
// serialized; Find and Stats operate on the current snapshot without locking.
type Index struct {
	mu   sync.Mutex // serializes writers
	snap atomic.Pointer[snapshot]
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	idx := &Index{}
	idx.snap.Store(emptySnapshot())
	return idx
}

// Add computes tags for modelID and inserts the (channel, model) reference
// into each tag's posting list. Adding the same pair twice is a no-op.
func (idx *Index) Add(channelID, modelID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	ref := ModelRef{ChannelID: channelID, ModelID: modelID}
	cur := idx.snap.Load()
	if _, ok := cur.models[ref]; ok {
		return
	}

	next := cur.clone()
	ts := Extract(modelID)
	next.models[ref] = ts
	for _, t := range ts {
		pl, ok := next.postings[t]
		if !ok {
			pl = make(map[ModelRef]struct{})
			next.postings[t] = pl
		}
		pl[ref] = struct{}{}
	}
	next.rehash()
	idx.snap.Store(next)
}

// Remove drops every model reference belonging to channelID. Used when a
// channel is deleted or its discovered catalog is replaced.
func (idx *Index) Remove(channelID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	cur := idx.snap.Load()
	next := cur.clone()
	for ref, ts := range next.models {
		if ref.ChannelID != channelID {
			continue
		}
		delete(next.models, ref)
		for _, t := range ts {
			if pl, ok := next.postings[t]; ok {
				delete(pl, ref)
				if len(pl) == 0 {
					delete(next.postings, t)
				}
			}
		}
	}
	next.rehash()
	idx.snap.Store(next)
}

// Find returns models containing all positive tags and none of the negative
// tags. Positive tags are intersected most-selective first; an empty positive
// list matches every indexed model (minus negative hits). Results are ordered
// by channel id then model id.
func (idx *Index) Find(positive, negative []string) []ModelRef {
	snap := idx.snap.Load()

	var working map[ModelRef]struct{}
	if len(positive) == 0 {
		working = make(map[ModelRef]struct{}, len(snap.models))
		for ref := range snap.models {
			working[ref] = struct{}{}
		}
	} else {
		// Sort ascending by global frequency so the smallest posting list
		// seeds the intersection.
		sorted := make([]string, len(positive))
		copy(sorted, positive)
		sort.Slice(sorted, func(i, j int) bool {
			fi, fj := len(snap.postings[sorted[i]]), len(snap.postings[sorted[j]])
			if fi != fj {
				return fi < fj
			}
			return sorted[i] < sorted[j]
		})

		seed, ok := snap.postings[sorted[0]]
		if !ok {
			return nil
		}
		working = make(map[ModelRef]struct{}, len(seed))
		for ref := range seed {
			working[ref] = struct{}{}
		}
		for _, t := range sorted[1:] {
			pl, ok := snap.postings[t]
			if !ok {
				return nil
			}
			for ref := range working {
				if _, hit := pl[ref]; !hit {
					delete(working, ref)
				}
			}
			if len(working) == 0 {
				return nil
			}
		}
	}

	for _, t := range negative {
		for ref := range snap.postings[t] {
			delete(working, ref)
		}
	}

	out := make([]ModelRef, 0, len(working))
	for ref := range working {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChannelID != out[j].ChannelID {
			return out[i].ChannelID < out[j].ChannelID
		}
		return out[i].ModelID < out[j].ModelID
	})
	return out
}

// Tags returns the tag set stored for a (channel, model) pair.
func (idx *Index) Tags(channelID, modelID string) []string {
	snap := idx.snap.Load()
	return snap.models[ModelRef{ChannelID: channelID, ModelID: modelID}]
}

// Stats returns tag and model counts plus per-tag frequencies.
func (idx *Index) Stats() Stats {
	snap := idx.snap.Load()
	s := Stats{
		TotalTags:   len(snap.postings),
		TotalModels: len(snap.models),
		Frequencies: make(map[string]int, len(snap.postings)),
	}
	for t, pl := range snap.postings {
		s.Frequencies[t] = len(pl)
	}
	return s
}

// CatalogHash is a content hash over the indexed (channel, model) catalog.
// Identical catalogs produce identical hashes regardless of insertion order.
func (idx *Index) CatalogHash() string {
	return idx.snap.Load().hash
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		postings: make(map[string]map[ModelRef]struct{}, len(s.postings)),
		models:   make(map[ModelRef][]string, len(s.models)),
	}
	for t, pl := range s.postings {
		cp := make(map[ModelRef]struct{}, len(pl))
		for ref := range pl {
			cp[ref] = struct{}{}
		}
		next.postings[t] = cp
	}
	for ref, ts := range s.models {
		next.models[ref] = ts
	}
	return next
}

func (s *snapshot) rehash() {
	refs := make([]ModelRef, 0, len(s.models))
	for ref := range s.models {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].ChannelID != refs[j].ChannelID {
			return refs[i].ChannelID < refs[j].ChannelID
		}
		return refs[i].ModelID < refs[j].ModelID
	})
	h := sha256.New()
	for _, ref := range refs {
		h.Write([]byte(ref.ChannelID))
		h.Write([]byte{0})
		h.Write([]byte(ref.ModelID))
		h.Write([]byte{0})
	}
	s.hash = hex.EncodeToString(h.Sum(nil))
}
