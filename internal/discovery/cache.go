package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/smartrouter/smartrouter/internal/pricing"
	"github.com/smartrouter/smartrouter/internal/router"
)

// cacheEntry is one persisted discovery result. Credentials appear only as a
// short hash.
type cacheEntry struct {
	CacheKey    string               `json:"cache_key"`
	ChannelID   string               `json:"channel_id"`
	APIKeyHash  string               `json:"api_key_hash"`
	Provider    string               `json:"provider"`
	Models      []router.ModelRecord `json:"models"`
	Status      string               `json:"status"`
	LastUpdated time.Time            `json:"last_updated"`
}

// diskCache persists one JSON file per (channel, key) under a directory.
type diskCache struct {
	dir string
}

func newDiskCache(dir string) *diskCache {
	return &diskCache{dir: dir}
}

func (c *diskCache) save(st Status, apiKey string, records []router.ModelRecord) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	entry := cacheEntry{
		CacheKey:    st.CacheKey,
		ChannelID:   st.ChannelID,
		APIKeyHash:  pricing.KeyHash(apiKey),
		Provider:    st.Provider,
		Models:      records,
		Status:      st.State,
		LastUpdated: st.LastUpdated,
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return err
	}
	// Write-then-rename so a crash never leaves a torn file.
	path := c.path(st.CacheKey)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (c *diskCache) load() ([]cacheEntry, error) {
	dirents, err := os.ReadDir(c.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []cacheEntry
	for _, de := range dirents {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.dir, de.Name()))
		if err != nil {
			continue
		}
		var entry cacheEntry
		if err := json.Unmarshal(data, &entry); err != nil || entry.ChannelID == "" {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (c *diskCache) path(cacheKey string) string {
	return filepath.Join(c.dir, sanitize(cacheKey)+".json")
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
