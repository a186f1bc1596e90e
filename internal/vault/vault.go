// Package vault provides encrypted at-rest storage for channel provider
// credentials with a lock/unlock lifecycle. Values are encrypted with
// AES-256-GCM under a key derived from the master passphrase via argon2id.
// The encrypted blob and its salt are persisted through the store package;
// the derived key lives in memory only and is cleared on lock.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"golang.org/x/crypto/argon2"
)

const (
	saltLen = 16

	// argon2id parameters
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	keyLen       = 32
)

// Vault holds encrypted channel credentials keyed by channel ID.
type Vault struct {
	enabled bool

	mu     sync.RWMutex
	locked bool

	salt []byte

	// derived key (in-memory only; cleared on lock)
	key []byte

	// encrypted KV store: channel ID -> ciphertext
	values map[string][]byte
}

// New creates a Vault. When disabled it accepts operations without
// encryption setup, so channels configured purely from the environment keep
// working.
func New(enabled bool) (*Vault, error) {
	return &Vault{
		enabled: enabled,
		locked:  enabled, // locked on start if enabled
		values:  make(map[string][]byte),
	}, nil
}

func (v *Vault) IsLocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.enabled && v.locked
}

// SetSalt installs a previously persisted salt. Must be called before Unlock
// when restoring a vault from storage.
func (v *Vault) SetSalt(salt []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.salt = salt
}

// Salt returns the key-derivation salt for persistence alongside the blob.
func (v *Vault) Salt() []byte {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.salt
}

// Unlock derives the encryption key from the master passphrase. A fresh salt
// is generated on first unlock; persist it with Salt().
func (v *Vault) Unlock(master []byte) error {
	if !v.enabled {
		return nil
	}
	if len(master) < 8 {
		return errors.New("passphrase too short")
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.salt) == 0 {
		v.salt = make([]byte, saltLen)
		if _, err := io.ReadFull(rand.Reader, v.salt); err != nil {
			return fmt.Errorf("generate salt: %w", err)
		}
	}
	v.key = argon2.IDKey(master, v.salt, argonTime, argonMemory, argonThreads, keyLen)
	v.locked = false
	return nil
}

// Lock clears the derived key from memory.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.key {
		v.key[i] = 0
	}
	v.key = nil
	v.locked = true
}

// Set encrypts and stores a credential for the given channel.
func (v *Vault) Set(channelID, credential string) error {
	encrypted, err := v.Encrypt([]byte(credential))
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.values[channelID] = encrypted
	v.mu.Unlock()
	return nil
}

// Get decrypts and retrieves the credential for the given channel.
func (v *Vault) Get(channelID string) (string, error) {
	v.mu.RLock()
	encrypted, exists := v.values[channelID]
	v.mu.RUnlock()
	if !exists {
		return "", fmt.Errorf("no credential for channel: %s", channelID)
	}

	plaintext, err := v.Decrypt(encrypted)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// Delete removes a channel's credential from the vault.
func (v *Vault) Delete(channelID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.values, channelID)
}

// ChannelIDs returns the channels with stored credentials, sorted.
func (v *Vault) ChannelIDs() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ids := make([]string, 0, len(v.values))
	for id := range v.values {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Export exports the encrypted vault data (for persistence).
func (v *Vault) Export() map[string]string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	exported := make(map[string]string, len(v.values))
	for k, val := range v.values {
		exported[k] = base64.StdEncoding.EncodeToString(val)
	}
	return exported
}

// Import imports encrypted vault data.
func (v *Vault) Import(data map[string]string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for k, encValue := range data {
		decoded, err := base64.StdEncoding.DecodeString(encValue)
		if err != nil {
			return fmt.Errorf("failed to decode channel %s: %w", k, err)
		}
		v.values[k] = decoded
	}
	return nil
}

func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.enabled && v.locked {
		return nil, errors.New("vault locked")
	}
	if len(v.key) != keyLen {
		return nil, errors.New("no key")
	}
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	out := gcm.Seal(nonce, nonce, plaintext, nil)
	return out, nil
}

func (v *Vault) Decrypt(ciphertext []byte) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.enabled && v.locked {
		return nil, errors.New("vault locked")
	}
	if len(v.key) != keyLen {
		return nil, errors.New("no key")
	}
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce := ciphertext[:gcm.NonceSize()]
	data := ciphertext[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return nil, err
	}
	return plain, nil
}
