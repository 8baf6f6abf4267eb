// Package secrets is the credential-encryption boundary. The engine only
// ever calls Encrypt/Decrypt; key management and rotation live behind the
// Encryptor interface with an external provider. The AES-GCM implementation
// here exists so the engine runs end to end without that provider.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"sync"
	"time"
)

// Encryptor is the opaque encrypt/decrypt capability consumed by the engine.
// Ciphertexts are tenant-scoped: a blob encrypted for one tenant never
// decrypts under another.
type Encryptor interface {
	Encrypt(tenantID, plaintext string) (string, error)
	Decrypt(tenantID, opaque string) (string, error)
}

// AESEncryptor derives a per-tenant key from a master secret and seals with
// AES-256-GCM.
type AESEncryptor struct {
	master []byte
}

// NewAESEncryptor creates an AESEncryptor from the master secret.
func NewAESEncryptor(masterSecret string) *AESEncryptor {
	return &AESEncryptor{master: []byte(masterSecret)}
}

func (e *AESEncryptor) tenantKey(tenantID string) []byte {
	sum := sha256.Sum256(append(e.master, []byte("|"+tenantID)...))
	return sum[:]
}

// Encrypt seals plaintext for the tenant and returns a base64 blob.
func (e *AESEncryptor) Encrypt(tenantID, plaintext string) (string, error) {
	block, err := aes.NewCipher(e.tenantKey(tenantID))
	if err != nil {
		return "", fmt.Errorf("failed to build cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to build gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to read nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a blob produced by Encrypt for the same tenant.
func (e *AESEncryptor) Decrypt(tenantID, opaque string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(opaque)
	if err != nil {
		return "", fmt.Errorf("malformed credential blob: %w", err)
	}

	block, err := aes.NewCipher(e.tenantKey(tenantID))
	if err != nil {
		return "", fmt.Errorf("failed to build cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to build gcm: %w", err)
	}
	if len(raw) < gcm.NonceSize() {
		return "", fmt.Errorf("malformed credential blob: too short")
	}

	plaintext, err := gcm.Open(nil, raw[:gcm.NonceSize()], raw[gcm.NonceSize():], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt credential blob: %w", err)
	}
	return string(plaintext), nil
}

// cacheTTL bounds how long decrypted material may sit in memory. Decryption
// may involve an external key-management round trip, so repeated calls
// within the window are served from memory; plaintext is never persisted.
const cacheTTL = 5 * time.Minute

type cacheEntry struct {
	plaintext string
	expires   time.Time
}

// CachingEncryptor wraps an Encryptor with a bounded in-memory decrypt
// cache.
type CachingEncryptor struct {
	inner Encryptor
	mu    sync.Mutex
	cache map[string]cacheEntry
	now   func() time.Time
}

// NewCachingEncryptor wraps inner with the decrypt cache.
func NewCachingEncryptor(inner Encryptor) *CachingEncryptor {
	return &CachingEncryptor{
		inner: inner,
		cache: make(map[string]cacheEntry),
		now:   time.Now,
	}
}

// Encrypt delegates to the wrapped Encryptor.
func (c *CachingEncryptor) Encrypt(tenantID, plaintext string) (string, error) {
	return c.inner.Encrypt(tenantID, plaintext)
}

// Decrypt serves from the cache within the TTL, otherwise delegates and
// caches the result.
func (c *CachingEncryptor) Decrypt(tenantID, opaque string) (string, error) {
	key := tenantID + "|" + opaque

	c.mu.Lock()
	if entry, ok := c.cache[key]; ok && c.now().Before(entry.expires) {
		c.mu.Unlock()
		return entry.plaintext, nil
	}
	c.mu.Unlock()

	plaintext, err := c.inner.Decrypt(tenantID, opaque)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.cache[key] = cacheEntry{plaintext: plaintext, expires: c.now().Add(cacheTTL)}
	// Evict whatever has expired so the map stays bounded.
	for k, e := range c.cache {
		if !c.now().Before(e.expires) {
			delete(c.cache, k)
		}
	}
	c.mu.Unlock()

	return plaintext, nil
}
