package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/scrypt"
)

const (
	keyLen          = 32 // AES-256
	decryptCacheMax = 500
	decryptCacheTTL = 5 * time.Minute
)

// Vault encrypts credential material at rest with AES-256-CBC. The key is
// derived once per process from the configured secret via scrypt and a fixed
// per-family salt, so rotating the salt re-keys one account family without
// touching the others.
type Vault struct {
	key []byte

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	plain   string
	expires time.Time
}

// New derives the vault key. The derivation is intentionally slow; callers
// construct one Vault per family at startup and reuse it.
func New(secret, salt string) (*Vault, error) {
	if secret == "" {
		return nil, fmt.Errorf("vault: encryption secret is required")
	}
	key, err := scrypt.Key([]byte(secret), []byte(salt), 1<<15, 8, 1, keyLen)
	if err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	return &Vault{key: key, cache: make(map[string]cacheEntry)}, nil
}

// Encrypt produces "hex(iv):hex(ciphertext)". Empty input yields empty output
// so absent optional fields round-trip without special casing.
func (v *Vault) Encrypt(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("vault: cipher: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("vault: iv: %w", err)
	}
	padded := pkcs7Pad([]byte(plain), aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ct), nil
}

// Decrypt reverses Encrypt. Malformed blobs yield the empty string and a WARN
// log, never an error: a corrupted secret must not take down scheduling.
func (v *Vault) Decrypt(blob string) string {
	if blob == "" {
		return ""
	}
	if plain, ok := v.cacheGet(blob); ok {
		return plain
	}

	plain, err := v.decrypt(blob)
	if err != nil {
		log.WithError(err).Warn("vault: discarding malformed ciphertext")
		return ""
	}
	v.cachePut(blob, plain)
	return plain
}

func (v *Vault) decrypt(blob string) (string, error) {
	parts := strings.SplitN(blob, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("missing iv separator")
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != aes.BlockSize {
		return "", fmt.Errorf("bad iv")
	}
	ct, err := hex.DecodeString(parts[1])
	if err != nil || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return "", fmt.Errorf("bad ciphertext")
	}
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", err
	}
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)
	unpadded, err := pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(unpadded), nil
}

func (v *Vault) cacheGet(blob string) (string, bool) {
	key := cacheKey(blob)
	v.mu.Lock()
	defer v.mu.Unlock()
	e, ok := v.cache[key]
	if !ok {
		return "", false
	}
	if time.Now().After(e.expires) {
		delete(v.cache, key)
		return "", false
	}
	return e.plain, true
}

func (v *Vault) cachePut(blob, plain string) {
	key := cacheKey(blob)
	now := time.Now()
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.cache) >= decryptCacheMax {
		// evict expired first, then oldest-expiring
		var oldestKey string
		var oldest time.Time
		for k, e := range v.cache {
			if now.After(e.expires) {
				delete(v.cache, k)
				continue
			}
			if oldestKey == "" || e.expires.Before(oldest) {
				oldestKey, oldest = k, e.expires
			}
		}
		if len(v.cache) >= decryptCacheMax && oldestKey != "" {
			delete(v.cache, oldestKey)
		}
	}
	v.cache[key] = cacheEntry{plain: plain, expires: now.Add(decryptCacheTTL)}
}

func cacheKey(blob string) string {
	sum := sha256.Sum256([]byte(blob))
	return hex.EncodeToString(sum[:])
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("invalid padding byte")
		}
	}
	return data[:len(data)-n], nil
}
