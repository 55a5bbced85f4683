package wabridge

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"
)

// Shared zstd coders; both are safe for concurrent use via EncodeAll and
// DecodeAll.
var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// vaultFormatVersion prefixes every sealed credential blob so the cipher
// can be rotated later without guessing at old payloads.
const vaultFormatVersion = byte(1)

type SessionVaultOptions struct {
	Store  *Store
	Blobs  BlobStore
	Key    []byte
	Logger *slog.Logger
}

// SessionVault is the hybrid session persistence layer. Credentials are
// small and sensitive: they are sealed with XChaCha20-Poly1305 and live
// inline on the channel row. Session caches are large and disposable:
// they are zstd-compressed into the blob store with only the ref on the
// row.
type SessionVault struct {
	store  *Store
	blobs  BlobStore
	aead   func() (aeadSealer, error)
	logger *slog.Logger
}

type aeadSealer interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
}

func NewSessionVault(opts SessionVaultOptions) (*SessionVault, error) {
	if len(opts.Key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: vault key must be %d bytes", ErrInvalidInput, chacha20poly1305.KeySize)
	}
	blobs := opts.Blobs
	if blobs == nil {
		blobs = NewMemoryBlobStore()
	}
	key := append([]byte(nil), opts.Key...)
	return &SessionVault{
		store: opts.Store,
		blobs: blobs,
		aead: func() (aeadSealer, error) {
			return chacha20poly1305.NewX(key)
		},
		logger: opts.Logger,
	}, nil
}

func (v *SessionVault) log() *slog.Logger {
	if v.logger != nil {
		return v.logger
	}
	return slog.Default()
}

// SaveCredentials seals the credential payload and stores it on the
// channel row. The channel id is bound in as associated data so a blob
// copied between rows fails to open.
func (v *SessionVault) SaveCredentials(channelID string, data json.RawMessage) error {
	if len(data) == 0 {
		return ErrInvalidInput
	}
	aead, err := v.aead()
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	sealed := make([]byte, 0, 1+len(nonce)+len(data)+16)
	sealed = append(sealed, vaultFormatVersion)
	sealed = append(sealed, nonce...)
	sealed = aead.Seal(sealed, nonce, data, []byte(channelID))
	return v.store.SetAuthBlob(channelID, sealed)
}

// LoadCredentials returns the decrypted credential payload, or ErrNotFound
// when the channel has never paired.
func (v *SessionVault) LoadCredentials(channelID string) (json.RawMessage, error) {
	channel, err := v.store.GetChannel(channelID)
	if err != nil {
		return nil, err
	}
	if len(channel.AuthBlob) == 0 {
		return nil, ErrNotFound
	}
	aead, err := v.aead()
	if err != nil {
		return nil, err
	}
	sealed := channel.AuthBlob
	if len(sealed) < 1+aead.NonceSize() {
		return nil, fmt.Errorf("%w: credential blob truncated", ErrInvalidInput)
	}
	if sealed[0] != vaultFormatVersion {
		return nil, fmt.Errorf("%w: unknown credential blob version %d", ErrInvalidInput, sealed[0])
	}
	nonce := sealed[1 : 1+aead.NonceSize()]
	ciphertext := sealed[1+aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(channelID))
	if err != nil {
		return nil, fmt.Errorf("credential blob: %w", err)
	}
	return plaintext, nil
}

func cacheRefFor(channelID string) string {
	return "session-cache/" + channelID
}

// SaveCache compresses the session cache into the blob store and records
// the ref on the channel row.
func (v *SessionVault) SaveCache(channelID string, data json.RawMessage) error {
	if len(data) == 0 {
		return ErrInvalidInput
	}
	if _, err := v.store.GetChannel(channelID); err != nil {
		return err
	}
	compressed := zstdEncoder.EncodeAll(data, nil)
	ref := cacheRefFor(channelID)
	if err := v.blobs.Put(ref, compressed); err != nil {
		return err
	}
	return v.store.SetCacheRef(channelID, ref)
}

// LoadCache returns the decompressed session cache, or ErrNotFound when
// none was ever stored. A corrupt blob also comes back as ErrNotFound:
// the cache is an optimization and a cold start is always acceptable.
func (v *SessionVault) LoadCache(channelID string) (json.RawMessage, error) {
	channel, err := v.store.GetChannel(channelID)
	if err != nil {
		return nil, err
	}
	if channel.CacheStorageRef == "" {
		return nil, ErrNotFound
	}
	compressed, err := v.blobs.Get(channel.CacheStorageRef)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	data, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		v.log().Warn("session cache corrupt, discarding",
			"channel_id", channelID, "ref", channel.CacheStorageRef, "error", err)
		return nil, ErrNotFound
	}
	return data, nil
}

// Cleanup removes all stored session material for a channel. Each step is
// attempted regardless of earlier failures; the first error is returned.
func (v *SessionVault) Cleanup(channelID string) error {
	channel, err := v.store.GetChannel(channelID)
	if err != nil {
		return err
	}
	var firstErr error
	if channel.CacheStorageRef != "" {
		if err := v.blobs.Delete(channel.CacheStorageRef); err != nil {
			firstErr = err
		}
		if err := v.store.SetCacheRef(channelID, ""); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := v.store.SetAuthBlob(channelID, nil); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
