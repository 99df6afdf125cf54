// Package credstore persists the backend API key.
package credstore

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

type Store interface {
	// Get returns ok=false when nothing has been stored.
	Get() (value string, ok bool, err error)
	Set(value string) error
}

var ErrNoSecret = errors.New("credstore: secret is required")

const hkdfInfo = "callbrand credstore v1"

// File encrypts the value with XChaCha20-Poly1305 under a key derived from
// a host-provided secret. The file holds base64(nonce || ciphertext). Only
// the base name feeds the key, so the data directory may move.
type File struct {
	Path string
	aead cipher.AEAD
	mu   sync.Mutex
}

func NewFile(path, secret string) (*File, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, []byte(secret), []byte(filepath.Base(path)), []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive credstore key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &File{Path: path, aead: aead}, nil
}

func (f *File) Get() (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	raw, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	blob, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return "", false, fmt.Errorf("credstore: corrupt file: %w", err)
	}
	ns := f.aead.NonceSize()
	if len(blob) < ns {
		return "", false, errors.New("credstore: corrupt file: short blob")
	}
	plain, err := f.aead.Open(nil, blob[:ns], blob[ns:], []byte(hkdfInfo))
	if err != nil {
		return "", false, fmt.Errorf("credstore: decrypt: %w", err)
	}
	return string(plain), true, nil
}

func (f *File) Set(value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	nonce := make([]byte, f.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	blob := f.aead.Seal(nonce, nonce, []byte(value), []byte(hkdfInfo))
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return err
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, []byte(base64.StdEncoding.EncodeToString(blob)), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.Path)
}

type Memory struct {
	mu    sync.Mutex
	value string
	set   bool
}

func (m *Memory) Get() (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value, m.set, nil
}

func (m *Memory) Set(value string) error {
	m.mu.Lock()
	m.value, m.set = value, true
	m.mu.Unlock()
	return nil
}

// ResolveAPIKey returns the stored key if any, otherwise stores and returns
// configured. A blank result means no key is available.
func ResolveAPIKey(s Store, configured string) (string, error) {
	stored, ok, err := s.Get()
	if err != nil {
		return "", err
	}
	if ok && strings.TrimSpace(stored) != "" {
		return stored, nil
	}
	configured = strings.TrimSpace(configured)
	if configured == "" {
		return "", nil
	}
	if err := s.Set(configured); err != nil {
		return "", err
	}
	return configured, nil
}
