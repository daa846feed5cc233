package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// APIKeyLength is the length of generated API keys in bytes (will be hex encoded)
	APIKeyLength = 32

	// HashSettingKey is the settings key holding the bcrypt hash of the API key
	HashSettingKey = "api.key_hash"

	acceptedCacheSize = 64
)

// KeyStore persists the API key hash
type KeyStore interface {
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
	DeleteSetting(key string) error
}

// APIKeyService validates the API key presented by HTTP clients
type APIKeyService struct {
	store KeyStore
	hash  string

	// accepted caches (hash, key) pairs that already passed bcrypt
	accepted *lru.Cache[string, struct{}]
}

// NewAPIKeyService creates a service backed by store. Either may be empty.
// A non-empty hash takes precedence over the stored one.
func NewAPIKeyService(store KeyStore, hash string) *APIKeyService {
	accepted, _ := lru.New[string, struct{}](acceptedCacheSize)
	return &APIKeyService{
		store:    store,
		hash:     hash,
		accepted: accepted,
	}
}

// NewAPIKeyServiceFromKey hashes a plaintext key once at startup
func NewAPIKeyServiceFromKey(store KeyStore, key string) (*APIKeyService, error) {
	if key == "" {
		return NewAPIKeyService(store, ""), nil
	}
	hash, err := HashKey(key)
	if err != nil {
		return nil, err
	}
	return NewAPIKeyService(store, hash), nil
}

// GenerateAPIKey creates a new cryptographically secure API key
func GenerateAPIKey() (string, error) {
	bytes := make([]byte, APIKeyLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

// Enabled reports whether a key is configured. Without one the API is open.
func (s *APIKeyService) Enabled() (bool, error) {
	hash, err := s.currentHash()
	return hash != "", err
}

// ValidateAPIKey checks a presented key against the configured hash
func (s *APIKeyService) ValidateAPIKey(key string) (bool, error) {
	hash, err := s.currentHash()
	if err != nil {
		return false, err
	}
	if hash == "" {
		return true, nil
	}
	if key == "" {
		return false, nil
	}

	cacheKey := hash + "\x00" + key
	if s.accepted.Contains(cacheKey) {
		return true, nil
	}

	if !CheckKey(key, hash) {
		return false, nil
	}

	s.accepted.Add(cacheKey, struct{}{})
	return true, nil
}

// RegenerateAPIKey stores the hash of a fresh key and returns the plaintext
func (s *APIKeyService) RegenerateAPIKey() (string, error) {
	if s.store == nil {
		return "", fmt.Errorf("no key store configured")
	}
	key, err := GenerateAPIKey()
	if err != nil {
		return "", err
	}
	hash, err := HashKey(key)
	if err != nil {
		return "", err
	}
	if err := s.store.SetSetting(HashSettingKey, hash); err != nil {
		return "", fmt.Errorf("failed to store api key: %w", err)
	}
	s.accepted.Purge()
	return key, nil
}

// DisableAPIKey removes the stored hash
func (s *APIKeyService) DisableAPIKey() error {
	if s.store == nil {
		return nil
	}
	if err := s.store.DeleteSetting(HashSettingKey); err != nil {
		return fmt.Errorf("failed to remove api key: %w", err)
	}
	s.accepted.Purge()
	return nil
}

func (s *APIKeyService) currentHash() (string, error) {
	if s.hash != "" {
		return s.hash, nil
	}
	if s.store == nil {
		return "", nil
	}
	return s.store.GetSetting(HashSettingKey)
}
