package key

import (
	"fmt"
)

// Service provides decryption keys configured ahead of time, keyed by the
// resolved key URI. It is initialized once at startup and is safe for concurrent reads.
type Service struct {
	keyMap map[string][]byte
}

// NewService creates a key service from decoded static keys. Every key must be
// 16 bytes, the AES-128 block size.
func NewService(staticKeys map[string][]byte) (*Service, error) {
	keyMap := make(map[string][]byte, len(staticKeys))
	for uri, k := range staticKeys {
		if uri == "" {
			return nil, fmt.Errorf("static key has an empty URI")
		}
		if len(k) != 16 {
			return nil, fmt.Errorf("invalid key length for '%s': expected 16 bytes, got %d", uri, len(k))
		}
		keyMap[uri] = k
	}

	return &Service{
		keyMap: keyMap,
	}, nil
}

// GetKey retrieves the key for a resolved key URI.
// It returns the key and a boolean indicating if the key was found.
func (s *Service) GetKey(uri string) ([]byte, bool) {
	if s == nil {
		return nil, false
	}
	// No lock needed as the map is read-only after initialization.
	k, found := s.keyMap[uri]
	return k, found
}
