package sshutils

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// IdentityCache keeps private key files in memory for the duration of a run.
// Devices of one site usually share a single key.
type IdentityCache struct {
	mu    sync.Mutex
	files map[string][]byte
}

func NewIdentityCache() *IdentityCache {
	return &IdentityCache{files: make(map[string][]byte)}
}

func (c *IdentityCache) Read(name string) ([]byte, error) {
	path, err := filepath.Abs(name)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if pem, ok := c.files[path]; ok {
		return pem, nil
	}

	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}

	c.files[path] = pem
	return pem, nil
}

var identities = NewIdentityCache()

func ReadIdentityFile(name string) ([]byte, error) {
	return identities.Read(name)
}
