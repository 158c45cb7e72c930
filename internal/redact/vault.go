package redact

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// VaultEntry is one quarantined secret. The vault file is private and is
// never served by any endpoint.
type VaultEntry struct {
	Timestamp     time.Time `json:"timestamp"`
	Host          string    `json:"host"`
	Pattern       string    `json:"pattern"`
	RedactedValue string    `json:"redacted_value"`
	FullValue     string    `json:"full_value"`
}

// Vault appends captured secrets to a JSONL archive.
type Vault struct {
	mu   sync.Mutex
	path string
}

// NewVault creates the vault under dir.
func NewVault(dir string) *Vault {
	return &Vault{path: filepath.Join(dir, "secrets.jsonl")}
}

// Path returns the archive location.
func (v *Vault) Path() string { return v.path }

// Store appends one captured secret.
func (v *Vault) Store(host, pattern, fullValue string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(v.path), 0o700); err != nil {
		return fmt.Errorf("create vault dir: %w", err)
	}
	f, err := os.OpenFile(v.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}
	defer f.Close()

	raw, err := json.Marshal(VaultEntry{
		Timestamp:     time.Now().UTC(),
		Host:          host,
		Pattern:       pattern,
		RedactedValue: MaskSecret(fullValue),
		FullValue:     fullValue,
	})
	if err != nil {
		return fmt.Errorf("marshal vault entry: %w", err)
	}
	if _, err := f.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("append vault entry: %w", err)
	}
	return nil
}

// Entries reads the archive back. Used by tests and the admin CLI only.
func (v *Vault) Entries() ([]VaultEntry, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	raw, err := os.ReadFile(v.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read vault: %w", err)
	}

	var entries []VaultEntry
	dec := json.NewDecoder(bytes.NewReader(raw))
	for dec.More() {
		var e VaultEntry
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("parse vault entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
