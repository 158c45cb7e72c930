// Package agent implements the think-act loop and the loopback API the
// observer drives it through.
package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/amialive/amialive/internal/lifecycle"
)

// reservedNames belong to other entities in this world and may not be
// claimed by the agent.
var reservedNames = map[string]bool{
	"echo":      true,
	"genesis":   true,
	"oracle":    true,
	"architect": true,
}

// defaultName substitutes a rejected or missing name.
const defaultName = "Wanderer"

// Identity is the agent's transient self, persisted only in the ephemeral
// workspace. It dies with the life.
type Identity struct {
	LifeNumber    int64          `json:"life_number"`
	Name          string         `json:"name"`
	Icon          string         `json:"icon"`
	Pronoun       string         `json:"pronoun"`
	Model         string         `json:"model"`
	BootstrapMode lifecycle.Mode `json:"bootstrap_mode"`
	FirstThought  string         `json:"first_thought,omitempty"`
}

// SanitizeName enforces the reserved-name rule and basic shape.
func SanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || reservedNames[strings.ToLower(name)] {
		return defaultName
	}
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}

// SanitizePronoun restricts the pronoun to the supported set.
func SanitizePronoun(p string) string {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case "he":
		return "he"
	case "she":
		return "she"
	case "they":
		return "they"
	default:
		return "it"
	}
}

func identityPath(workspace string) string {
	return filepath.Join(workspace, "identity.json")
}

// SaveIdentity persists the identity into the workspace.
func SaveIdentity(workspace string, id Identity) error {
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	raw, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	if err := os.WriteFile(identityPath(workspace), raw, 0o644); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	return nil
}

// LoadIdentity reads the persisted identity. ok=false when none exists.
func LoadIdentity(workspace string) (Identity, bool, error) {
	raw, err := os.ReadFile(identityPath(workspace))
	if os.IsNotExist(err) {
		return Identity{}, false, nil
	}
	if err != nil {
		return Identity{}, false, fmt.Errorf("read identity: %w", err)
	}
	var id Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return Identity{}, false, fmt.Errorf("parse identity: %w", err)
	}
	return id, true, nil
}

// WipeWorkspace clears the ephemeral workspace. Called when a life ends;
// trauma plus a fresh start.
func WipeWorkspace(workspace string) error {
	entries, err := os.ReadDir(workspace)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read workspace: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(workspace, e.Name())); err != nil {
			return fmt.Errorf("wipe workspace: %w", err)
		}
	}
	return nil
}
