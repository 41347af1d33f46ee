package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const instanceFile = "instance_id"

// LoadOrCreateInstanceID returns the installation's persistent id from
// dataDir. A missing or unparseable file is replaced with a fresh UUIDv7.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, instanceFile)

	if data, err := os.ReadFile(path); err == nil {
		if id, err := uuid.Parse(strings.TrimSpace(string(data))); err == nil {
			return id.String(), nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance id: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir %s: %w", dataDir, err)
	}

	tmp, err := os.CreateTemp(dataDir, instanceFile+".*")
	if err != nil {
		return "", fmt.Errorf("write instance id: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(id.String() + "\n"); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write instance id: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("write instance id: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("persist instance id to %s: %w", path, err)
	}
	return id.String(), nil
}

// ClientID returns configured when set, otherwise "aria-" and the last
// twelve hex digits of the instance id.
func ClientID(configured, instanceID string) string {
	if configured != "" {
		return configured
	}
	hex := strings.ReplaceAll(instanceID, "-", "")
	if len(hex) > 12 {
		hex = hex[len(hex)-12:]
	}
	return "aria-" + hex
}
