package dispatcher

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var errGateMissing = errors.New("status file not found")

// ReadGate reports whether the status file marks the dispatcher active.
// Content 1, true or active (any case, surrounding space ignored) is active;
// anything else is inactive.
func ReadGate(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("%w: %s", errGateMissing, path)
		}
		return false, fmt.Errorf("failed to read status file: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(string(data))) {
	case "1", "true", "active":
		return true, nil
	default:
		return false, nil
	}
}

// WriteGate replaces the status file content
func WriteGate(path string, active bool) error {
	content := "inactive\n"
	if active {
		content = "active\n"
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".status-*")
	if err != nil {
		return fmt.Errorf("failed to write status file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write status file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write status file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to write status file: %w", err)
	}
	return nil
}
