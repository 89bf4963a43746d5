// Package extension manages notification extensions: zip installation with
// publisher-signature checks, manifest discovery, and validation.
package extension

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ManifestName is the file every extension directory must carry.
const ManifestName = "glove-extension.json"

// Manifest describes an installed extension.
type Manifest struct {
	Notify NotifySpec `json:"notify"`
}

// NotifySpec is the subprocess an extension runs to deliver a notification.
type NotifySpec struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// LoadManifest reads and validates the manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the manifest declares a notify command.
func (m *Manifest) Validate() error {
	if m.Notify.Command == "" {
		return errors.New("manifest missing notify.command")
	}
	return nil
}
