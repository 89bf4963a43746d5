package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFile loads a policy document from a JSON or YAML file, keyed off the
// file extension (.yaml/.yml parse as YAML, anything else as JSON).
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}

	var doc Document
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse policy YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse policy JSON: %w", err)
		}
	}

	normalize(&doc)
	return &doc, nil
}

// Default returns the document used when no policy file is configured:
// no blocked targets, no rules, medium default risk.
func Default() *Document {
	return &Document{DefaultRisk: RiskMedium}
}

func normalize(doc *Document) {
	if doc.DefaultRisk == "" {
		doc.DefaultRisk = RiskMedium
	}
}
