package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	FormatTOML = "toml"
	FormatYAML = "yaml"
)

const templateHeader = "tlvrelay relayd configuration. One [[relays]] entry per domain."

// FormatFor picks the template format from a file extension.
func FormatFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatTOML
	}
}

// Template renders DefaultFile in the given format.
func Template(format string) ([]byte, error) {
	f := DefaultFile()
	var buf bytes.Buffer
	switch strings.ToLower(strings.TrimSpace(format)) {
	case FormatTOML, "":
		buf.WriteString("# " + templateHeader + "\n\n")
		enc := toml.NewEncoder(&buf)
		enc.SetIndentTables(true)
		if err := enc.Encode(f); err != nil {
			return nil, fmt.Errorf("render toml template: %w", err)
		}
	case FormatYAML, "yml":
		buf.WriteString("# " + templateHeader + "\n")
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(f); err != nil {
			return nil, fmt.Errorf("render yaml template: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown config format: %s", format)
	}
	return buf.Bytes(), nil
}

func WriteTemplate(path, format string, overwrite bool) error {
	if format == "" {
		format = FormatFor(path)
	}
	data, err := Template(format)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o600)
}
