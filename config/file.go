package config

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// LoadFile reads a YAML or TOML config file over cfg. Keys missing from the
// file leave the existing values untouched.
func LoadFile(path string, cfg *Config) error {
	parser, err := parserFor(path)
	if err != nil {
		return err
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return fmt.Errorf("failed to load config file: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return nil
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".toml":
		return TOML{}, nil
	default:
		return nil, fmt.Errorf("unsupported config file type %q (use .yaml, .yml or .toml)", filepath.Ext(path))
	}
}

// TOML implements koanf.Parser on top of BurntSushi/toml.
type TOML struct{}

func (TOML) Unmarshal(b []byte) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	if _, err := toml.Decode(string(b), &out); err != nil {
		return nil, fmt.Errorf("parse toml: %w", err)
	}
	return out, nil
}

func (TOML) Marshal(m map[string]interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(m); err != nil {
		return nil, fmt.Errorf("encode toml: %w", err)
	}
	return buf.Bytes(), nil
}
