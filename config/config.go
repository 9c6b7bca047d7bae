package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dhcgn/mbox-to-md/filter"
	"github.com/dhcgn/mbox-to-md/naming"
)

// Config captures every option of a conversion run. Keys in a config file use
// the koanf tags.
type Config struct {
	MboxPath      string   `koanf:"mbox"`
	OutputDir     string   `koanf:"output"`
	MaxNameLength int      `koanf:"max_name_length"`
	DecodeHeaders bool     `koanf:"decode_headers"`
	DryRun        bool     `koanf:"dry_run"`
	NoLock        bool     `koanf:"no_lock"`
	Progress      bool     `koanf:"progress"`
	Manifest      bool     `koanf:"manifest"`
	IndexDB       string   `koanf:"index_db"`
	LogLevel      string   `koanf:"log_level"`
	LogDir        string   `koanf:"log_dir"`
	IncludeHeader []string `koanf:"include_header"`
	IncludeBody   []string `koanf:"include_body"`
	ExcludeHeader []string `koanf:"exclude_header"`
	ExcludeBody   []string `koanf:"exclude_body"`
}

// Default returns the configuration used when neither flags nor a config
// file say otherwise.
func Default() Config {
	return Config{
		MaxNameLength: naming.DefaultMaxLength,
		LogLevel:      "info",
	}
}

// FilterOptions returns the include/exclude patterns.
func (c Config) FilterOptions() filter.Options {
	return filter.Options{
		IncludeHeader: c.IncludeHeader,
		IncludeBody:   c.IncludeBody,
		ExcludeHeader: c.ExcludeHeader,
		ExcludeBody:   c.ExcludeBody,
	}
}

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	def := Default()

	flags := cmd.Flags()
	flags.String("mbox", "", "Path to the .mbox file to convert")
	flags.String("output", "", "Output root directory (defaults to the directory of the mbox file)")
	flags.String("config", "", "Optional YAML (.yaml, .yml) or TOML (.toml) config file")
	flags.Int("max-name-length", def.MaxNameLength, "Maximum length of the sanitized subject in file names")
	flags.Bool("decode-headers", false, "Decode RFC 2047 encoded subjects before sanitizing")
	flags.Bool("dry-run", false, "Print the files that would be written without writing them")
	flags.Bool("no-lock", false, "Do not take an advisory lock on the mbox file")
	flags.Bool("progress", false, "Show a progress bar instead of one line per message")
	flags.Bool("manifest", false, "Append one JSON line per converted message to manifest.jsonl in the output root")
	flags.String("index-db", "", "Optional SQLite database that indexes converted messages")
	flags.String("log-level", def.LogLevel, "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Optional directory for a timestamped log file")
	flags.StringArray("include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")

	return cmd.MarkFlagFilename("config", "yaml", "yml", "toml")
}

// LoadConfig merges defaults, the optional config file and explicitly set
// flags, in that order, and validates the result.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()
	cfg := Default()

	configPath, err := flags.GetString("config")
	if err != nil {
		return Config{}, err
	}
	if configPath != "" {
		configPath, err = homedir.Expand(configPath)
		if err != nil {
			return Config{}, fmt.Errorf("expand --config: %w", err)
		}
		if err := LoadFile(configPath, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyFlags(flags, &cfg); err != nil {
		return Config{}, err
	}

	cfg, err = normalize(cfg)
	if err != nil {
		return Config{}, err
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func applyFlags(flags *pflag.FlagSet, cfg *Config) error {
	stringFlags := map[string]*string{
		"mbox":      &cfg.MboxPath,
		"output":    &cfg.OutputDir,
		"index-db":  &cfg.IndexDB,
		"log-level": &cfg.LogLevel,
		"log-dir":   &cfg.LogDir,
	}
	for name, dst := range stringFlags {
		if !flags.Changed(name) {
			continue
		}
		v, err := flags.GetString(name)
		if err != nil {
			return err
		}
		*dst = v
	}

	boolFlags := map[string]*bool{
		"decode-headers": &cfg.DecodeHeaders,
		"dry-run":        &cfg.DryRun,
		"no-lock":        &cfg.NoLock,
		"progress":       &cfg.Progress,
		"manifest":       &cfg.Manifest,
	}
	for name, dst := range boolFlags {
		if !flags.Changed(name) {
			continue
		}
		v, err := flags.GetBool(name)
		if err != nil {
			return err
		}
		*dst = v
	}

	arrayFlags := map[string]*[]string{
		"include-header": &cfg.IncludeHeader,
		"include-body":   &cfg.IncludeBody,
		"exclude-header": &cfg.ExcludeHeader,
		"exclude-body":   &cfg.ExcludeBody,
	}
	for name, dst := range arrayFlags {
		if !flags.Changed(name) {
			continue
		}
		v, err := flags.GetStringArray(name)
		if err != nil {
			return err
		}
		*dst = v
	}

	if flags.Changed("max-name-length") {
		v, err := flags.GetInt("max-name-length")
		if err != nil {
			return err
		}
		cfg.MaxNameLength = v
	}

	return nil
}

// normalize expands home directories, cleans paths and fills in the output
// directory.
func normalize(cfg Config) (Config, error) {
	paths := []struct {
		name string
		dst  *string
	}{
		{"--mbox", &cfg.MboxPath},
		{"--output", &cfg.OutputDir},
		{"--index-db", &cfg.IndexDB},
		{"--log-dir", &cfg.LogDir},
	}
	for _, p := range paths {
		v := strings.TrimSpace(*p.dst)
		if v == "" {
			*p.dst = ""
			continue
		}
		expanded, err := homedir.Expand(v)
		if err != nil {
			return Config{}, fmt.Errorf("expand %s: %w", p.name, err)
		}
		*p.dst = filepath.Clean(expanded)
	}

	if cfg.OutputDir == "" && cfg.MboxPath != "" {
		cfg.OutputDir = filepath.Dir(cfg.MboxPath)
	}

	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	if cfg.MboxPath == "" {
		return fmt.Errorf("--mbox is required")
	}
	if info, err := os.Stat(cfg.MboxPath); err == nil && info.IsDir() {
		return fmt.Errorf("--mbox must be a file, got directory %s", cfg.MboxPath)
	}
	if cfg.MaxNameLength <= 0 {
		return fmt.Errorf("--max-name-length must be positive")
	}
	includeActive := len(cfg.IncludeHeader) > 0 || len(cfg.IncludeBody) > 0
	excludeActive := len(cfg.ExcludeHeader) > 0 || len(cfg.ExcludeBody) > 0
	if includeActive && excludeActive {
		return fmt.Errorf("include and exclude flags are mutually exclusive")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}
