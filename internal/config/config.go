package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultConfig []byte

// SyncMode defines how rendered outputs reach the output directory
type SyncMode string

const (
	// ModeStaged renders every output in memory and publishes only after all succeed
	ModeStaged SyncMode = "staged"
	// ModeDirect cleans up first and writes each output as it is rendered
	ModeDirect SyncMode = "direct"
)

// Config represents the complete patchsync configuration
type Config struct {
	KernelVersion     string      `yaml:"kernel_version"`
	SchedulerRevision string      `yaml:"scheduler_revision"`
	Paths             PathsConfig `yaml:"paths"`
	Sync              SyncConfig  `yaml:"sync"`
	Fetch             FetchConfig `yaml:"fetch"`
	Outputs           []Output    `yaml:"outputs"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	OutputDir     string   `yaml:"output_dir"`
	LocalPatchDir string   `yaml:"local_patch_dir"`
	StateFile     string   `yaml:"state_file"`
	Cleanup       []string `yaml:"cleanup"`
}

// SyncConfig configures sync behavior
type SyncConfig struct {
	Mode SyncMode `yaml:"mode"`
}

// FetchConfig configures remote retrieval
type FetchConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	UserAgent   string        `yaml:"user_agent"`
	Concurrency int           `yaml:"concurrency"`
}

// Output is one file written to the output directory
type Output struct {
	Name string `yaml:"name"`
	// Verbatim outputs are written exactly as fetched, without newline fixups.
	Verbatim bool `yaml:"verbatim"`
	// Separator is written between consecutive sources.
	Separator string   `yaml:"separator"`
	Skip      bool     `yaml:"skip"`
	Sources   []Source `yaml:"sources"`
}

// SourceKind identifies how a Source produces its fragments
type SourceKind string

const (
	KindURL      SourceKind = "url"
	KindRemote   SourceKind = "remote"
	KindPKGBUILD SourceKind = "pkgbuild"
	KindRPMSpec  SourceKind = "rpmspec"
	KindLocal    SourceKind = "local"
	KindLocalDir SourceKind = "local_dir"
)

// Source describes where the content of an output comes from. Exactly one
// of URL, Files, PKGBUILD, RPMSpec, Local or LocalDir selects the kind.
type Source struct {
	URL      string   `yaml:"url"`
	BaseURL  string   `yaml:"base_url"`
	Files    []string `yaml:"files"`
	PKGBUILD string   `yaml:"pkgbuild"`
	RPMSpec  string   `yaml:"rpmspec"`
	Local    string   `yaml:"local"`
	LocalDir string   `yaml:"local_dir"`
}

// Kind returns the source kind, or "" when the source selects none or several
func (s Source) Kind() SourceKind {
	var kinds []SourceKind
	if s.URL != "" {
		kinds = append(kinds, KindURL)
	}
	if len(s.Files) > 0 {
		kinds = append(kinds, KindRemote)
	}
	if s.PKGBUILD != "" {
		kinds = append(kinds, KindPKGBUILD)
	}
	if s.RPMSpec != "" {
		kinds = append(kinds, KindRPMSpec)
	}
	if s.Local != "" {
		kinds = append(kinds, KindLocal)
	}
	if s.LocalDir != "" {
		kinds = append(kinds, KindLocalDir)
	}
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Default returns the built-in configuration
func Default() (*Config, error) {
	return Parse(defaultConfig)
}

// Parse decodes YAML configuration data, applies defaults and validates it
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.expandTemplates(); err != nil {
		return nil, fmt.Errorf("failed to expand config templates: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in path fields
func (c *Config) expandEnv() {
	c.Paths.OutputDir = os.ExpandEnv(c.Paths.OutputDir)
	c.Paths.LocalPatchDir = os.ExpandEnv(c.Paths.LocalPatchDir)
	c.Paths.StateFile = os.ExpandEnv(c.Paths.StateFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Paths.OutputDir == "" {
		c.Paths.OutputDir = "."
	}
	if c.Paths.LocalPatchDir == "" {
		c.Paths.LocalPatchDir = "patches"
	}
	if c.Paths.StateFile == "" {
		c.Paths.StateFile = ".patchsync-state.json"
	}
	if len(c.Paths.Cleanup) == 0 {
		c.Paths.Cleanup = []string{"*.patch", "config"}
	}
	if c.Sync.Mode == "" {
		c.Sync.Mode = ModeStaged
	}
	if c.Fetch.UserAgent == "" {
		c.Fetch.UserAgent = "patchsync"
	}
	if c.Fetch.Concurrency <= 0 {
		c.Fetch.Concurrency = 1
	}
}

// templateData is exposed to {{ }} expressions in URLs and file names
type templateData struct {
	KernelVersion     string
	SchedulerRevision string
}

// expandTemplates renders version placeholders in every output field that
// names a remote or local location
func (c *Config) expandTemplates() error {
	data := templateData{
		KernelVersion:     c.KernelVersion,
		SchedulerRevision: c.SchedulerRevision,
	}

	var firstErr error
	expand := func(s string) string {
		if firstErr != nil || !strings.Contains(s, "{{") {
			return s
		}
		tmpl, err := template.New("field").Option("missingkey=error").Parse(s)
		if err != nil {
			firstErr = fmt.Errorf("%q: %w", s, err)
			return s
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			firstErr = fmt.Errorf("%q: %w", s, err)
			return s
		}
		return buf.String()
	}

	for i := range c.Outputs {
		out := &c.Outputs[i]
		out.Name = expand(out.Name)
		for j := range out.Sources {
			src := &out.Sources[j]
			src.URL = expand(src.URL)
			src.BaseURL = expand(src.BaseURL)
			src.PKGBUILD = expand(src.PKGBUILD)
			src.RPMSpec = expand(src.RPMSpec)
			src.Local = expand(src.Local)
			src.LocalDir = expand(src.LocalDir)
			for k := range src.Files {
				src.Files[k] = expand(src.Files[k])
			}
		}
	}

	return firstErr
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	switch c.Sync.Mode {
	case ModeStaged, ModeDirect:
		// valid
	default:
		return fmt.Errorf("invalid sync.mode: %s (must be staged or direct)", c.Sync.Mode)
	}

	if c.Fetch.Timeout < 0 {
		return fmt.Errorf("fetch.timeout must not be negative: %s", c.Fetch.Timeout)
	}

	for _, pattern := range c.Paths.Cleanup {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return fmt.Errorf("invalid paths.cleanup pattern %q: %w", pattern, err)
		}
		if strings.ContainsRune(pattern, filepath.Separator) {
			return fmt.Errorf("paths.cleanup pattern %q must not contain a path separator", pattern)
		}
	}

	if len(c.Outputs) == 0 {
		return fmt.Errorf("at least one output is required")
	}

	seen := make(map[string]bool)
	for i, out := range c.Outputs {
		if out.Name == "" {
			return fmt.Errorf("outputs[%d].name is required", i)
		}
		if out.Name != filepath.Base(out.Name) || out.Name == "." || out.Name == ".." {
			return fmt.Errorf("output %s: name must be a plain file name", out.Name)
		}
		if seen[out.Name] {
			return fmt.Errorf("output %s: duplicate name", out.Name)
		}
		seen[out.Name] = true

		if len(out.Sources) == 0 {
			return fmt.Errorf("output %s: at least one source is required", out.Name)
		}
		for j, src := range out.Sources {
			if err := src.validate(); err != nil {
				return fmt.Errorf("output %s: sources[%d]: %w", out.Name, j, err)
			}
		}
	}

	return nil
}

func (s Source) validate() error {
	kind := s.Kind()
	switch kind {
	case "":
		return fmt.Errorf("exactly one of url, files, pkgbuild, rpmspec, local or local_dir must be set")
	case KindRemote, KindPKGBUILD, KindRPMSpec:
		if s.BaseURL == "" {
			return fmt.Errorf("%s source requires base_url", kind)
		}
	case KindURL, KindLocal, KindLocalDir:
		if s.BaseURL != "" {
			return fmt.Errorf("%s source does not take base_url", kind)
		}
	}
	return nil
}

// EnabledOutputs returns the outputs that are not skipped, in config order
func (c *Config) EnabledOutputs() []Output {
	outputs := make([]Output, 0, len(c.Outputs))
	for _, out := range c.Outputs {
		if !out.Skip {
			outputs = append(outputs, out)
		}
	}
	return outputs
}

// OutputPath returns the destination path for an output file name
func (c *Config) OutputPath(name string) string {
	return filepath.Join(c.Paths.OutputDir, name)
}

// LocalPatchPath resolves a local patch path; relative paths are taken from
// the local patch directory
func (c *Config) LocalPatchPath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.LocalPatchRoot(), path)
}

// LocalPatchRoot returns the local patch directory, relative paths being
// taken from the output directory
func (c *Config) LocalPatchRoot() string {
	if filepath.IsAbs(c.Paths.LocalPatchDir) {
		return c.Paths.LocalPatchDir
	}
	return filepath.Join(c.Paths.OutputDir, c.Paths.LocalPatchDir)
}

// StateFilePath returns the path to the state tracking file
func (c *Config) StateFilePath() string {
	if filepath.IsAbs(c.Paths.StateFile) {
		return c.Paths.StateFile
	}
	return filepath.Join(c.Paths.OutputDir, c.Paths.StateFile)
}
