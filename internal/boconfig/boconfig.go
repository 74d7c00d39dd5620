// Package boconfig loads the bo configuration once per invocation: the
// global workdir/server map (YAML) and an optional per-workspace JSONC
// override file. There is no package-level config state -- CLI
// subcommands that change configuration modify the value they loaded,
// rewrite the file, and the next invocation reloads it.
package boconfig

import (
	"os"
	"path/filepath"

	"github.com/msolo/jsonc"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultPort is the bo server's default TCP port.
const DefaultPort = 4319

// ConfigDirName is the directory under $HOME holding the config file and
// all derived inventory cache files.
const ConfigDirName = ".bo-by-sea5kg"

// ServerTarget describes one named remote sync target for a workdir.
type ServerTarget struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	TargetDir string `yaml:"target_dir"`
	CachePath string `yaml:"cache_path"`
}

// WorkdirConfig is one workdir's full configuration: its named server
// targets plus its named command aliases.
type WorkdirConfig struct {
	Servers  map[string]ServerTarget `yaml:"servers"`
	Commands map[string][]string     `yaml:"commands"`
}

// Config is the root configuration value, loaded once per invocation.
type Config struct {
	BoVersion string                   `yaml:"bo_version"`
	Workdirs  map[string]WorkdirConfig `yaml:"workdirs"`
}

// HomeConfigPath returns the default location of the global config file.
func HomeConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "resolve home directory")
	}
	return filepath.Join(home, ConfigDirName, "config.yml"), nil
}

// Load reads the config file at path. An absent file yields an empty
// Config (the CLI's `config init` is what first populates it); a
// malformed file is a fatal ConfigError.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Config{Workdirs: map[string]WorkdirConfig{}}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "malformed config file")
	}
	if cfg.Workdirs == nil {
		cfg.Workdirs = map[string]WorkdirConfig{}
	}
	return cfg, nil
}

// Save writes cfg back to path, creating parent directories as needed.
// CLI mutation subcommands call Load, modify the returned value, then
// Save it.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0775); err != nil {
		return errors.Wrap(err, "create config dir")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, "write config")
	}
	return nil
}

// Override is the optional per-workspace .bo.jsonc local override. `bo
// sync` uses its send_buffer_size; the commands field is decoded but no
// subcommand reads it.
type Override struct {
	SendBufferSize int                 `json:"send_buffer_size"`
	Commands       map[string][]string `json:"commands"`
}

// LoadOverride decodes a .bo.jsonc file at path, rejecting unknown
// fields so a typo in the override file is a hard ConfigError rather than
// a silently-ignored key -- the same jsonc.NewDecoder/DisallowUnknownFields
// pattern as cmd/git-preflight/git-preflight.go.
func LoadOverride(path string) (*Override, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return &Override{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "open override file")
	}
	defer f.Close()

	ov := &Override{}
	dec := jsonc.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(ov); err != nil {
		return nil, errors.Wrap(err, "malformed .bo.jsonc")
	}
	return ov, nil
}
