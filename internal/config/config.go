package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	// MetaDirName holds the durable version record; it is committed with the project.
	MetaDirName = ".savepoint"
	// VersionFileName is the version record inside MetaDirName.
	VersionFileName = "version.yaml"
	// DefaultManifest is the external manifest mirrored on every version change.
	DefaultManifest = "package.json"

	// EnvConfigPath overrides the location of the user config file.
	EnvConfigPath = "SAVEPOINT_CONFIG"
)

// Identity is the author used for checkpoints when the repository has none configured.
type Identity struct {
	Name  string
	Email string
}

// Config holds the resolved paths and settings for one project
type Config struct {
	ProjectRoot  string
	MetaDir      string
	VersionFile  string
	ManifestFile string
	JournalPath  string
	JournalOn    bool
	Fallback     Identity
	LogLevel     string
}

// userConfig is the on-disk shape of ~/.savepoint/config.yaml
type userConfig struct {
	Manifest      string `yaml:"manifest"`
	FallbackName  string `yaml:"fallback_name"`
	FallbackEmail string `yaml:"fallback_email"`
	LogLevel      string `yaml:"log_level"`
	Journal       *bool  `yaml:"journal"`
}

// Load resolves the configuration for the project at projectRoot, reading the
// user config from $SAVEPOINT_CONFIG or ~/.savepoint/config.yaml when present.
func Load(projectRoot string) (*Config, error) {
	path := os.Getenv(EnvConfigPath)
	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, MetaDirName, "config.yaml")
		}
	}
	return LoadFrom(projectRoot, path)
}

// LoadFrom is Load with an explicit user config path. An empty or missing
// path yields defaults.
func LoadFrom(projectRoot, userConfigPath string) (*Config, error) {
	root, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}

	cfg := &Config{
		ProjectRoot:  root,
		MetaDir:      filepath.Join(root, MetaDirName),
		VersionFile:  filepath.Join(root, MetaDirName, VersionFileName),
		ManifestFile: filepath.Join(root, DefaultManifest),
		JournalPath:  filepath.Join(root, ".git", "savepoint", "journal.db"),
		JournalOn:    true,
		Fallback: Identity{
			Name:  "Savepoint",
			Email: "savepoint@localhost",
		},
	}

	if userConfigPath == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(userConfigPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read user config: %w", err)
	}

	var uc userConfig
	if err := yaml.Unmarshal(data, &uc); err != nil {
		return nil, fmt.Errorf("parse user config %s: %w", userConfigPath, err)
	}

	if uc.Manifest != "" {
		if filepath.IsAbs(uc.Manifest) {
			cfg.ManifestFile = uc.Manifest
		} else {
			cfg.ManifestFile = filepath.Join(root, uc.Manifest)
		}
	}
	if uc.FallbackName != "" {
		cfg.Fallback.Name = uc.FallbackName
	}
	if uc.FallbackEmail != "" {
		cfg.Fallback.Email = uc.FallbackEmail
	}
	if uc.Journal != nil {
		cfg.JournalOn = *uc.Journal
	}
	cfg.LogLevel = uc.LogLevel

	return cfg, nil
}

// Rel returns path relative to the project root, in slash form, as the
// backend expects for staging.
func (c *Config) Rel(path string) string {
	rel, err := filepath.Rel(c.ProjectRoot, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}
