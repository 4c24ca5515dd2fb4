package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"sitesync/internal/core"
	"sitesync/internal/storage"
)

// Upload methods.
const (
	MethodBuiltin = "builtin"
	MethodAzCLI   = "azcli"
	MethodAzCopy  = "azcopy"
)

// DefaultSite is the site_path section used for modalities without their own.
const DefaultSite = "default"

// Config represents the main configuration for sitesync.
type Config struct {
	Configuration Settings              `toml:"configuration"`
	Journal       JournalConfig         `toml:"journal"`
	CentralPath   Location              `toml:"central_path"`
	SitePath      map[string]SiteConfig `toml:"site_path"`

	// BaseDir holds logs and the default local journal. It is not read
	// from the file.
	BaseDir string `toml:"-"`
}

// Settings is the [configuration] section.
type Settings struct {
	NThreads          int     `toml:"nthreads"`
	PageSize          int     `toml:"page_size"`
	Profiling         bool    `toml:"profiling"`
	JournalingMode    string  `toml:"journaling_mode"` // "v2" (default) or "v1", for new journals
	UploadMethod      string  `toml:"upload_method"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	MetricsTextfile   string  `toml:"metrics_textfile,omitempty"`
	LogDir            string  `toml:"log_dir,omitempty"`
}

// Auth holds the credential keys any location section may carry.
type Auth struct {
	AuthMode string `toml:"auth_mode,omitempty"` // "sas" or "login"

	AzureAccountName      string `toml:"azure_account_name,omitempty"`
	AzureAccountKey       string `toml:"azure_account_key,omitempty"`
	AzureSASToken         string `toml:"azure_sas_token,omitempty"`
	AzureConnectionString string `toml:"azure_storage_connection_string,omitempty"`
	AzureAccountURL       string `toml:"azure_account_url,omitempty"`

	AWSAccessKeyID     string `toml:"aws_access_key_id,omitempty"`
	AWSSecretAccessKey string `toml:"aws_secret_access_key,omitempty"`
	AWSSessionToken    string `toml:"aws_session_token,omitempty"`
	AWSRegion          string `toml:"aws_region,omitempty"`
	AWSEndpointURL     string `toml:"aws_endpoint_url,omitempty"`
	AWSProfile         string `toml:"aws_profile,omitempty"`
}

// Storage converts the keys for the storage resolver.
func (a Auth) Storage() storage.Auth {
	return storage.Auth{
		Mode:                  strings.ToLower(a.AuthMode),
		AzureAccountName:      a.AzureAccountName,
		AzureAccountKey:       a.AzureAccountKey,
		AzureSASToken:         a.AzureSASToken,
		AzureConnectionString: a.AzureConnectionString,
		AzureAccountURL:       a.AzureAccountURL,
		AWSAccessKeyID:        a.AWSAccessKeyID,
		AWSSecretAccessKey:    a.AWSSecretAccessKey,
		AWSSessionToken:       a.AWSSessionToken,
		AWSRegion:             a.AWSRegion,
		AWSEndpoint:           a.AWSEndpointURL,
		AWSProfile:            a.AWSProfile,
	}
}

// JournalConfig is the [journal] section.
type JournalConfig struct {
	Path         string `toml:"path"`
	LocalPath    string `toml:"local_path,omitempty"`
	UploadMethod string `toml:"upload_method,omitempty"`
	Auth
}

// Location is a storage root with its credentials.
type Location struct {
	Path string `toml:"path"`
	Auth
}

// SiteConfig is one [site_path.<modality>] section.
type SiteConfig struct {
	Path           string   `toml:"path"`
	PathPattern    string   `toml:"path_pattern,omitempty"`
	CentralPattern string   `toml:"central_pattern,omitempty"`
	OmopPerPatient bool     `toml:"omop_per_patient,omitempty"`
	Exclude        []string `toml:"exclude,omitempty"`
	Auth
}

// NewConfig creates a Config with defaults for baseDir.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir: baseDir,
		Configuration: Settings{
			PageSize:       1000,
			JournalingMode: "v2",
			UploadMethod:   MethodBuiltin,
			LogDir:         filepath.Join(baseDir, "log"),
		},
		SitePath: map[string]SiteConfig{},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to decode config: %w", core.ErrConfig, err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// Load reads the config file at path and fills in defaults for baseDir.
func Load(path, baseDir string) (*Config, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: config file %s not found (see config-help)", core.ErrConfig, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	cfg.applyDefaults(baseDir)
	return cfg, nil
}

func (c *Config) applyDefaults(baseDir string) {
	def := NewConfig(baseDir)
	c.BaseDir = baseDir
	if c.Configuration.PageSize <= 0 {
		c.Configuration.PageSize = def.Configuration.PageSize
	}
	if c.Configuration.JournalingMode == "" {
		c.Configuration.JournalingMode = def.Configuration.JournalingMode
	}
	if c.Configuration.UploadMethod == "" {
		c.Configuration.UploadMethod = def.Configuration.UploadMethod
	}
	if c.Configuration.LogDir == "" {
		c.Configuration.LogDir = def.Configuration.LogDir
	}
	if c.SitePath == nil {
		c.SitePath = def.SitePath
	}
}

// Validate checks the values every command depends on.
func (c *Config) Validate() error {
	if c.Journal.Path == "" {
		return fmt.Errorf("%w: [journal] path is required", core.ErrConfig)
	}
	if _, err := c.SchemaVersion(); err != nil {
		return err
	}
	for _, m := range []string{c.Configuration.UploadMethod, c.Journal.UploadMethod} {
		if m == "" {
			continue
		}
		if _, err := ParseUploadMethod(m); err != nil {
			return err
		}
	}
	auths := map[string]Auth{"journal": c.Journal.Auth, "central_path": c.CentralPath.Auth}
	for name, s := range c.SitePath {
		auths["site_path."+name] = s.Auth
	}
	for section, a := range auths {
		switch strings.ToLower(a.AuthMode) {
		case "", storage.AuthModeSAS, storage.AuthModeLogin:
		default:
			return fmt.Errorf("%w: [%s] auth_mode %q (want sas or login)", core.ErrConfig, section, a.AuthMode)
		}
	}
	if c.Configuration.NThreads < 0 || c.Configuration.RequestsPerSecond < 0 {
		return fmt.Errorf("%w: nthreads and requests_per_second must not be negative", core.ErrConfig)
	}
	return nil
}

// SchemaVersion returns the schema new journals are created with.
func (c *Config) SchemaVersion() (core.SchemaVersion, error) {
	switch strings.ToLower(c.Configuration.JournalingMode) {
	case "", "v2":
		return core.SchemaV2, nil
	case "v1":
		return core.SchemaV1, nil
	}
	return core.SchemaUnknown, fmt.Errorf("%w: journaling_mode %q (want v1 or v2)", core.ErrConfig, c.Configuration.JournalingMode)
}

// ParseUploadMethod validates an upload_method value.
func ParseUploadMethod(s string) (string, error) {
	switch m := strings.ToLower(s); m {
	case MethodBuiltin, MethodAzCLI, MethodAzCopy:
		return m, nil
	}
	return "", fmt.Errorf("%w: upload_method %q (want builtin, azcli or azcopy)", core.ErrConfig, s)
}

// UploadMethod resolves the transfer method: flag, then [journal], then
// [configuration].
func (c *Config) UploadMethod(flag string) (string, error) {
	for _, m := range []string{flag, c.Journal.UploadMethod, c.Configuration.UploadMethod} {
		if m != "" {
			return ParseUploadMethod(m)
		}
	}
	return MethodBuiltin, nil
}

// Threads returns nthreads, or zero to let each engine pick its default.
func (c *Config) Threads() int {
	return max(0, c.Configuration.NThreads)
}

// LocalJournalPath returns the working copy of the journal: local_path, or
// the journal's file name inside BaseDir.
func (c *Config) LocalJournalPath() string {
	if c.Journal.LocalPath != "" {
		return c.Journal.LocalPath
	}
	if loc, err := storage.ParseLocation(c.Journal.Path); err == nil && loc.Scheme == "file" {
		return loc.Key
	}
	return filepath.Join(c.BaseDir, path.Base(strings.ReplaceAll(c.Journal.Path, "\\", "/")))
}

// JournalName returns the file name of the journal.
func (c *Config) JournalName() string {
	return path.Base(strings.ReplaceAll(c.Journal.Path, "\\", "/"))
}

// Site returns the site_path section of modality, matched case-insensitively,
// falling back to [site_path.default].
func (c *Config) Site(modality string) (SiteConfig, error) {
	var def *SiteConfig
	for name, s := range c.SitePath {
		if strings.EqualFold(name, modality) {
			return s, nil
		}
		if strings.EqualFold(name, DefaultSite) {
			def = &s
		}
	}
	if def != nil {
		return *def, nil
	}
	return SiteConfig{}, fmt.Errorf("%w: no [site_path.%s] or [site_path.default] section", core.ErrConfig, modality)
}

// Modalities returns the modalities with their own site_path section.
func (c *Config) Modalities() []string {
	var out []string
	for name := range c.SitePath {
		if !strings.EqualFold(name, DefaultSite) {
			out = append(out, name)
		}
	}
	return out
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init writes cfg to path unless a file already exists there.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
