// Package config loads olla settings from config files, the environment and
// command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/zhubert/olla/internal/ollama"
)

const (
	// FileName is the config file name inside a config directory.
	FileName = "config.yaml"
	// dirName is the per-user and per-project settings directory.
	dirName = ".olla"
)

// Config holds every olla setting.
type Config struct {
	// Host is the base URL of the chat server.
	Host         string         `mapstructure:"host" yaml:"host"`
	Model        string         `mapstructure:"model" yaml:"model,omitempty"`
	SystemPrompt string         `mapstructure:"system_prompt" yaml:"system_prompt,omitempty"`
	Options      ollama.Options `mapstructure:"options" yaml:"options"`
	// SkipBrowserWarning sends the tunnel interstitial bypass header.
	SkipBrowserWarning bool   `mapstructure:"skip_browser_warning" yaml:"skip_browser_warning"`
	LogLevel           string `mapstructure:"log_level" yaml:"log_level"`
	Server             Server `mapstructure:"server" yaml:"server"`

	// Dir is the resolved data directory. It is not read from files.
	Dir string `mapstructure:"-" yaml:"-"`
}

// Server configures `olla serve`.
type Server struct {
	Addr       string        `mapstructure:"addr" yaml:"addr"`
	OllamaHost string        `mapstructure:"ollama_host" yaml:"ollama_host"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// MarshalYAML writes the timeout as a duration string.
func (s Server) MarshalYAML() (any, error) {
	return struct {
		Addr       string `yaml:"addr"`
		OllamaHost string `yaml:"ollama_host"`
		Timeout    string `yaml:"timeout"`
	}{s.Addr, s.OllamaHost, s.Timeout.String()}, nil
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Host:               ollama.DefaultBaseURL,
		Options:            ollama.DefaultOptions(),
		SkipBrowserWarning: true,
		LogLevel:           "debug",
		Server: Server{
			Addr:       "0.0.0.0:3000",
			OllamaHost: "http://localhost:11434",
			Timeout:    20 * time.Second,
		},
	}
}

// SessionsDir is where conversations are saved.
func (c Config) SessionsDir() string {
	return filepath.Join(c.Dir, "sessions")
}

// HistoryFile is the readline history path.
func (c Config) HistoryFile() string {
	return filepath.Join(c.Dir, "history")
}

// DefaultDir returns ~/.olla.
func DefaultDir() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, dirName), nil
}

// Loader layers config files, environment variables and flags.
type Loader struct {
	v   *viper.Viper
	dir string
	// projectDir is searched for .olla/config.yaml after the user file.
	projectDir string
}

// NewLoader creates a loader rooted at the data directory dir. An empty dir
// means DefaultDir. A leading ~ is expanded.
func NewLoader(dir string) (*Loader, error) {
	if dir == "" {
		d, err := DefaultDir()
		if err != nil {
			return nil, err
		}
		dir = d
	}
	dir, err := homedir.Expand(dir)
	if err != nil {
		return nil, fmt.Errorf("expanding config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, Default())

	v.SetEnvPrefix("OLLA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// The proxy honors the upstream's own variable.
	if err := v.BindEnv("server.ollama_host", "OLLA_SERVER_OLLAMA_HOST", "OLLAMA_HOST"); err != nil {
		return nil, fmt.Errorf("binding environment: %w", err)
	}

	wd, _ := os.Getwd()
	return &Loader{v: v, dir: dir, projectDir: wd}, nil
}

// SetProjectDir changes the directory searched for a project config.
func (l *Loader) SetProjectDir(dir string) {
	l.projectDir = dir
}

// BindFlag lets a command-line flag override key when the flag is set.
func (l *Loader) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("binding %s: no such flag", key)
	}
	return l.v.BindPFlag(key, flag)
}

// Load reads the settings. With an explicit file only that file is read and
// it must exist; otherwise ~/.olla/config.yaml and ./.olla/config.yaml are
// merged in that order when present.
func (l *Loader) Load(file string) (*Config, error) {
	if file != "" {
		path, err := homedir.Expand(file)
		if err != nil {
			return nil, fmt.Errorf("expanding config path: %w", err)
		}
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else {
		for _, path := range l.searchPaths() {
			if err := l.merge(path); err != nil {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.Dir = l.dir
	cfg.Host = strings.TrimRight(cfg.Host, "/")
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// UserFile is the per-user config path.
func (l *Loader) UserFile() string {
	return filepath.Join(l.dir, FileName)
}

func (l *Loader) searchPaths() []string {
	paths := []string{l.UserFile()}
	if l.projectDir != "" {
		project := filepath.Join(l.projectDir, dirName, FileName)
		if project != paths[0] {
			paths = append(paths, project)
		}
	}
	return paths
}

func (l *Loader) merge(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	l.v.SetConfigFile(path)
	if err := l.v.MergeInConfig(); err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	return nil
}

// Validate checks option ranges.
func (c Config) Validate() error {
	if c.Host == "" {
		return errors.New("host must be set")
	}
	return ValidateOptions(c.Options)
}

// ValidateOptions checks sampling parameters against the server's accepted ranges.
func ValidateOptions(o ollama.Options) error {
	switch {
	case o.Temperature < 0 || o.Temperature > 1:
		return fmt.Errorf("temperature %v out of range [0, 1]", o.Temperature)
	case o.TopP < 0 || o.TopP > 1:
		return fmt.Errorf("top_p %v out of range [0, 1]", o.TopP)
	case o.TopK < 0:
		return fmt.Errorf("top_k %d must not be negative", o.TopK)
	case o.MaxTokens < 1:
		return fmt.Errorf("max_tokens %d must be at least 1", o.MaxTokens)
	case o.PresencePenalty < 0 || o.PresencePenalty > 5:
		return fmt.Errorf("presence_penalty %v out of range [0, 5]", o.PresencePenalty)
	}
	return nil
}

// Save writes cfg as YAML to path, creating parent directories.
func Save(cfg Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return writeConfig(path, data)
}

// SaveOptions replaces the options section of the config file at path and
// leaves every other key, including comments and unknown keys, as written.
// A missing file is created holding only the options.
func SaveOptions(path string, opts ollama.Options) error {
	path, err := homedir.Expand(path)
	if err != nil {
		return fmt.Errorf("expanding config path: %w", err)
	}

	var doc yaml.Node
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return fmt.Errorf("reading config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	if doc.Kind == 0 {
		doc.Kind = yaml.DocumentNode
	}
	if len(doc.Content) == 0 {
		doc.Content = []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return fmt.Errorf("config file %s: top level is not a mapping", path)
	}

	var value yaml.Node
	if err := value.Encode(opts); err != nil {
		return fmt.Errorf("encoding options: %w", err)
	}
	setMappingKey(root, "options", &value)

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return writeConfig(path, out)
}

func setMappingKey(m *yaml.Node, key string, value *yaml.Node) {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			value.LineComment = m.Content[i+1].LineComment
			m.Content[i+1] = value
			return
		}
	}
	m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, value)
}

func writeConfig(path string, data []byte) error {
	path, err := homedir.Expand(path)
	if err != nil {
		return fmt.Errorf("expanding config path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("host", d.Host)
	v.SetDefault("model", d.Model)
	v.SetDefault("system_prompt", d.SystemPrompt)
	v.SetDefault("options.temperature", d.Options.Temperature)
	v.SetDefault("options.top_p", d.Options.TopP)
	v.SetDefault("options.max_tokens", d.Options.MaxTokens)
	v.SetDefault("options.top_k", d.Options.TopK)
	v.SetDefault("options.presence_penalty", d.Options.PresencePenalty)
	v.SetDefault("skip_browser_warning", d.SkipBrowserWarning)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.ollama_host", d.Server.OllamaHost)
	v.SetDefault("server.timeout", d.Server.Timeout)
}
