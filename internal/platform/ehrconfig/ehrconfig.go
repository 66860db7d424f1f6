// Package ehrconfig loads the EHR connection settings used by the transaction
// relay. The file is read fresh on every request so operators can rotate
// credentials without restarting the server; nothing is cached.
package ehrconfig

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

var (
	// ErrConfigMissing is returned when the configuration file does not exist
	// or cannot be read.
	ErrConfigMissing = errors.New("ehr configuration missing")
	// ErrConfigInvalid is returned when the file is not a JSON object or the
	// object is empty.
	ErrConfigInvalid = errors.New("ehr configuration not valid")
)

// Config holds the EHR connection settings. Fields are deliberately not
// checked on load; a missing field surfaces as a failed remote call.
type Config struct {
	IDType        string `mapstructure:"idType" json:"idType"`
	ClientID      string `mapstructure:"clientId" json:"clientId"`
	Secret        string `mapstructure:"secret" json:"secret"`
	BaseURL       string `mapstructure:"baseUrl" json:"baseUrl"`
	TokenEndpoint string `mapstructure:"tokenEndpoint" json:"tokenEndpoint"`
	PracticeID    string `mapstructure:"practiceId" json:"practiceId"`
}

// Validate reports every required field that is empty. The relay does not
// call it; it backs the `config check` command.
func (c *Config) Validate() error {
	var missing []string
	for _, f := range []struct {
		name  string
		value string
	}{
		{"idType", c.IDType},
		{"clientId", c.ClientID},
		{"secret", c.Secret},
		{"baseUrl", c.BaseURL},
		{"tokenEndpoint", c.TokenEndpoint},
		{"practiceId", c.PracticeID},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Loader produces the EHR configuration for one request.
type Loader interface {
	Load(ctx context.Context) (*Config, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context) (*Config, error)

func (f LoaderFunc) Load(ctx context.Context) (*Config, error) {
	return f(ctx)
}

// Static returns a Loader that always yields cfg.
func Static(cfg Config) Loader {
	return LoaderFunc(func(context.Context) (*Config, error) {
		c := cfg
		return &c, nil
	})
}

// FileLoader reads a JSON configuration file from disk.
type FileLoader struct {
	path string
}

// NewFileLoader creates a FileLoader for the given path.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{path: path}
}

// Path returns the file the loader reads.
func (l *FileLoader) Path() string {
	return l.path
}

// Load reads and parses the file. A fresh viper instance is used per call.
func (l *FileLoader) Load(_ context.Context) (*Config, error) {
	info, err := os.Stat(l.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigMissing, err)
	}
	if info.IsDir() || info.Size() == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrConfigMissing, l.path)
	}

	v := viper.New()
	v.SetConfigFile(l.path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	if len(v.AllKeys()) == 0 {
		return nil, fmt.Errorf("%w: %s has no keys", ErrConfigInvalid, l.path)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	return cfg, nil
}
