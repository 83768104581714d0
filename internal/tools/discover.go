// Package tools discovers and runs the tool services whose tools the
// agent can call: MCP services declared by manifests in the tools
// directory plus the builtin services.
package tools

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServiceConfig is one manifest file, <tools dir>/<name>.yaml.
type ServiceConfig struct {
	Name    string            `yaml:"name,omitempty"`
	Version string            `yaml:"version,omitempty"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	WorkDir string            `yaml:"workdir,omitempty"`
	// TimeoutSeconds is the per-call timeout of the service's tools. Zero
	// uses the registry default.
	TimeoutSeconds      int  `yaml:"timeoutSeconds,omitempty"`
	StartTimeoutSeconds int  `yaml:"startTimeoutSeconds,omitempty"`
	Disabled            bool `yaml:"disabled,omitempty"`

	// Path is the manifest the config was read from.
	Path string `yaml:"-"`
}

func (c ServiceConfig) startTimeout() time.Duration {
	if c.StartTimeoutSeconds > 0 {
		return time.Duration(c.StartTimeoutSeconds) * time.Second
	}
	return 10 * time.Second
}

var serviceName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// IsManifest reports whether path names a service manifest.
func IsManifest(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".yaml" || ext == ".yml"
}

// LoadManifest reads one manifest. Relative commands and working
// directories resolve against the manifest's directory.
func LoadManifest(path string) (ServiceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ServiceConfig{}, err
	}
	var cfg ServiceConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ServiceConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	cfg.Path = path
	if cfg.Name == "" {
		cfg.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if !serviceName.MatchString(cfg.Name) {
		return ServiceConfig{}, fmt.Errorf("%s: invalid service name %q", path, cfg.Name)
	}
	if cfg.Command == "" {
		return ServiceConfig{}, fmt.Errorf("%s: command is required", path)
	}

	dir := filepath.Dir(path)
	if strings.ContainsRune(cfg.Command, filepath.Separator) && !filepath.IsAbs(cfg.Command) {
		cfg.Command = filepath.Join(dir, cfg.Command)
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = dir
	} else if !filepath.IsAbs(cfg.WorkDir) {
		cfg.WorkDir = filepath.Join(dir, cfg.WorkDir)
	}
	return cfg, nil
}

// Discover reads every manifest in dir, sorted by name. A missing
// directory yields no services. Unreadable manifests are skipped and
// reported in the joined error. Disabled services are left out.
func Discover(dir string) ([]ServiceConfig, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var (
		out  []ServiceConfig
		errs []error
		seen = map[string]string{}
	)
	for _, e := range entries {
		if e.IsDir() || !IsManifest(e.Name()) {
			continue
		}
		cfg, err := LoadManifest(filepath.Join(dir, e.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if prev, dup := seen[cfg.Name]; dup {
			errs = append(errs, fmt.Errorf("%s: service %q already declared in %s", cfg.Path, cfg.Name, prev))
			continue
		}
		seen[cfg.Name] = cfg.Path
		if cfg.Disabled {
			continue
		}
		out = append(out, cfg)
	}
	slices.SortFunc(out, func(a, b ServiceConfig) int { return strings.Compare(a.Name, b.Name) })
	return out, errors.Join(errs...)
}
