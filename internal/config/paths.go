package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

const defaultBaseDir = ".switchboard"

// Paths holds resolved filesystem paths for switchboard data.
type Paths struct {
	Base    string // ~/.switchboard
	Config  string // ~/.switchboard/config.yaml
	EnvFile string // ~/.switchboard/.env
	Data    string // ~/.switchboard/data
	History string // ~/.switchboard/data/history.db
	Tools   string // ~/.switchboard/tools
	Logs    string // ~/.switchboard/logs
}

// ResolvePaths computes all standard paths from the home directory.
// If SWITCHBOARD_HOME is set, it overrides the default base directory.
func ResolvePaths() (Paths, error) {
	base := os.Getenv("SWITCHBOARD_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Paths{}, err
		}
		base = filepath.Join(home, defaultBaseDir)
	}

	data := filepath.Join(base, "data")
	return Paths{
		Base:    base,
		Config:  filepath.Join(base, "config.yaml"),
		EnvFile: filepath.Join(base, ".env"),
		Data:    data,
		History: filepath.Join(data, "history.db"),
		Tools:   filepath.Join(base, "tools"),
		Logs:    filepath.Join(base, "logs"),
	}, nil
}

// EnsureDirs creates all standard directories if they don't exist.
func (p Paths) EnsureDirs() error {
	dirs := []string{p.Base, p.Data, p.Tools, p.Logs}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return err
		}
	}
	return nil
}

var (
	indexPattern   = regexp.MustCompile(`\[(\d+)\]`)
	segmentPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// ParseConfigPath splits a key such as "models.catalog[0].provider" into
// segments. List indexes may be written as [N] or as a plain segment.
func ParseConfigPath(raw string) ([]string, error) {
	if raw == "" {
		return nil, &ConfigError{Message: "empty config path"}
	}
	parts := strings.Split(indexPattern.ReplaceAllString(raw, ".$1"), ".")
	for _, p := range parts {
		if p == "" {
			return nil, &ConfigError{Message: "config path contains empty segment: " + raw}
		}
		if !segmentPattern.MatchString(p) {
			return nil, &ConfigError{Message: "config path contains invalid segment: " + p}
		}
	}
	return parts, nil
}

func listIndex(key string, n int) (int, bool) {
	i, err := strconv.Atoi(key)
	return i, err == nil && i >= 0 && i < n
}

// GetValueAtPath walks maps and lists along path.
func GetValueAtPath(root map[string]any, path []string) (any, bool) {
	var current any = root
	for _, key := range path {
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[key]
			if !ok {
				return nil, false
			}
			current = v
		case []any:
			i, ok := listIndex(key, len(node))
			if !ok {
				return nil, false
			}
			current = node[i]
		default:
			return nil, false
		}
	}
	return current, true
}

// SetValueAtPath stores value at path, creating maps as needed. A list
// index may address an existing element or the position just past the
// end, which appends.
func SetValueAtPath(root map[string]any, path []string, value any) error {
	if len(path) == 0 {
		return &ConfigError{Message: "empty config path"}
	}
	_, err := setIn(root, path, value)
	return err
}

func setIn(node any, path []string, value any) (any, error) {
	if len(path) == 0 {
		return value, nil
	}
	key, rest := path[0], path[1:]
	switch n := node.(type) {
	case map[string]any:
		child, err := setIn(n[key], rest, value)
		if err != nil {
			return nil, err
		}
		n[key] = child
		return n, nil
	case []any:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i > len(n) {
			return nil, &ConfigError{Message: fmt.Sprintf("list index %q out of range (length %d)", key, len(n))}
		}
		if i == len(n) {
			n = append(n, nil)
		}
		child, err := setIn(n[i], rest, value)
		if err != nil {
			return nil, err
		}
		n[i] = child
		return n, nil
	default:
		// missing or scalar: replace with a map
		return setIn(map[string]any{}, path, value)
	}
}

// UnsetValueAtPath removes the map key or list element at path. It
// reports whether anything was removed.
func UnsetValueAtPath(root map[string]any, path []string) bool {
	if len(path) == 0 {
		return false
	}
	parentPath, last := path[:len(path)-1], path[len(path)-1]
	parent, ok := GetValueAtPath(root, parentPath)
	if !ok {
		return false
	}
	switch node := parent.(type) {
	case map[string]any:
		if _, ok := node[last]; !ok {
			return false
		}
		delete(node, last)
		return true
	case []any:
		i, ok := listIndex(last, len(node))
		if !ok {
			return false
		}
		trimmed := slices.Delete(node, i, i+1)
		if len(parentPath) == 0 {
			return false
		}
		return SetValueAtPath(root, parentPath, trimmed) == nil
	}
	return false
}
