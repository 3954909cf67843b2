package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Limits applied before any configuration content is parsed. Config files
// are operator-controlled but may be mounted from shared volumes, so the
// loader refuses anything that looks like an attack or an accident: huge
// files, deeply nested documents, traversal paths, oversized env values.
const (
	maxConfigSize   = 10 * 1024 * 1024
	maxNestingDepth = 100
	maxEnvValueLen  = 10000
	maxPathLen      = 4096
)

// validateConfigPath rejects paths that escape the working tree or carry
// an extension the loader does not understand.
func validateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	if len(path) > maxPathLen {
		return fmt.Errorf("config path exceeds %d characters", maxPathLen)
	}
	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("config path contains a null byte")
	}

	clean := filepath.Clean(path)
	if !filepath.IsAbs(clean) && !filepath.IsLocal(clean) {
		return fmt.Errorf("config path %q escapes the working directory", path)
	}

	switch strings.ToLower(filepath.Ext(clean)) {
	case ".json", ".yaml", ".yml":
		return nil
	default:
		return fmt.Errorf("unsupported config extension %q (want .json, .yaml or .yml)", filepath.Ext(clean))
	}
}

// safeReadFile reads a config file after checking it is a regular file of
// sane size. The size is checked again after the read in case the file
// grew between stat and read.
func safeReadFile(path string) ([]byte, error) {
	if err := validateConfigPath(path); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("config path %q is not a regular file", path)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("config file %q exceeds %d bytes", path, maxConfigSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > maxConfigSize {
		return nil, fmt.Errorf("config file %q exceeds %d bytes", path, maxConfigSize)
	}
	return data, nil
}

// safeWriteFile writes config content with owner-only permissions. Config
// files can carry NATS credentials, so group and world bits stay off.
func safeWriteFile(path string, data []byte) error {
	if err := validateConfigPath(path); err != nil {
		return err
	}
	if len(data) > maxConfigSize {
		return fmt.Errorf("config content exceeds %d bytes", maxConfigSize)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// validateEnvValue guards values pulled from the process environment
// before they are merged into the configuration.
func validateEnvValue(key, value string) error {
	if len(value) > maxEnvValueLen {
		return fmt.Errorf("environment variable %s exceeds %d characters", key, maxEnvValueLen)
	}
	if strings.ContainsRune(value, 0) {
		return fmt.Errorf("environment variable %s contains a null byte", key)
	}
	return nil
}

// validateDepth walks a decoded document and rejects nesting beyond
// maxNestingDepth. Works on the parsed tree so YAML and JSON share one
// check.
func validateDepth(v any) error {
	return walkDepth(v, 0)
}

func walkDepth(v any, depth int) error {
	if depth > maxNestingDepth {
		return fmt.Errorf("config nesting exceeds %d levels", maxNestingDepth)
	}
	switch val := v.(type) {
	case map[string]any:
		for _, child := range val {
			if err := walkDepth(child, depth+1); err != nil {
				return err
			}
		}
	case []any:
		for _, child := range val {
			if err := walkDepth(child, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}
