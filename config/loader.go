package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/latticeworks/lattice/errors"
)

// EnvPrefix is prepended to every environment override, e.g.
// LATTICE_NATS_URLS.
const EnvPrefix = "LATTICE"

// Loader builds a Config from layered sources: built-in defaults, then
// each added file in order, then environment overrides. Later layers
// win key by key, so a deploy-specific file only needs to state what
// it changes.
type Loader struct {
	layers     []string
	envPrefix  string
	validation bool
}

// NewLoader returns a loader with no layers and validation disabled.
func NewLoader() *Loader {
	return &Loader{envPrefix: EnvPrefix}
}

// AddLayer appends a config file layer. The file is read at Load time,
// so a loader can be reused to pick up edits.
func (l *Loader) AddLayer(path string) error {
	if err := validateConfigPath(path); err != nil {
		return errors.WrapInvalid(err, "Loader", "AddLayer", "validate config path")
	}
	l.layers = append(l.layers, path)
	return nil
}

// EnableValidation makes Load run Config.Validate on the result.
func (l *Loader) EnableValidation() {
	l.validation = true
}

// Load merges defaults, file layers and environment overrides into a
// Config.
func (l *Loader) Load() (*Config, error) {
	merged, err := configMap(Default())
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "flatten defaults")
	}

	for _, layer := range l.layers {
		doc, err := readDocument(layer)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", fmt.Sprintf("read layer %s", layer))
		}
		merged = deepMerge(merged, doc)
	}

	if err := l.applyEnvOverrides(merged); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "apply environment overrides")
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "encode merged document")
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "decode configuration")
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "validate configuration")
		}
	}
	return &cfg, nil
}

// LoadFile loads and validates a single config file over the defaults.
func LoadFile(path string) (*Config, error) {
	l := NewLoader()
	l.EnableValidation()
	if err := l.AddLayer(path); err != nil {
		return nil, err
	}
	return l.Load()
}

// readDocument parses one config file into a generic map. The format
// follows the extension; validateConfigPath has already restricted it
// to JSON or YAML.
func readDocument(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	if err := validateDepth(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// configMap flattens a Config into the generic map the merge pipeline
// works on.
func configMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// deepMerge merges src into dst recursively. Maps merge key by key,
// anything else replaces. Nil values in src are skipped so a file
// cannot accidentally blank out a default with an empty YAML key.
func deepMerge(dst, src map[string]any) map[string]any {
	for key, value := range src {
		if value == nil {
			continue
		}
		if srcMap, ok := value.(map[string]any); ok {
			if dstMap, ok := dst[key].(map[string]any); ok {
				dst[key] = deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = value
	}
	return dst
}

type envOverride struct {
	suffix string
	path   []string
	list   bool
}

// The deliberately short list of environment overrides: identity,
// credentials and endpoints. Everything else belongs in a file where
// it can be versioned.
var envOverrides = []envOverride{
	{"DEPLOYMENT_ORG", []string{"deployment", "org"}, false},
	{"DEPLOYMENT_INSTANCE", []string{"deployment", "instance"}, false},
	{"DEPLOYMENT_ENVIRONMENT", []string{"deployment", "environment"}, false},
	{"NATS_URLS", []string{"nats", "urls"}, true},
	{"NATS_USERNAME", []string{"nats", "username"}, false},
	{"NATS_PASSWORD", []string{"nats", "password"}, false},
	{"NATS_TOKEN", []string{"nats", "token"}, false},
	{"SERVER_BIND", []string{"server", "bind"}, false},
	{"LOG_LEVEL", []string{"logging", "level"}, false},
	{"LOG_FORMAT", []string{"logging", "format"}, false},
}

func (l *Loader) applyEnvOverrides(doc map[string]any) error {
	for _, o := range envOverrides {
		key := l.envPrefix + "_" + o.suffix
		value, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		if err := validateEnvValue(key, value); err != nil {
			return err
		}
		if o.list {
			parts := strings.Split(value, ",")
			items := make([]any, 0, len(parts))
			for _, part := range parts {
				if trimmed := strings.TrimSpace(part); trimmed != "" {
					items = append(items, trimmed)
				}
			}
			setPath(doc, o.path, items)
		} else {
			setPath(doc, o.path, value)
		}
	}
	return nil
}

// setPath writes value at a nested key path, creating intermediate
// maps as needed.
func setPath(doc map[string]any, path []string, value any) {
	for _, key := range path[:len(path)-1] {
		child, ok := doc[key].(map[string]any)
		if !ok {
			child = map[string]any{}
			doc[key] = child
		}
		doc = child
	}
	doc[path[len(path)-1]] = value
}
