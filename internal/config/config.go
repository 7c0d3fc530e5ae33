package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"treewatch/internal/router"
	"treewatch/internal/tree"

	"gopkg.in/yaml.v3"
)

const (
	DefaultListen     = "127.0.0.1:57420"
	DefaultLogLevel   = "info"
	DefaultDebounceMS = 100
	DefaultMaxWatches = 200
)

// Config is the daemon configuration loaded from YAML.
type Config struct {
	Root           string          `yaml:"root"`
	Listen         string          `yaml:"listen"`
	AuthToken      string          `yaml:"auth_token"`
	AllowedOrigins []string        `yaml:"allowed_origins"`
	LogLevel       string          `yaml:"log_level"`
	DebounceMS     int             `yaml:"debounce_ms"`
	MaxWatches     int             `yaml:"max_watches"`
	Watchers       []WatcherConfig `yaml:"watchers"`
	Events         []string        `yaml:"events"`
}

// WatcherConfig describes one watcher to register at startup.
type WatcherConfig struct {
	Kind       string   `yaml:"kind"`
	Subtree    bool     `yaml:"subtree"`
	OldValue   bool     `yaml:"old_value"`
	Attributes []string `yaml:"attributes"`
	Match      []string `yaml:"match"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config observing root with a single recursive node
// watcher, used when no config file is given.
func Default(root string) *Config {
	cfg := &Config{
		Root: root,
		Watchers: []WatcherConfig{
			{Kind: string(router.KindNodes), Subtree: true},
			{Kind: string(router.KindCharacterData), Subtree: true},
			{Kind: string(router.KindAttribute), Subtree: true},
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.DebounceMS <= 0 {
		c.DebounceMS = DefaultDebounceMS
	}
	if c.MaxWatches <= 0 {
		c.MaxWatches = DefaultMaxWatches
	}
}

func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if c.Root == "" {
		return fmt.Errorf("root is required")
	}
	if len(c.Watchers) == 0 {
		return fmt.Errorf("at least one watcher is required")
	}
	for index, watcher := range c.Watchers {
		if _, ok := router.ParseKind(watcher.Kind); !ok {
			return fmt.Errorf("watchers[%d]: unknown kind %q", index, watcher.Kind)
		}
		for _, pattern := range watcher.Match {
			if _, err := filepath.Match(pattern, "probe"); err != nil {
				return fmt.Errorf("watchers[%d]: bad match pattern %q: %w", index, pattern, err)
			}
		}
	}
	for index, event := range c.Events {
		if _, ok := router.ParseEventType(event); !ok {
			return fmt.Errorf("events[%d]: unknown event %q", index, event)
		}
	}
	return nil
}

func (c *Config) Debounce() time.Duration {
	return time.Duration(c.DebounceMS) * time.Millisecond
}

// EventTypes lists the events to stream; empty config means all of them.
func (c *Config) EventTypes() []router.EventType {
	if c == nil || len(c.Events) == 0 {
		return router.EventTypes()
	}
	events := make([]router.EventType, 0, len(c.Events))
	for _, value := range c.Events {
		if event, ok := router.ParseEventType(value); ok {
			events = append(events, event)
		}
	}
	return events
}

// RouterOptions converts a watcher entry into router registration inputs.
// Attribute names become the platform allowlist; match globs become node
// predicates tested against the node's path attribute, falling back to the
// node name.
func (w WatcherConfig) RouterOptions() (router.Kind, router.Options, error) {
	kind, ok := router.ParseKind(w.Kind)
	if !ok {
		return "", router.Options{}, fmt.Errorf("unknown kind %q", w.Kind)
	}

	opts := router.Options{
		OldValue: w.OldValue,
		Subtree:  w.Subtree,
	}
	for _, name := range w.Attributes {
		if name != "" {
			opts.Filters = append(opts.Filters, router.AttributeName(name))
		}
	}
	for _, pattern := range w.Match {
		if pattern == "" {
			continue
		}
		opts.Filters = append(opts.Filters, router.Match(globPredicate(pattern)))
	}
	return kind, opts, nil
}

func globPredicate(pattern string) router.Predicate {
	return func(node *tree.Node) bool {
		subject, ok := node.Attribute("path")
		if !ok {
			subject = node.Name()
		}
		matched, err := filepath.Match(pattern, filepath.Base(subject))
		if err != nil {
			return false
		}
		return matched
	}
}
