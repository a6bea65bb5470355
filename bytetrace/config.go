package bytetrace

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultDiffLogPath    = "bugDetect.log"
	DefaultVerboseLogPath = "bugDetectOri.log"
	DefaultLogMaxBytes    = 5 * 1024
	DefaultMaxSequence    = 32
	DefaultMaxDepth       = 64
	DefaultMaxValueLength = 512
	DefaultMaxBraces      = 128
	DefaultCoreNamespace  = "java/lang"
)

// IdentList is a list of class or method identities, accepted in YAML as either a comma separated string or a sequence.
type IdentList []string

// ParseIdentList splits a comma separated identity list.
func ParseIdentList(s string) IdentList {
	if s == "" {
		return nil
	}
	return IdentList(strings.Split(s, ","))
}

func (l *IdentList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*l = ParseIdentList(node.Value)
		return nil
	case yaml.SequenceNode:
		var values []string
		if err := node.Decode(&values); err != nil {
			return err
		}
		*l = values
		return nil
	default:
		return fmt.Errorf("line %d: identity list must be a string or sequence", node.Line)
	}
}

func (l IdentList) String() string {
	return strings.Join(l, ",")
}

// normalized trims entries and drops empty identities.
func (l IdentList) normalized() IdentList {
	out := make(IdentList, 0, len(l))
	for _, s := range l {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Config holds instrumentation, monitor and sink settings.
type Config struct {
	// ChangedLocalVarsOnly snapshots only slots written or newly visible since the previous snapshot.
	ChangedLocalVarsOnly bool `yaml:"changedLocalVarsOnly"`
	// UseSpecified selects explicit targeting (Classes and Methods) over the baseline lists.
	UseSpecified bool      `yaml:"args.use.specified"`
	Classes      IdentList `yaml:"args.classes"`
	Methods      IdentList `yaml:"args.methods"`
	// BaselineClasses and BaselineMethods are the targets used when UseSpecified is false.
	BaselineClasses IdentList `yaml:"baseline.classes"`
	BaselineMethods IdentList `yaml:"baseline.methods"`

	DiffLogPath    string `yaml:"log.file.path"`
	VerboseLogPath string `yaml:"ori.file.path"`
	LogMaxBytes    int64  `yaml:"log.max.bytes"`
	Console        bool   `yaml:"log.console"`

	MaxSequence    int `yaml:"serializer.max.sequence"`
	MaxDepth       int `yaml:"serializer.max.depth"`
	MaxValueLength int `yaml:"monitor.max.value.length"`
	MaxBraces      int `yaml:"monitor.max.braces"`

	// CoreNamespace is the owner prefix whose constructors are never call traced.
	CoreNamespace string `yaml:"core.namespace"`
	// CacheEntries bounds the transformed class cache, zero disables it.
	CacheEntries int64 `yaml:"transform.cache.entries"`

	prepared bool
}

// DefaultConfig returns a Config populated with default values.
func DefaultConfig() *Config {
	return &Config{
		DiffLogPath:    DefaultDiffLogPath,
		VerboseLogPath: DefaultVerboseLogPath,
		LogMaxBytes:    DefaultLogMaxBytes,
		Console:        true,
		MaxSequence:    DefaultMaxSequence,
		MaxDepth:       DefaultMaxDepth,
		MaxValueLength: DefaultMaxValueLength,
		MaxBraces:      DefaultMaxBraces,
		CoreNamespace:  DefaultCoreNamespace,
		CacheEntries:   1024,
	}
}

// LoadConfig reads a YAML config file, values not present in the file keep their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config failed: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML config content over the defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigOrDefault loads and prepares the config at path, logging and falling back to defaults on any failure.
func LoadConfigOrDefault(path string) *Config {
	if path != "" {
		cfg, err := LoadConfig(path)
		if err == nil {
			err = cfg.Prepare()
		}
		if err == nil {
			return cfg
		}
		log.Printf("%sconfig load failed, using defaults: %v", ErrorLogPrefix, err)
	}
	cfg := DefaultConfig()
	_ = cfg.Prepare() // defaults are always valid
	return cfg
}

// Prepare validates and normalizes the config. It must be invoked once before use.
func (c *Config) Prepare() error {
	if c.prepared {
		return errors.New("config has already been prepared")
	}

	if c.DiffLogPath == "" {
		return errors.New("log.file.path must not be empty")
	} else if c.VerboseLogPath == "" {
		return errors.New("ori.file.path must not be empty")
	} else if c.DiffLogPath == c.VerboseLogPath {
		return fmt.Errorf("log.file.path and ori.file.path must differ, both set to %s", c.DiffLogPath)
	} else if c.LogMaxBytes < 128 {
		return fmt.Errorf("log.max.bytes must be at least 128, got %d", c.LogMaxBytes)
	} else if c.MaxSequence < 1 {
		return fmt.Errorf("serializer.max.sequence must be positive, got %d", c.MaxSequence)
	} else if c.MaxDepth < 1 || c.MaxDepth > 1000 {
		return fmt.Errorf("serializer.max.depth must be between 1 and 1000, got %d", c.MaxDepth)
	} else if c.MaxValueLength < 1 {
		return fmt.Errorf("monitor.max.value.length must be positive, got %d", c.MaxValueLength)
	} else if c.MaxBraces < 0 {
		return fmt.Errorf("monitor.max.braces must not be negative, got %d", c.MaxBraces)
	} else if c.CacheEntries < 0 {
		return fmt.Errorf("transform.cache.entries must not be negative, got %d", c.CacheEntries)
	}

	c.Classes = c.Classes.normalized()
	c.Methods = c.Methods.normalized()
	c.BaselineClasses = c.BaselineClasses.normalized()
	c.BaselineMethods = c.BaselineMethods.normalized()
	c.CoreNamespace = strings.ReplaceAll(c.CoreNamespace, ".", "/")
	for _, m := range c.Methods {
		if !strings.Contains(m, "::") {
			return fmt.Errorf("args.methods entry %q must have the form pkg.Class::method", m)
		}
	}

	c.prepared = true
	return nil
}

// Prepared reports if Prepare completed successfully.
func (c *Config) Prepared() bool {
	return c.prepared
}
