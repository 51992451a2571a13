package capability

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	pkgcap "github.com/jltournay/farmer-power-platform-sub015/pkg/capability"
)

// Duration wraps time.Duration so the registry file can use "30s"-style
// values.
type Duration time.Duration

// UnmarshalYAML parses a duration string like "30s" or "2m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts back to a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// File is the on-disk registry format. Operators edit this file to add
// analyzers or rebind categories without redeploying the controller.
type File struct {
	Analyzers  map[string]AnalyzerConfig `yaml:"analyzers"`
	Categories map[string]CategoryConfig `yaml:"categories"`
}

// AnalyzerConfig describes how to reach one remote analyzer.
type AnalyzerConfig struct {
	Endpoint string   `yaml:"endpoint"`
	Timeout  Duration `yaml:"timeout"`
}

// CategoryConfig binds a triage category to its analyzers.
type CategoryConfig struct {
	Primary    string   `yaml:"primary"`
	Applicable []string `yaml:"applicable"`
	Timeout    Duration `yaml:"timeout"`
}

// LoadFile reads and validates a registry file.
func LoadFile(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse registry file: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// BuildRegistry constructs a registry from the file contents, creating one
// analyzer per declared entry via newAnalyzer. Callers inject the remote HTTP
// constructor in production and mocks in tests.
func (f *File) BuildRegistry(newAnalyzer func(name, endpoint string, timeout time.Duration) pkgcap.Analyzer) (*Registry, error) {
	reg := NewRegistry()
	for name, a := range f.Analyzers {
		reg.RegisterAnalyzer(newAnalyzer(name, a.Endpoint, a.Timeout.Std()))
	}
	for cat, c := range f.Categories {
		if err := reg.Bind(cat, Binding{
			Primary:    c.Primary,
			Applicable: c.Applicable,
			Timeout:    c.Timeout.Std(),
		}); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (f *File) validate() error {
	if len(f.Analyzers) == 0 {
		return fmt.Errorf("registry file: at least one analyzer is required")
	}
	if len(f.Categories) == 0 {
		return fmt.Errorf("registry file: at least one category is required")
	}
	for name, a := range f.Analyzers {
		if a.Endpoint == "" {
			return fmt.Errorf("registry file: analyzer %q: endpoint is required", name)
		}
	}
	for cat, c := range f.Categories {
		if c.Primary == "" {
			return fmt.Errorf("registry file: category %q: primary is required", cat)
		}
		if _, ok := f.Analyzers[c.Primary]; !ok {
			return fmt.Errorf("registry file: category %q: primary %q is not a declared analyzer", cat, c.Primary)
		}
		primaryApplicable := false
		for _, name := range c.Applicable {
			if _, ok := f.Analyzers[name]; !ok {
				return fmt.Errorf("registry file: category %q: analyzer %q is not declared", cat, name)
			}
			if name == c.Primary {
				primaryApplicable = true
			}
		}
		if !primaryApplicable {
			return fmt.Errorf("registry file: category %q: primary %q must appear in applicable", cat, c.Primary)
		}
	}
	return nil
}
