// Package registry maps runner names to adapter definitions and built
// adapters. It ships defaults for the three variants and merges
// operator overrides from a runners.yaml file.
package registry

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/ferrydev/ferry/internal/common/config"
	"github.com/ferrydev/ferry/internal/common/errors"
	"github.com/ferrydev/ferry/internal/common/logger"
	"github.com/ferrydev/ferry/internal/runner"
	"github.com/ferrydev/ferry/internal/runner/claudeproc"
	"github.com/ferrydev/ferry/internal/runner/inproc"
	"github.com/ferrydev/ferry/internal/runner/sidecar"
)

// Adapter variants.
const (
	VariantSubprocess = "subprocess"
	VariantSidecar    = "sidecar"
	VariantOpenAI     = "openai"
)

// Definition names one runnable adapter configuration.
type Definition struct {
	Name         string   `yaml:"name"`
	Variant      string   `yaml:"variant"`
	Command      string   `yaml:"command,omitempty"`
	Args         []string `yaml:"args,omitempty"`
	BaseURL      string   `yaml:"baseUrl,omitempty"`
	Model        string   `yaml:"model,omitempty"`
	Capabilities []string `yaml:"capabilities,omitempty"`
}

// overrideFile is the runners.yaml layout.
type overrideFile struct {
	Runners []Definition `yaml:"runners"`
}

// Defaults returns the built-in definitions for the three variants.
func Defaults(cfg config.RunnersConfig) []Definition {
	return []Definition{
		{
			Name:    "claude",
			Variant: VariantSubprocess,
			Command: "claude",
			Args: []string{
				"--input-format", "stream-json",
				"--output-format", "stream-json",
				"--verbose",
			},
			Capabilities: []string{"permissions", "resume", "interrupt"},
		},
		{
			Name:         "sidecar",
			Variant:      VariantSidecar,
			BaseURL:      cfg.Sidecar.BaseURL,
			Capabilities: []string{"permissions", "resume", "interrupt", "reconnect"},
		},
		{
			Name:         "openai",
			Variant:      VariantOpenAI,
			BaseURL:      cfg.OpenAI.BaseURL,
			Model:        cfg.OpenAI.Model,
			Capabilities: []string{"permissions", "tools", "interrupt"},
		},
	}
}

// LoadDefinitions merges runners.yaml overrides (matched by name) over
// the defaults. An empty path returns the defaults unchanged.
func LoadDefinitions(cfg config.RunnersConfig) ([]Definition, error) {
	defs := Defaults(cfg)
	if cfg.RegistryPath == "" {
		return defs, nil
	}

	data, err := os.ReadFile(cfg.RegistryPath)
	if err != nil {
		return nil, fmt.Errorf("reading runner registry %s: %w", cfg.RegistryPath, err)
	}
	var file overrideFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing runner registry %s: %w", cfg.RegistryPath, err)
	}

	byName := make(map[string]int, len(defs))
	for i, d := range defs {
		byName[d.Name] = i
	}
	for _, ov := range file.Runners {
		if ov.Name == "" {
			return nil, errors.ValidationError("runner override missing name")
		}
		if err := validateDefinition(ov); err != nil {
			return nil, err
		}
		if i, ok := byName[ov.Name]; ok {
			defs[i] = ov
		} else {
			byName[ov.Name] = len(defs)
			defs = append(defs, ov)
		}
	}
	return defs, nil
}

func validateDefinition(d Definition) error {
	switch d.Variant {
	case VariantSubprocess:
		if d.Command == "" {
			return errors.ValidationError(fmt.Sprintf("runner %s: subprocess variant requires command", d.Name))
		}
	case VariantSidecar:
		if d.BaseURL == "" {
			return errors.ValidationError(fmt.Sprintf("runner %s: sidecar variant requires baseUrl", d.Name))
		}
	case VariantOpenAI:
	default:
		return errors.ValidationError(fmt.Sprintf("runner %s: unknown variant %q", d.Name, d.Variant))
	}
	return nil
}

// Deps carries everything adapters need at build time.
type Deps struct {
	Sink   runner.Sink
	Queue  runner.Queue
	Tools  inproc.ToolDispatcher
	Config config.RunnersConfig
	Log    *logger.Logger
}

// Registry holds built adapters keyed by runner name.
type Registry struct {
	defs    map[string]Definition
	runners map[string]runner.Runner
}

// Build constructs one adapter per definition.
func Build(defs []Definition, deps Deps) (*Registry, error) {
	r := &Registry{
		defs:    make(map[string]Definition, len(defs)),
		runners: make(map[string]runner.Runner, len(defs)),
	}
	for _, def := range defs {
		if err := validateDefinition(def); err != nil {
			return nil, err
		}
		var rn runner.Runner
		switch def.Variant {
		case VariantSubprocess:
			rn = claudeproc.New(claudeproc.Config{
				Command:   def.Command,
				Args:      def.Args,
				StopGrace: deps.Config.StopGraceDuration(),
			}, deps.Sink, deps.Queue, deps.Log)
		case VariantSidecar:
			rn = sidecar.New(sidecar.Config{
				BaseURL:     def.BaseURL,
				ReadTimeout: deps.Config.Sidecar.ReadTimeoutDuration(),
			}, deps.Sink, deps.Log)
		case VariantOpenAI:
			rn = inproc.New(inproc.Config{
				BaseURL: def.BaseURL,
				APIKey:  deps.Config.OpenAI.APIKey,
				Model:   def.Model,
			}, deps.Sink, deps.Queue, deps.Tools, deps.Log)
		}
		r.defs[def.Name] = def
		r.runners[def.Name] = rn
	}
	return r, nil
}

// Get returns the adapter for a runner name.
func (r *Registry) Get(name string) (runner.Runner, error) {
	rn, ok := r.runners[name]
	if !ok {
		return nil, errors.NotFound("runner", name)
	}
	return rn, nil
}

// Definition returns the definition for a runner name.
func (r *Registry) Definition(name string) (Definition, bool) {
	d, ok := r.defs[name]
	return d, ok
}

// Definitions lists all definitions sorted by name.
func (r *Registry) Definitions() []Definition {
	out := make([]Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names lists registered runner names sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.runners))
	for name := range r.runners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close shuts down adapters that hold connections.
func (r *Registry) Close() {
	for _, rn := range r.runners {
		if c, ok := rn.(interface{ Close() }); ok {
			c.Close()
		}
	}
}
