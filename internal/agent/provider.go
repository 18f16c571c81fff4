// Package agent describes the hosted coding-agent CLI.
//
// The agent is an opaque external process. Everything Kennel knows about
// it (binary name, launch flags, resume invocation, the soft-interrupt
// sequence, credential environment variables) is declared in an embedded
// YAML provider spec rather than scattered through the orchestrator.
package agent

import (
	"embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed providers/*.yaml
var providersFS embed.FS

// ProviderSpec describes an agent CLI loaded from an embedded YAML file.
type ProviderSpec struct {
	Name        string `yaml:"name"`
	DisplayName string `yaml:"displayName"`
	Binary      string `yaml:"binary"`

	// Launch holds flags appended to every agent invocation.
	Launch []string `yaml:"launch,omitempty"`

	// Resume describes how a prior conversation is reopened.
	Resume *ResumeSpec `yaml:"resume,omitempty"`

	// Interrupt describes the soft-interrupt sequence used before a
	// profile switch (signal bytes, then a graceful exit command).
	Interrupt *InterruptSpec `yaml:"interrupt,omitempty"`

	// Env describes credential and terminal environment variables.
	Env *EnvSpec `yaml:"env,omitempty"`

	// SetupToken is the subcommand that mints a long-lived OAuth token.
	SetupToken []string `yaml:"setupToken,omitempty"`
}

// ResumeSpec describes the resume invocation shapes.
type ResumeSpec struct {
	// Flag is passed with a session id to reopen that conversation.
	Flag string `yaml:"flag"`
	// PickerFlag opens the agent's own session picker when no id is known.
	PickerFlag string `yaml:"pickerFlag"`
}

// InterruptSpec describes the two-step soft interrupt.
type InterruptSpec struct {
	// SignalBytes are written to the pty first (typically ESC).
	SignalBytes string `yaml:"signalBytes"`
	// ExitCommand is written after the settle delay (typically "/exit\r").
	ExitCommand string `yaml:"exitCommand"`
}

// EnvSpec names the environment variables the agent consumes.
type EnvSpec struct {
	// TokenVar carries OAuth token material.
	TokenVar string `yaml:"tokenVar"`
	// ConfigDirVar points the agent at an alternate config directory.
	ConfigDirVar string `yaml:"configDirVar"`
	// Static are fixed KEY=VALUE pairs set on every spawn.
	Static map[string]string `yaml:"static,omitempty"`
}

// providerSpecs is loaded at package init time from embedded YAML files.
var providerSpecs = mustLoadProviders(providersFS)

func mustLoadProviders(fsys embed.FS) map[string]*ProviderSpec {
	entries, err := fsys.ReadDir("providers")
	if err != nil {
		panic(fmt.Sprintf("agent: read providers dir: %v", err))
	}

	specs := make(map[string]*ProviderSpec, len(entries))

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		data, readErr := fsys.ReadFile("providers/" + entry.Name())
		if readErr != nil {
			panic(fmt.Sprintf("agent: read provider file %s: %v", entry.Name(), readErr))
		}

		var spec ProviderSpec
		if unmarshalErr := yaml.Unmarshal(data, &spec); unmarshalErr != nil {
			panic(fmt.Sprintf("agent: unmarshal provider %s: %v", entry.Name(), unmarshalErr))
		}

		validateProviderSpec(&spec, entry.Name())

		if _, dup := specs[spec.Name]; dup {
			panic(fmt.Sprintf("agent: duplicate provider name %q in %s", spec.Name, entry.Name()))
		}

		specs[spec.Name] = &spec
	}

	return specs
}

func validateProviderSpec(spec *ProviderSpec, filename string) {
	if spec.Name == "" {
		panic(fmt.Sprintf("agent: provider %s: name is required", filename))
	}

	if spec.Binary == "" {
		panic(fmt.Sprintf("agent: provider %s: binary is required", filename))
	}

	if spec.Resume != nil && spec.Resume.Flag == "" {
		panic(fmt.Sprintf("agent: provider %s: resume.flag is required when resume is set", filename))
	}

	if spec.Interrupt != nil && spec.Interrupt.ExitCommand == "" {
		panic(fmt.Sprintf("agent: provider %s: interrupt.exitCommand is required when interrupt is set", filename))
	}
}

// GetProvider returns the description of the named agent CLI.
func GetProvider(name string) (*ProviderSpec, bool) {
	spec, ok := providerSpecs[name]
	return spec, ok
}

// MustGetProvider returns the named spec or panics. Use only for provider
// names that are compile-time constants.
func MustGetProvider(name string) *ProviderSpec {
	spec, ok := GetProvider(name)
	if !ok {
		panic(fmt.Sprintf("agent: provider %q not found", name))
	}

	return spec
}

// ProviderNames returns the sorted names of all embedded providers.
func ProviderNames() []string {
	names := make([]string, 0, len(providerSpecs))
	for name := range providerSpecs {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// LaunchCommand returns the shell command line that starts the agent,
// optionally resuming a prior session.
func (s *ProviderSpec) LaunchCommand(binaryOverride, resumeSessionID string, resumePicker bool) string {
	binary := s.Binary
	if binaryOverride != "" {
		binary = binaryOverride
	}

	parts := append([]string{binary}, s.Launch...)

	switch {
	case resumeSessionID != "" && s.Resume != nil:
		parts = append(parts, s.Resume.Flag, resumeSessionID)
	case resumePicker && s.Resume != nil && s.Resume.PickerFlag != "":
		parts = append(parts, s.Resume.PickerFlag)
	}

	return strings.Join(parts, " ")
}

// StaticEnv returns the fixed environment pairs for spawns, in KEY=VALUE form.
func (s *ProviderSpec) StaticEnv() []string {
	if s.Env == nil || len(s.Env.Static) == 0 {
		return nil
	}

	pairs := make([]string, 0, len(s.Env.Static))
	for k, v := range s.Env.Static {
		pairs = append(pairs, k+"="+v)
	}

	sort.Strings(pairs)

	return pairs
}
