// Package dialogue implements the scripted intake conversation: the bot texts
// and the state machine choosing the next bot turn.
package dialogue

import (
	_ "embed"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed script.yaml
var defaultScript []byte

// Script holds the variants of every scripted bot text.
type Script struct {
	Disclaimer             []string `yaml:"disclaimer"`
	ProblemInquiryTenant   []string `yaml:"problem_inquiry_tenant"`
	ProblemInquiryLandlord []string `yaml:"problem_inquiry_landlord"`

	// choose picks an index in [0, n). Defaults to math/rand.
	choose func(n int) int
}

// DefaultScript returns the embedded script.
func DefaultScript() (*Script, error) {
	return ParseScript(defaultScript)
}

// LoadScript reads a script from a YAML file. An empty path loads the embedded script.
func LoadScript(path string) (*Script, error) {
	if path == "" {
		return DefaultScript()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return ParseScript(data)
}

// ParseScript parses and validates a YAML script.
func ParseScript(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks that every scripted text has at least one variant.
func (s *Script) Validate() error {
	switch {
	case len(s.Disclaimer) == 0:
		return fmt.Errorf("script: disclaimer has no variants")
	case len(s.ProblemInquiryTenant) == 0:
		return fmt.Errorf("script: problem_inquiry_tenant has no variants")
	case len(s.ProblemInquiryLandlord) == 0:
		return fmt.Errorf("script: problem_inquiry_landlord has no variants")
	}
	return nil
}

// WithChooser returns a copy of the script that picks variants with choose.
func (s *Script) WithChooser(choose func(n int) int) *Script {
	cp := *s
	cp.choose = choose
	return &cp
}

// Render picks a variant and substitutes the {name} placeholder.
func (s *Script) Render(variants []string, name string) string {
	choose := s.choose
	if choose == nil {
		choose = rand.IntN
	}
	text := variants[choose(len(variants))]
	return strings.ReplaceAll(strings.TrimSpace(text), "{name}", name)
}
