package validator

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Rule is an operator-supplied deny pattern, matched against the
// normalized command.
type Rule struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
	Reason  string `yaml:"reason"`

	re *regexp.Regexp
}

// Policy extends the built-in deny list. The built-in rules always apply.
type Policy struct {
	MaxLength    int      `yaml:"max_length"`
	AllowPipes   bool     `yaml:"allow_pipes"`
	DenyCommands []string `yaml:"deny_commands"`
	Deny         []Rule   `yaml:"deny"`

	denied map[string]bool
}

func DefaultPolicy() *Policy {
	p := &Policy{MaxLength: DefaultMaxLength, AllowPipes: true}
	_ = p.compile()
	return p
}

func (p *Policy) deniedCommand(name string) bool {
	return p.denied[name]
}

func (p *Policy) compile() error {
	p.denied = set(p.DenyCommands...)
	for i := range p.Deny {
		r := &p.Deny[i]
		if r.Pattern == "" {
			return fmt.Errorf("deny rule %d: pattern is required", i)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return fmt.Errorf("deny rule %q: %w", r.Name, err)
		}
		r.re = re
		if r.Name == "" {
			r.Name = "policy"
		}
		if r.Reason == "" {
			r.Reason = "command is denied by policy"
		}
	}
	return nil
}

// ParsePolicy decodes a YAML policy. Fields left out keep their defaults.
func ParsePolicy(data []byte) (*Policy, error) {
	p := &Policy{MaxLength: DefaultMaxLength, AllowPipes: true}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parsing policy: %w", err)
	}
	if err := p.compile(); err != nil {
		return nil, err
	}
	return p, nil
}

func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy: %w", err)
	}
	return ParsePolicy(data)
}
