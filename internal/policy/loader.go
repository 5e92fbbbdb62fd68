package policy

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/coal/recaptchaedge/internal/action"
)

// File is a policy list kept on disk, used in place of the policy list RPC
// for local testing and by the inspect/test commands.
type File struct {
	Version  string           `yaml:"version"`
	Policies []FirewallPolicy `yaml:"policies"`
	Tests    []Expectation    `yaml:"tests"`
}

// Expectation is a self-check bundled with a policy file: requesting Path
// should yield Expect, either "recaptcha-required" or a comma separated
// list of action kinds.
type Expectation struct {
	Name   string `yaml:"name"`
	Path   string `yaml:"path"`
	Expect string `yaml:"expect"`
}

// LoadFromFile loads a policy file from YAML.
func LoadFromFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML bytes into a File.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing policy YAML: %w", err)
	}
	if err := validate(&f); err != nil {
		return nil, fmt.Errorf("validating policy: %w", err)
	}
	return &f, nil
}

// validate checks policy integrity.
func validate(f *File) error {
	for i, p := range f.Policies {
		pattern := strings.TrimSpace(p.Path)
		if pattern != "" && !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("policy %d (%s): invalid path pattern %q", i, p.Name, p.Path)
		}
	}
	for i, tc := range f.Tests {
		if tc.Path == "" {
			return fmt.Errorf("test %d: path is required", i)
		}
		if tc.Expect == "" {
			return fmt.Errorf("test %d: expect is required", i)
		}
	}
	return nil
}

// ListFirewallPolicies serves the file's policies, making File a Lister.
func (f *File) ListFirewallPolicies(context.Context) ([]FirewallPolicy, error) {
	return f.Policies, nil
}

// TestResult is the outcome of one bundled expectation.
type TestResult struct {
	Expectation
	Got    string
	Passed bool
}

// Outcome renders r in the form Expectation.Expect uses.
func Outcome(r LocalResult) string {
	if r.RecaptchaRequired {
		return RecaptchaRequired
	}
	if len(r.Actions) == 0 {
		return "none"
	}
	return strings.Join(action.Kinds(r.Actions), ",")
}

// RunTests evaluates every bundled expectation against the file's policies.
func (f *File) RunTests() ([]TestResult, error) {
	table := NewTable(f.Policies)
	results := make([]TestResult, 0, len(f.Tests))
	for _, tc := range f.Tests {
		u, err := url.Parse(tc.Path)
		if err != nil {
			return nil, fmt.Errorf("test %q: %w", tc.Name, err)
		}
		got := Outcome(table.Evaluate(u))
		results = append(results, TestResult{
			Expectation: tc,
			Got:         got,
			Passed:      normalizeExpect(tc.Expect) == got,
		})
	}
	return results, nil
}

func normalizeExpect(s string) string {
	parts := strings.Split(s, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return strings.Join(parts, ",")
}
