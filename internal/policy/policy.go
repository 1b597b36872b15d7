// Package policy implements the rule engine that gates promotion:
// resource limits, deny-path matching, replay verification, and
// required-test execution.
package policy

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Rule is one named policy: a set of limits and requirements that can
// be merged with others before validation.
type Rule struct {
	Name            string   `json:"name" yaml:"name"`
	MaxRSSMB        int      `json:"max_rss_mb,omitempty" yaml:"max_rss_mb,omitempty"`
	MaxCPUMs        int      `json:"max_cpu_ms,omitempty" yaml:"max_cpu_ms,omitempty"`
	DenyPaths       []string `json:"deny_paths,omitempty" yaml:"deny_paths,omitempty"`
	RequireTests    []string `json:"require_tests,omitempty" yaml:"require_tests,omitempty"`
	RequireReplayOK bool     `json:"require_replay_ok" yaml:"require_replay_ok"`
}

// Report is the result of validating a capsule's execution against one
// or more merged rules.
type Report struct {
	Passed             bool     `json:"passed"`
	TestsOK            bool     `json:"tests_ok"`
	ReplayOK           bool     `json:"replay_ok"`
	ResourceOK         bool     `json:"resource_ok"`
	PathsOK            bool     `json:"paths_ok"`
	DeniedPaths        []string `json:"deny_paths"`
	ResourceViolations []string `json:"resource_violations"`
	TestFailures       []string `json:"test_failures"`
	Details            string   `json:"details"`
}

// Usage is the subset of trace.Usage the policy engine checks against
// resource limits.
type Usage struct {
	CPUMs    int64
	RSSMaxKB int64
}

// ValidateParams bundles everything Validate needs to produce a Report.
type ValidateParams struct {
	PolicyNames  []string
	ChangedPaths []string
	Usage        Usage
	ReplayHash   string
	ExpectedHash string
	Workspace    string
}

// Engine holds the named policy set for one server process.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]Rule
}

// New returns an Engine seeded with the "baseline" and "strict" default
// policies.
func New() *Engine {
	e := &Engine{policies: make(map[string]Rule)}
	e.Add(Rule{
		Name:            "baseline",
		MaxRSSMB:        2048,
		DenyPaths:       []string{"~/.ssh/*", "~/.aws/*", "/etc/passwd"},
		RequireReplayOK: false,
	})
	e.Add(Rule{
		Name:            "strict",
		MaxRSSMB:        1024,
		MaxCPUMs:        60000,
		DenyPaths:       []string{"~/.ssh/*", "~/.aws/*", "/etc/*", "~/.config/*"},
		RequireTests:    []string{"uv run pytest -q"},
		RequireReplayOK: true,
	})
	return e
}

func (e *Engine) Add(r Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies[r.Name] = r
}

func (e *Engine) Get(name string) (Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.policies[name]
	return r, ok
}

func (e *Engine) List() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rules := make([]Rule, 0, len(e.policies))
	for _, r := range e.policies {
		rules = append(rules, r)
	}
	return rules
}

// LoadBundle merges policies defined in a YAML bundle file (a list
// under a top-level "policies:" key) into the engine, letting
// deployments ship custom policy sets alongside config.json.
func (e *Engine) LoadBundle(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var bundle struct {
		Policies []Rule `yaml:"policies"`
	}
	if err := yaml.Unmarshal(data, &bundle); err != nil {
		return fmt.Errorf("policy: parse bundle %s: %w", path, err)
	}
	for _, r := range bundle.Policies {
		e.Add(r)
	}
	return nil
}

// merge combines named policies into one, taking the most restrictive
// numeric limit (min), the union of path/test sets, and OR-ing the
// replay requirement.
func (e *Engine) merge(names []string) (Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var rules []Rule
	for _, n := range names {
		if r, ok := e.policies[n]; ok {
			rules = append(rules, r)
		}
	}
	if len(rules) == 0 {
		return Rule{}, false
	}

	merged := Rule{Name: strings.Join(names, "+")}

	for _, r := range rules {
		if r.MaxRSSMB > 0 && (merged.MaxRSSMB == 0 || r.MaxRSSMB < merged.MaxRSSMB) {
			merged.MaxRSSMB = r.MaxRSSMB
		}
		if r.MaxCPUMs > 0 && (merged.MaxCPUMs == 0 || r.MaxCPUMs < merged.MaxCPUMs) {
			merged.MaxCPUMs = r.MaxCPUMs
		}
		merged.RequireReplayOK = merged.RequireReplayOK || r.RequireReplayOK
	}

	denySet := map[string]struct{}{}
	testSet := map[string]struct{}{}
	for _, r := range rules {
		for _, p := range r.DenyPaths {
			denySet[p] = struct{}{}
		}
		for _, t := range r.RequireTests {
			testSet[t] = struct{}{}
		}
	}
	for p := range denySet {
		merged.DenyPaths = append(merged.DenyPaths, p)
	}
	for t := range testSet {
		merged.RequireTests = append(merged.RequireTests, t)
	}

	return merged, true
}

// Validate checks one execution's outcome against the merged named
// policies, gating promotion.
func (e *Engine) Validate(ctx context.Context, p ValidateParams) Report {
	var report Report

	merged, ok := e.merge(p.PolicyNames)
	if !ok {
		report.Details = fmt.Sprintf("no valid policies found in %v", p.PolicyNames)
		return report
	}

	var denyViolations []string
	for _, path := range p.ChangedPaths {
		for _, pattern := range merged.DenyPaths {
			if matchPath(path, pattern) {
				denyViolations = append(denyViolations, path)
				break
			}
		}
	}
	report.DeniedPaths = denyViolations
	report.PathsOK = len(denyViolations) == 0

	var resourceViolations []string
	if merged.MaxRSSMB > 0 {
		rssMB := float64(p.Usage.RSSMaxKB) / 1024
		if rssMB > float64(merged.MaxRSSMB) {
			resourceViolations = append(resourceViolations,
				fmt.Sprintf("RSS %.1fMB exceeds limit %dMB", rssMB, merged.MaxRSSMB))
		}
	}
	if merged.MaxCPUMs > 0 && p.Usage.CPUMs > int64(merged.MaxCPUMs) {
		resourceViolations = append(resourceViolations,
			fmt.Sprintf("CPU %dms exceeds limit %dms", p.Usage.CPUMs, merged.MaxCPUMs))
	}
	report.ResourceViolations = resourceViolations
	report.ResourceOK = len(resourceViolations) == 0

	if merged.RequireReplayOK {
		report.ReplayOK = p.ReplayHash != "" && p.ExpectedHash != "" && p.ReplayHash == p.ExpectedHash
	} else {
		report.ReplayOK = true
	}

	var testFailures []string
	if len(merged.RequireTests) > 0 && p.Workspace != "" {
		for _, cmd := range merged.RequireTests {
			if !runTest(ctx, cmd, p.Workspace) {
				testFailures = append(testFailures, cmd)
			}
		}
	}
	report.TestFailures = testFailures
	report.TestsOK = len(testFailures) == 0

	report.Passed = report.PathsOK && report.ResourceOK && report.ReplayOK && report.TestsOK

	var details []string
	if !report.PathsOK {
		details = append(details, "Denied paths: "+strings.Join(denyViolations, ", "))
	}
	if !report.ResourceOK {
		details = append(details, "Resource violations: "+strings.Join(resourceViolations, "; "))
	}
	if !report.ReplayOK {
		details = append(details, "Replay hash mismatch")
	}
	if !report.TestsOK {
		details = append(details, "Test failures: "+strings.Join(testFailures, ", "))
	}
	if len(details) == 0 {
		report.Details = "All checks passed"
	} else {
		report.Details = strings.Join(details, "; ")
	}

	return report
}

// matchPath expands a leading "~/" to the current user's home
// directory, then glob-matches via doublestar: "*" and "?" do not match
// "/", and "**" matches across directory levels.
func matchPath(path, pattern string) bool {
	if strings.HasPrefix(pattern, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			pattern = filepath.Join(home, pattern[2:])
		} else if u, err := user.Current(); err == nil {
			pattern = filepath.Join(u.HomeDir, pattern[2:])
		}
	}
	ok, err := doublestar.Match(pattern, path)
	return err == nil && ok
}

// runTest runs cmd through a shell in workspace with a 5 minute cap,
// matching the original's subprocess.run(..., timeout=300).
func runTest(ctx context.Context, cmd, workspace string) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	c := exec.CommandContext(ctx, "sh", "-c", cmd)
	c.Dir = workspace
	return c.Run() == nil
}
