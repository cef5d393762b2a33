// Package safety validates proposed changes before they are recorded or
// applied: built-in preflight checks, configurable guard rules, and diff
// generation for dry-run review.
package safety

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Operation is one proposed change to an addressable resource.
type Operation struct {
	// Path addresses the resource being changed.
	Path string
	// Content is the proposed new content.
	Content string
	// Tool identifies the agent tool that proposed the change.
	Tool string
}

// CheckResult is the outcome of one named check across a set of
// operations.
type CheckResult struct {
	Passed bool     `json:"passed"`
	Errors []string `json:"errors,omitempty"`
}

// Rule is a configurable guard evaluated against every operation. The
// expression sees `path`, `content`, and `tool` and must return a boolean;
// false fails the check for that operation.
type Rule struct {
	Name string `yaml:"name"`
	Expr string `yaml:"expr"`
}

type compiledRule struct {
	name    string
	source  string
	program *vm.Program
}

// Checker runs preflight validation.
type Checker struct {
	rules  []compiledRule
	logger *slog.Logger
}

// NewChecker compiles the configured rules. A rule that fails to compile
// is rejected up front rather than failing every preflight at runtime.
func NewChecker(rules []Rule, logger *slog.Logger) (*Checker, error) {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Checker{logger: logger}
	for _, r := range rules {
		program, err := expr.Compile(r.Expr, expr.Env(ruleEnv(Operation{})), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("compile safety rule %q: %w", r.Name, err)
		}
		c.rules = append(c.rules, compiledRule{name: r.Name, source: r.Expr, program: program})
	}
	return c, nil
}

func ruleEnv(op Operation) map[string]interface{} {
	return map[string]interface{}{
		"path":    op.Path,
		"content": op.Content,
		"tool":    op.Tool,
	}
}

// Preflight runs every built-in check and configured rule against ops and
// returns the outcome per check name. Callers record each outcome through
// the task state tracker so the review step can gate on them.
func (c *Checker) Preflight(ops []Operation) map[string]CheckResult {
	results := map[string]CheckResult{
		"ownership":         checkOwnership(ops),
		"license":           checkLicense(ops),
		"branch_protection": checkBranchProtection(ops),
	}

	for _, rule := range c.rules {
		results[rule.name] = c.runRule(rule, ops)
	}
	return results
}

// Passed reports whether every check in results passed.
func Passed(results map[string]CheckResult) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

func (c *Checker) runRule(rule compiledRule, ops []Operation) CheckResult {
	var errs []string
	for _, op := range ops {
		out, err := expr.Run(rule.program, ruleEnv(op))
		if err != nil {
			c.logger.Warn("safety rule evaluation failed",
				"rule", rule.name, "path", op.Path, "error", err)
			errs = append(errs, fmt.Sprintf("%s: rule %q failed to evaluate", op.Path, rule.name))
			continue
		}
		if ok, _ := out.(bool); !ok {
			errs = append(errs, fmt.Sprintf("%s: rule %q rejected the change", op.Path, rule.name))
		}
	}
	return CheckResult{Passed: len(errs) == 0, Errors: errs}
}

// checkOwnership rejects operations with no usable target address.
func checkOwnership(ops []Operation) CheckResult {
	var errs []string
	for _, op := range ops {
		if strings.TrimSpace(op.Path) == "" {
			errs = append(errs, "operation has an empty path")
		}
	}
	return CheckResult{Passed: len(errs) == 0, Errors: errs}
}

// checkLicense scans proposed content for markers that must not be
// published.
func checkLicense(ops []Operation) CheckResult {
	var errs []string
	for _, op := range ops {
		if strings.Contains(strings.ToLower(op.Content), "proprietary") {
			errs = append(errs, fmt.Sprintf("proprietary content detected in %s", op.Path))
		}
	}
	return CheckResult{Passed: len(errs) == 0, Errors: errs}
}

// checkBranchProtection rejects writes into version-control internals.
func checkBranchProtection(ops []Operation) CheckResult {
	var errs []string
	for _, op := range ops {
		if strings.HasPrefix(op.Path, ".git/") {
			errs = append(errs, fmt.Sprintf("modification of git files not allowed: %s", op.Path))
		}
	}
	return CheckResult{Passed: len(errs) == 0, Errors: errs}
}
