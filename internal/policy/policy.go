// Package policy guards every subprocess spawn: binary allowlists,
// sandbox wrapper composition, network policy, and environment hygiene.
package policy

import (
	"fmt"
	"os"
	"strings"

	"github.com/msageha/foreman/internal/config"
	"github.com/msageha/foreman/internal/model"
)

// ViolationError is fatal to a step and never retried.
type ViolationError struct {
	Message string
}

func (e *ViolationError) Error() string { return "policy: " + e.Message }

func violationf(format string, args ...any) *ViolationError {
	return &ViolationError{Message: fmt.Sprintf(format, args...)}
}

// ExecutionPolicy is the effective policy for one job: config defaults
// overlaid with the JobSpec's policy block. Overlays can only tighten:
// sandbox is AND-ed, deny wins for network, binary allowlists intersect.
type ExecutionPolicy struct {
	Sandbox            bool
	SandboxWrapper     string
	SandboxWrapperArgs []string
	SandboxClearEnv    bool
	NetworkPolicy      string
	AllowedBinaries    map[string]bool
	EnvAllowlist       []string
	SensitiveEnvVars   []string

	MaxInputArtifactsFiles int
	MaxInputArtifactChars  int
	MaxInputArtifactsChars int
}

// FromSettings builds the config-default policy.
func FromSettings(s *config.Settings) *ExecutionPolicy {
	allowed := make(map[string]bool, len(s.AllowedBinaries))
	for b := range s.AllowedBinaries {
		allowed[b] = true
	}
	return &ExecutionPolicy{
		Sandbox:                s.Sandbox,
		SandboxWrapper:         s.SandboxWrapper,
		SandboxWrapperArgs:     append([]string(nil), s.SandboxWrapperArgs...),
		SandboxClearEnv:        s.SandboxClearEnv,
		NetworkPolicy:          s.NetworkPolicy,
		AllowedBinaries:        allowed,
		EnvAllowlist:           append([]string(nil), s.EnvAllowlist...),
		SensitiveEnvVars:       append([]string(nil), s.SensitiveEnvVars...),
		MaxInputArtifactsFiles: s.MaxInputArtifactsFiles,
		MaxInputArtifactChars:  s.MaxInputArtifactChars,
		MaxInputArtifactsChars: s.MaxInputArtifactsChars,
	}
}

// ForJob overlays job-level policy requests onto the defaults.
func (p *ExecutionPolicy) ForJob(spec *model.PolicySpec) (*ExecutionPolicy, error) {
	out := *p
	out.AllowedBinaries = make(map[string]bool, len(p.AllowedBinaries))
	for b := range p.AllowedBinaries {
		out.AllowedBinaries[b] = true
	}
	if spec == nil {
		return &out, nil
	}

	if spec.Sandbox != nil {
		out.Sandbox = p.Sandbox && *spec.Sandbox
	}
	if spec.NetworkPolicy != "" {
		requested := strings.ToLower(strings.TrimSpace(spec.NetworkPolicy))
		if requested != "allow" && requested != "deny" {
			return nil, violationf("unsupported network policy %q", spec.NetworkPolicy)
		}
		if p.NetworkPolicy == "deny" || requested == "deny" {
			out.NetworkPolicy = "deny"
		} else {
			out.NetworkPolicy = "allow"
		}
	}
	if len(spec.AllowedBinaries) > 0 {
		intersect := make(map[string]bool)
		for _, b := range spec.AllowedBinaries {
			b = strings.TrimSpace(b)
			if b != "" && p.AllowedBinaries[b] {
				intersect[b] = true
			}
		}
		// The wrapper must survive the intersection or sandboxed spawns
		// would be impossible to compose.
		if out.Sandbox && p.SandboxWrapper != "" {
			intersect[p.SandboxWrapper] = true
		}
		out.AllowedBinaries = intersect
	}
	return &out, nil
}

// AssertRealCLISafe is the pre-spawn gate for real CLI execution:
// sandbox without a wrapper and network-deny without a wrapper are both
// refused rather than silently weakened.
func (p *ExecutionPolicy) AssertRealCLISafe() error {
	if p.Sandbox && p.SandboxWrapper == "" {
		return violationf("SANDBOX=1 but SANDBOX_WRAPPER is not set; refusing real execution without an isolation wrapper")
	}
	if p.NetworkPolicy == "deny" && p.SandboxWrapper == "" {
		return violationf("network policy 'deny' requires a sandbox wrapper to enforce isolation")
	}
	return nil
}

// AssertBinaryAllowed checks a binary basename against the allowlist.
func (p *ExecutionPolicy) AssertBinaryAllowed(binary string) error {
	if len(p.AllowedBinaries) == 0 {
		return violationf("ALLOWED_BINARIES is empty; refusing to execute any external command")
	}
	if !p.AllowedBinaries[binary] {
		return violationf("binary %q is not in ALLOWED_BINARIES", binary)
	}
	return nil
}

// WrapCommand validates cmd[0] against the allowlist and prefixes the
// sandbox wrapper when sandboxing is on. cmd is always an argv list,
// never a shell string.
func (p *ExecutionPolicy) WrapCommand(cmd []string) ([]string, error) {
	if len(cmd) == 0 {
		return nil, violationf("empty command")
	}
	if err := p.AssertBinaryAllowed(cmd[0]); err != nil {
		return nil, err
	}
	if p.Sandbox {
		if p.SandboxWrapper == "" {
			return nil, violationf("SANDBOX=1 but SANDBOX_WRAPPER is not set")
		}
		if err := p.AssertBinaryAllowed(p.SandboxWrapper); err != nil {
			return nil, err
		}
		wrapped := make([]string, 0, len(p.SandboxWrapperArgs)+len(cmd)+1)
		wrapped = append(wrapped, p.SandboxWrapper)
		wrapped = append(wrapped, p.SandboxWrapperArgs...)
		wrapped = append(wrapped, cmd...)
		return wrapped, nil
	}
	return append([]string(nil), cmd...), nil
}

// Base env keys always forwarded to children; with SANDBOX_CLEAR_ENV
// only PATH survives.
var (
	baseEnvKeys      = []string{"PATH", "HOME", "TMPDIR"}
	baseEnvKeysClear = []string{"PATH"}
)

// BuildEnv returns the allowlist-filtered child environment.
func (p *ExecutionPolicy) BuildEnv() []string {
	base := baseEnvKeys
	if p.SandboxClearEnv {
		base = baseEnvKeysClear
	}
	seen := make(map[string]bool)
	var env []string
	appendVar := func(key string) {
		if key == "" || seen[key] {
			return
		}
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
			seen[key] = true
		}
	}
	for _, key := range base {
		appendVar(key)
	}
	for _, key := range p.EnvAllowlist {
		appendVar(key)
	}
	return env
}
