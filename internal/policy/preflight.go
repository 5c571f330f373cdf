package policy

import (
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/msageha/foreman/internal/config"
)

// PreflightError aborts real-CLI startup or fails a step with
// error.code preflight_failed.
type PreflightError struct {
	Message string
}

func (e *PreflightError) Error() string { return "preflight: " + e.Message }

var versionPattern = regexp.MustCompile(`(\d+(?:\.\d+){1,3})`)

// AssertRealCLIReady verifies that every required binary is allowlisted,
// resolvable on PATH and, when a minimum version is declared, new
// enough. An allowlist miss is a *ViolationError; PATH and version
// problems are a *PreflightError. Returns resolved versions keyed by
// binary.
func AssertRealCLIReady(
	allowedBinaries map[string]bool,
	minVersions map[string]config.BinaryVersionCheck,
	requiredBinaries []string,
) (map[string]string, error) {
	var disallowed []string
	var problems []string
	resolved := make(map[string]string)

	for _, binary := range requiredBinaries {
		if !allowedBinaries[binary] {
			disallowed = append(disallowed, binary)
			continue
		}
		if _, err := exec.LookPath(binary); err != nil {
			problems = append(problems, fmt.Sprintf("%s: executable not found in PATH", binary))
			continue
		}
		check, ok := minVersions[binary]
		if !ok {
			continue
		}
		out, err := exec.Command(binary, check.VersionCmd).CombinedOutput()
		text := strings.TrimSpace(string(out))
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: version probe (%s) failed: %v", binary, check.VersionCmd, err))
			continue
		}
		actual := versionPattern.FindString(text)
		if actual == "" {
			if len(text) > 120 {
				text = text[:120]
			}
			problems = append(problems, fmt.Sprintf("%s: cannot parse version from %q", binary, text))
			continue
		}
		resolved[binary] = actual
		if compareVersions(actual, check.MinVersion) < 0 {
			problems = append(problems, fmt.Sprintf("%s: version %s is lower than required %s", binary, actual, check.MinVersion))
		}
	}

	if len(disallowed) > 0 {
		return nil, violationf("not in ALLOWED_BINARIES: %s", strings.Join(disallowed, ", "))
	}
	if len(problems) > 0 {
		return nil, &PreflightError{Message: strings.Join(problems, "; ")}
	}
	return resolved, nil
}

func compareVersions(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv int
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}
