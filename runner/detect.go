package runner

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/codexwarp/warpview/store"
)

// agentBinary is the agent CLI executable name looked up on PATH.
const agentBinary = "codex"

// ResolveAgentPath picks the agent executable: an explicit override first,
// then the configured settings path, then detection.
func ResolveAgentPath(override string, st *store.Store) (string, error) {
	if override != "" {
		if !isExecutable(override) {
			return "", fmt.Errorf("agent path is not executable: %s", override)
		}
		return override, nil
	}
	if st != nil {
		if settings, err := st.ReadSettings(); err == nil && settings.AgentPath != "" {
			if !isExecutable(settings.AgentPath) {
				return "", fmt.Errorf("configured agent_path is not executable: %s", settings.AgentPath)
			}
			return settings.AgentPath, nil
		}
	}
	if path := DetectAgentPath(); path != "" {
		return path, nil
	}
	return "", fmt.Errorf("%s executable not found; install the agent CLI or set agent_path in settings", agentBinary)
}

// DetectAgentPath searches PATH and common install locations for the agent
// CLI. Returns "" when nothing is found.
func DetectAgentPath() string {
	if path, err := exec.LookPath(agentBinary); err == nil {
		return path
	}

	candidates := []string{
		"/opt/homebrew/bin/" + agentBinary,
		"/usr/local/bin/" + agentBinary,
		"/usr/bin/" + agentBinary,
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(home, ".local", "bin", agentBinary),
			filepath.Join(home, ".asdf", "shims", agentBinary),
			filepath.Join(home, "bin", agentBinary),
		)
	}
	for _, cand := range candidates {
		if isExecutable(cand) {
			return cand
		}
	}
	return ""
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}
