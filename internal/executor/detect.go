package executor

import (
	"os"
	"os/exec"
	"path/filepath"
)

// Agent is a coding agent CLI found on this host.
type Agent struct {
	ID   string   `json:"id"`
	Name string   `json:"name"`
	Path string   `json:"path"`
	Args []string `json:"args,omitempty"`
}

// agentCandidate describes how to find and run one agent non-interactively.
type agentCandidate struct {
	id, name string
	binaries []string
	args     []string
}

// knownAgents is in preference order.
var knownAgents = []agentCandidate{
	{id: "codex", name: "Codex CLI", binaries: []string{"codex"}, args: []string{"exec", "--full-auto"}},
	{id: "claude", name: "Claude CLI", binaries: []string{"claude"}, args: []string{"-p"}},
	{id: "gemini", name: "Gemini CLI", binaries: []string{"gemini"}, args: []string{"-y"}},
	{id: "aider", name: "Aider", binaries: []string{"aider"}, args: []string{"--yes-always"}},
}

// lookPath is replaced in tests.
var lookPath = exec.LookPath

// DetectAgents lists installed agent CLIs in preference order.
func DetectAgents() []Agent {
	home, _ := os.UserHomeDir()
	var out []Agent
	for _, c := range knownAgents {
		if p := findBinary(home, c.binaries); p != "" {
			out = append(out, Agent{ID: c.id, Name: c.name, Path: p, Args: c.args})
		}
	}
	return out
}

// DetectAgent returns the preferred installed agent, or false if none is.
func DetectAgent() (Agent, bool) {
	agents := DetectAgents()
	if len(agents) == 0 {
		return Agent{}, false
	}
	return agents[0], true
}

func findBinary(home string, names []string) string {
	for _, name := range names {
		if p, err := lookPath(name); err == nil {
			return p
		}
		if home == "" {
			continue
		}
		// npm and pipx installs that are not on PATH for daemons
		for _, dir := range []string{".local/bin", ".npm-global/bin"} {
			p := filepath.Join(home, dir, name)
			if fileExists(p) {
				return p
			}
		}
	}
	return ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
