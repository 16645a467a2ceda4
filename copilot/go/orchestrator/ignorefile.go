package orchestrator

import (
	"os"
	"path/filepath"
	"strings"

	"go.copilot.dev/infra/go/skerr"
)

// ignoreEntries are the patterns the agent's scratch artifacts live under.
var ignoreEntries = []string{
	".copilot/",
	"*.agent.log",
}

// ensureIgnoreFile makes sure the checkout has a .gitignore covering agent
// scratch artifacts. Additive only: existing content is kept. Symlinked
// ignore files and files resolving outside the checkout are refused.
func ensureIgnoreFile(dir string) error {
	path := filepath.Join(dir, ".gitignore")
	fi, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return skerr.Wrap(os.WriteFile(path, []byte(strings.Join(ignoreEntries, "\n")+"\n"), 0644))
	}
	if err != nil {
		return skerr.Wrap(err)
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		return skerr.Fmt(".gitignore is a symlink; refusing to modify")
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return skerr.Wrap(err)
	}
	resolvedDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return skerr.Wrap(err)
	}
	if !strings.HasPrefix(resolved, resolvedDir+string(filepath.Separator)) {
		return skerr.Fmt(".gitignore resolves outside the checkout; refusing to modify")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return skerr.Wrap(err)
	}
	existing := map[string]bool{}
	for _, line := range strings.Split(string(content), "\n") {
		existing[strings.TrimSpace(line)] = true
	}
	var missing []string
	for _, e := range ignoreEntries {
		if !existing[e] {
			missing = append(missing, e)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	out := string(content)
	if out != "" && !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	out += strings.Join(missing, "\n") + "\n"
	return skerr.Wrap(os.WriteFile(path, []byte(out), 0644))
}
