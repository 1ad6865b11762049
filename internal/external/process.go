package external

import (
	"bytes"
	"os"
	"path/filepath"
)

// ProcessScanner answers whether an agent CLI process currently holds a
// session. Best effort: any failure reads as "not running".
type ProcessScanner interface {
	IsRunning(sessionID string) bool
}

// ProcScanner inspects /proc/<pid>/cmdline for the session id. On
// systems without procfs every lookup reports not running.
type ProcScanner struct {
	// Root overrides /proc in tests.
	Root string
}

func (p ProcScanner) IsRunning(sessionID string) bool {
	if sessionID == "" {
		return false
	}
	root := p.Root
	if root == "" {
		root = "/proc"
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return false
	}
	needle := []byte(sessionID)
	for _, entry := range entries {
		if !entry.IsDir() || !isNumeric(entry.Name()) {
			continue
		}
		cmdline, err := os.ReadFile(filepath.Join(root, entry.Name(), "cmdline"))
		if err != nil {
			continue
		}
		// cmdline is NUL-separated argv.
		if bytes.Contains(cmdline, needle) {
			return true
		}
	}
	return false
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
