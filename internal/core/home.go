package core

import (
	"fmt"
	"os"
	"path/filepath"
)

// Home is the agent's writable working directory.
type Home struct {
	Dir    string
	LogDir string
}

func (h Home) LogFile() string { return filepath.Join(h.LogDir, "agent.log") }

// Bootstrap creates the home and log directories. Failure is fatal for the
// agent.
func Bootstrap(dir string) (Home, error) {
	if dir == "" {
		return Home{}, fmt.Errorf("bootstrap: empty home directory")
	}
	h := Home{Dir: dir, LogDir: filepath.Join(dir, "log")}
	for _, d := range []string{h.Dir, h.LogDir} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return Home{}, fmt.Errorf("bootstrap %s: %w", d, err)
		}
	}
	return h, nil
}
