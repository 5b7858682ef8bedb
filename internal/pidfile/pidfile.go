// Package pidfile writes the process id under /run once the main loop
// is live, for supervisor integration.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
)

const runDir = "/run"

// Write creates /run/<name>.pid containing the current pid.
func Write(name string) error {
	path := filepath.Join(runDir, name+".pid")
	return os.WriteFile(path, []byte(fmt.Sprintf("%d", os.Getpid())), 0o644)
}
