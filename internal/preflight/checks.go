// Package preflight reports which external tools the session backends need
// are available on this machine.
package preflight

import (
	"fmt"
	"io"
	"os/exec"

	"github.com/peterje/conductor/internal/models"
)

// lookPath is swapped in tests.
var lookPath = exec.LookPath

// CheckAll looks up the sidecar runtime and the terminal CLI, prints one
// line per tool to out, and reports whether every tool was found.
func CheckAll(out io.Writer, runtime, terminalCommand string) ([]models.CLIStatus, bool) {
	tools := []models.CLIStatus{
		checkCLI(runtime),
		checkCLI(terminalCommand),
	}

	ok := true
	for _, tool := range tools {
		if !tool.Installed {
			ok = false
			fmt.Fprintf(out, "⚠ %s is not installed. Sessions that need it will fail to start.\n", tool.Name)
		} else {
			fmt.Fprintf(out, "✓ %s found (%s)\n", tool.Name, tool.Path)
		}
	}
	return tools, ok
}

func checkCLI(name string) models.CLIStatus {
	path, err := lookPath(name)
	if err != nil {
		return models.CLIStatus{Name: name, Installed: false}
	}
	return models.CLIStatus{Name: name, Installed: true, Path: path}
}
