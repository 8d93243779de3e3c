package sidecar

import (
	"os"
	"path/filepath"
	"strings"
)

// DefaultCandidates lists the places a bundled or development sidecar
// script may live, in priority order:
//
//  1. <resourceDir>/dist/index.js        (bundled release)
//  2. <resourceDir>/sidecar/dist/index.js
//  3. <cwd>/sidecar/dist/index.js          (dev, cwd is the app dir)
//  4. <cwd>/src-tauri/sidecar/dist/index.js (dev, cwd is the project root)
//  5. <exe dir>/sidecar/dist/index.js
//
// Entries whose base directory cannot be determined are skipped.
func DefaultCandidates(resourceDir string) []string {
	var out []string
	script := filepath.Join("dist", "index.js")

	if resourceDir != "" {
		out = append(out,
			filepath.Join(resourceDir, script),
			filepath.Join(resourceDir, "sidecar", script),
		)
	}
	if cwd, err := os.Getwd(); err == nil {
		out = append(out,
			filepath.Join(cwd, "sidecar", script),
			filepath.Join(cwd, "src-tauri", "sidecar", script),
		)
	}
	if exe, err := os.Executable(); err == nil {
		out = append(out, filepath.Join(filepath.Dir(exe), "sidecar", script))
	}
	return out
}

// locate returns the first candidate that exists.
func locate(candidates []string) (string, error) {
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return strings.TrimPrefix(p, `\\?\`), nil
		}
	}
	return "", &NotFoundError{Tried: candidates}
}

// baseDir is the sidecar package root (the directory holding dist/ and
// node_modules/), used as the process working directory.
func baseDir(script string) string {
	return filepath.Dir(filepath.Dir(script))
}
