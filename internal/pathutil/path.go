// Package pathutil expands user supplied filesystem paths such as store files
// and config locations.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// Expand resolves $VAR and ${VAR} tokens and a leading "~" or "~/" to the
// current user's home directory. Relative results stay relative.
func Expand(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", nil
	}
	p = os.ExpandEnv(p)
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	if len(p) > 1 && p[1] != '/' && p[1] != '\\' {
		// ~user is not supported; leave it for the caller to reject.
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if len(p) == 1 {
		return home, nil
	}
	return filepath.Join(home, p[2:]), nil
}

// Abs expands p and returns it as an absolute, cleaned path.
func Abs(p string) (string, error) {
	expanded, err := Expand(p)
	if err != nil || expanded == "" {
		return expanded, err
	}
	return filepath.Abs(expanded)
}
