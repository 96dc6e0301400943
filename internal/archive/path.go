package archive

import (
	"fmt"
	"path/filepath"
	"strings"
)

// JoinUnder joins elems below root and rejects results that leave root.
func JoinUnder(root string, elems ...string) (string, error) {
	for _, e := range elems {
		if e == "" {
			return "", fmt.Errorf("empty path element under %q", root)
		}
		if filepath.IsAbs(e) {
			return "", fmt.Errorf("absolute path element %q under %q", e, root)
		}
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	candidate := filepath.Join(append([]string{rootAbs}, elems...)...)
	rel, err := filepath.Rel(rootAbs, candidate)
	if err != nil {
		return "", fmt.Errorf("compare paths: %w", err)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes %q", filepath.Join(elems...), root)
	}
	return candidate, nil
}

// checkFileName accepts plain file names only.
func checkFileName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("invalid archive file name %q", name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("archive file name %q must not contain a path separator", name)
	}
	return nil
}
