package session

import (
	"fmt"
	"path"
	"strings"
)

// Resolve computes the new logical working directory for a cd target against
// the current one. Paths are in-environment paths, always forward-slash.
//
// Rules: empty and "~" reset to the sandbox root; ".." moves up one segment
// and clamps at the root; absolute targets are permitted only when already
// under the root. The result is normalized but not verified to exist; the
// caller probes the backend before committing.
func Resolve(root, cwd, target string) (string, error) {
	root = path.Clean(root)
	if cwd == "" {
		cwd = root
	}
	target = strings.TrimSpace(target)

	if strings.ContainsAny(target, "\"'\\\n\r") {
		return "", fmt.Errorf("invalid characters in path")
	}

	switch {
	case target == "" || target == "~":
		return root, nil
	case strings.HasPrefix(target, "~/"):
		return resolveRelative(root, root, target[2:])
	case path.IsAbs(target):
		clean := path.Clean(target)
		if !within(root, clean) {
			return "", fmt.Errorf("path is outside the project workspace")
		}
		return clean, nil
	default:
		return resolveRelative(root, path.Clean(cwd), target)
	}
}

func resolveRelative(root, base, target string) (string, error) {
	current := base
	for _, segment := range strings.Split(target, "/") {
		switch segment {
		case "", ".":
		case "..":
			// Clamped: repeating ".." from the root stays at the root.
			if current != root {
				current = path.Dir(current)
			}
		default:
			current = current + "/" + segment
		}
	}
	current = path.Clean(current)
	if !within(root, current) {
		return "", fmt.Errorf("path is outside the project workspace")
	}
	return current, nil
}

func within(root, p string) bool {
	return p == root || strings.HasPrefix(p, root+"/")
}
