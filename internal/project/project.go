// Package project maps filesystem project paths to stable collection names.
//
// Both the ingester and the search engine derive collection names through this
// package, so the mapping must stay bit-stable: the same project path always
// yields the same collection regardless of which side computes it.
package project

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// CollectionPrefix is the common prefix of all conversation collections.
const CollectionPrefix = "conv_"

// ReflectionsPrefix is the prefix of the reserved self-authored memory collection.
const ReflectionsPrefix = "reflections_"

// markerDirs are path components whose following component names the project.
var markerDirs = map[string]bool{
	"projects": true,
	"repos":    true,
	"code":     true,
	"src":      true,
}

// skipNames are components too generic to serve as a project name.
var skipNames = map[string]bool{
	"home":  true,
	"Users": true,
	"var":   true,
	"tmp":   true,
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Resolve normalizes a project path into a project name.
//
// Resolution walks the absolute path: if a component equals one of the marker
// directories (projects, repos, code, src) the following component is the
// candidate; otherwise the last component that is non-empty, not dot-prefixed,
// and not a generic name (home, Users, var, tmp) wins. The candidate is
// lowercased, runs of non-alphanumerics collapse to a single underscore, and
// leading/trailing underscores are stripped. Resolution is total: an empty
// result becomes "default".
func Resolve(projectPath string) string {
	abs, err := filepath.Abs(projectPath)
	if err != nil {
		abs = projectPath
	}

	parts := strings.Split(abs, string(filepath.Separator))

	candidate := ""
	for i, part := range parts {
		if markerDirs[part] && i+1 < len(parts) && parts[i+1] != "" {
			candidate = parts[i+1]
		}
	}
	if candidate == "" {
		for i := len(parts) - 1; i >= 0; i-- {
			part := parts[i]
			if part == "" || strings.HasPrefix(part, ".") || skipNames[part] {
				continue
			}
			candidate = part
			break
		}
	}

	name := strings.ToLower(candidate)
	name = nonAlnum.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_")
	if name == "" {
		name = "default"
	}
	return name
}

// CollectionName returns the collection identifier for a project name and
// provider suffix: conv_<first 8 hex of md5(project)>_<suffix>.
func CollectionName(projectName, suffix string) string {
	sum := md5.Sum([]byte(projectName))
	return fmt.Sprintf("%s%s_%s", CollectionPrefix, hex.EncodeToString(sum[:])[:8], suffix)
}

// CollectionFor resolves a project path and returns both the normalized
// project name and its collection name for the given provider suffix.
func CollectionFor(projectPath, suffix string) (projectName, collection string) {
	projectName = Resolve(projectPath)
	return projectName, CollectionName(projectName, suffix)
}

// ReflectionsCollection returns the reserved collection for self-authored
// reflections stored via the search surface.
func ReflectionsCollection(suffix string) string {
	return ReflectionsPrefix + suffix
}

// IsConversationCollection reports whether name is a conversation collection
// for the given provider suffix.
func IsConversationCollection(name, suffix string) bool {
	return strings.HasPrefix(name, CollectionPrefix) && strings.HasSuffix(name, "_"+suffix)
}
