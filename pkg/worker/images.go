package worker

import (
	"sort"
	"strings"
)

// DefaultImage runs commands whose binary matches no known runtime.
const DefaultImage = "alpine:latest"

// defaultImageRules maps command prefixes to the images providing their
// runtimes.
var defaultImageRules = map[string]string{
	"python": "python:3.11-slim",
	"py":     "python:3.11-slim",
	"node":   "node:22-alpine",
	"npm":    "node:22-alpine",
	"gcc":    "gcc:14-alpine",
	"g++":    "gcc:14-alpine",
	"java":   "eclipse-temurin:21-alpine",
	"dotnet": "mcr.microsoft.com/dotnet/runtime:8.0",
}

// ImageTable selects a sandbox image for a command by prefix-matching its
// leading binary. Operators extend or replace the rules through agent
// configuration; the zero rules fall back to the built-in table.
type ImageTable struct {
	rules    []imageRule
	fallback string
}

type imageRule struct {
	prefix string
	image  string
}

// NewImageTable builds a table from prefix-to-image rules. Nil rules take
// the built-in table; an empty fallback takes DefaultImage.
func NewImageTable(rules map[string]string, fallback string) *ImageTable {
	if len(rules) == 0 {
		rules = defaultImageRules
	}
	if fallback == "" {
		fallback = DefaultImage
	}

	t := &ImageTable{fallback: fallback}
	for prefix, image := range rules {
		t.rules = append(t.rules, imageRule{prefix: prefix, image: image})
	}
	// Longest prefix first, so a more specific rule always beats a
	// shorter one it extends.
	sort.Slice(t.rules, func(i, j int) bool {
		if len(t.rules[i].prefix) != len(t.rules[j].prefix) {
			return len(t.rules[i].prefix) > len(t.rules[j].prefix)
		}
		return t.rules[i].prefix < t.rules[j].prefix
	})
	return t
}

// DefaultImageTable returns the built-in runtime table.
func DefaultImageTable() *ImageTable {
	return NewImageTable(nil, "")
}

// ImageFor picks the image for one command. The first field that is not
// an environment assignment is the binary; only it is matched.
func (t *ImageTable) ImageFor(command string) string {
	for _, field := range strings.Fields(command) {
		if strings.Contains(field, "=") {
			continue
		}
		for _, rule := range t.rules {
			if strings.HasPrefix(field, rule.prefix) {
				return rule.image
			}
		}
		break
	}
	return t.fallback
}
