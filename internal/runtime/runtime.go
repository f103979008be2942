// Package runtime maps a language name to the image, entrypoint and file
// name used to run a snippet inside a sandbox container.
package runtime

import (
	"fmt"
	"slices"
	"strings"
)

// MaxCodeSize bounds the payload injected into a container.
const MaxCodeSize = 1 << 20

// WorkspaceDir is the writable mount the code file is copied into.
const WorkspaceDir = "/workspace"

// Language describes how to execute code for one language.
type Language struct {
	Name      string
	Image     string
	Extension string
	argv      []string
}

// FileName is the base name of the injected code file.
func (l Language) FileName() string {
	return "main" + l.Extension
}

// CodePath is the absolute path of the code file inside the container.
func (l Language) CodePath() string {
	return WorkspaceDir + "/" + l.FileName()
}

// Command returns the container entrypoint for the injected file.
func (l Language) Command() []string {
	return append(slices.Clone(l.argv), l.CodePath())
}

// Validate is a best-effort pre-check; the sandbox enforces the real limits.
func (l Language) Validate(code string) error {
	if strings.TrimSpace(code) == "" {
		return fmt.Errorf("empty code")
	}
	if len(code) > MaxCodeSize {
		return fmt.Errorf("code too large: %d bytes (max %d)", len(code), MaxCodeSize)
	}
	return nil
}

func builtins() []Language {
	return []Language{
		{Name: "python", Image: "docker.io/library/python:3.12-slim", Extension: ".py", argv: []string{"python3", "-u", "-B"}},
		{Name: "node", Image: "docker.io/library/node:22-alpine", Extension: ".js", argv: []string{"node", "--max-old-space-size=96"}},
		{Name: "bash", Image: "docker.io/library/alpine:3.19", Extension: ".sh", argv: []string{"/bin/sh", "-eu"}},
		{Name: "go", Image: "docker.io/library/golang:1.24-alpine", Extension: ".go", argv: []string{"go", "run"}},
	}
}

// Registry maps language names to their Language definitions.
type Registry struct {
	langs map[string]Language
}

// NewRegistry returns the built-in languages. images overrides the default
// image per language name; unknown names are ignored.
func NewRegistry(images map[string]string) *Registry {
	r := &Registry{langs: make(map[string]Language)}
	for _, l := range builtins() {
		if img, ok := images[l.Name]; ok && img != "" {
			l.Image = img
		}
		r.langs[l.Name] = l
	}
	return r
}

func (r *Registry) Get(name string) (Language, error) {
	if name == "" {
		name = "python"
	}
	l, ok := r.langs[name]
	if !ok {
		return Language{}, fmt.Errorf("unsupported language %q (supported: %s)", name, strings.Join(r.Names(), ", "))
	}
	return l, nil
}

// Names returns the registered language names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.langs))
	for name := range r.langs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Images returns the distinct images used by the registry, sorted.
func (r *Registry) Images() []string {
	var images []string
	for _, l := range r.langs {
		if !slices.Contains(images, l.Image) {
			images = append(images, l.Image)
		}
	}
	slices.Sort(images)
	return images
}
