package runtime

import (
	"slices"
	"strings"
	"testing"
)

func TestRegistry_Get(t *testing.T) {
	r := NewRegistry(nil)

	tests := []struct {
		lang    string
		wantCmd []string
		wantErr bool
	}{
		{"python", []string{"python3", "-u", "-B", "/workspace/main.py"}, false},
		{"", []string{"python3", "-u", "-B", "/workspace/main.py"}, false},
		{"bash", []string{"/bin/sh", "-eu", "/workspace/main.sh"}, false},
		{"go", []string{"go", "run", "/workspace/main.go"}, false},
		{"node", []string{"node", "--max-old-space-size=96", "/workspace/main.js"}, false},
		{"cobol", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.lang, func(t *testing.T) {
			l, err := r.Get(tt.lang)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Get(%q) error = %v, wantErr %v", tt.lang, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got := l.Command(); !slices.Equal(got, tt.wantCmd) {
				t.Errorf("Command() = %v, want %v", got, tt.wantCmd)
			}
		})
	}
}

func TestRegistry_ImageOverride(t *testing.T) {
	r := NewRegistry(map[string]string{"python": "governor-sandbox:latest", "fortran": "x"})

	l, err := r.Get("python")
	if err != nil {
		t.Fatal(err)
	}
	if l.Image != "governor-sandbox:latest" {
		t.Errorf("Image = %q, want override", l.Image)
	}
	if slices.Contains(r.Names(), "fortran") {
		t.Error("override must not register new languages")
	}
	if !slices.Contains(r.Images(), "governor-sandbox:latest") {
		t.Errorf("Images() = %v", r.Images())
	}
}

func TestCommand_DoesNotAlias(t *testing.T) {
	l, _ := NewRegistry(nil).Get("python")
	cmd := l.Command()
	cmd[0] = "mutated"
	if l.Command()[0] != "python3" {
		t.Error("Command() leaked its backing array")
	}
}

func TestLanguage_Validate(t *testing.T) {
	l, _ := NewRegistry(nil).Get("go")

	if err := l.Validate("package main"); err != nil {
		t.Errorf("Validate(valid code) = %v, want nil", err)
	}
	if err := l.Validate("  \n"); err == nil {
		t.Error("Validate(blank) should return error")
	}
	if err := l.Validate(strings.Repeat("x", MaxCodeSize+1)); err == nil {
		t.Error("Validate(too large) should return error")
	}
}
