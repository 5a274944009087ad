package wizard

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNew(t *testing.T) {
	w := New()
	if w == nil {
		t.Fatal("New() returned nil")
	}
}

func TestValidatePort(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"8765", false},
		{"1", false},
		{"65535", false},
		{"0", true},
		{"65536", true},
		{"-1", true},
		{"abc", true},
		{"", true},
	}
	for _, tc := range tests {
		err := validatePort(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("validatePort(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
		}
	}
}

func TestValidatePositiveInt(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"1", false},
		{"10", false},
		{"0", true},
		{"-1", true},
		{"abc", true},
	}
	for _, tc := range tests {
		err := validatePositiveInt(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("validatePositiveInt(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
		}
	}
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "present.yaml")
	if err := os.WriteFile(present, []byte("token: x\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if !fileExists(present) {
		t.Error("fileExists() = false for a file that was just written")
	}
	if fileExists(filepath.Join(dir, "missing.yaml")) {
		t.Error("fileExists() = true for a nonexistent file")
	}
}
