package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pkt.systems/pslog"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand(pslog.NewStructured(io.Discard))
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestMastersCommandPrintsNormalizedList(t *testing.T) {
	t.Setenv("HYPERSPACE_CONFIG", "")

	dir := t.TempDir()
	path := filepath.Join(dir, "masters.yaml")
	content := "masters:\n  - master-a.example.com\n  - master-b.example.com:9000\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write master file: %v", err)
	}

	stdout, _, err := executeRootCommand(t, "masters", path)
	if err != nil {
		t.Fatalf("masters command failed: %v", err)
	}
	want := "master-a.example.com:38040\nmaster-b.example.com:9000\n"
	if stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}

func TestMastersCommandMissingFile(t *testing.T) {
	t.Setenv("HYPERSPACE_CONFIG", "")

	_, _, err := executeRootCommand(t, "masters", filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing master file")
	}
}

func TestMastersCommandRequiresExactlyOneArg(t *testing.T) {
	t.Setenv("HYPERSPACE_CONFIG", "")

	_, _, err := executeRootCommand(t, "masters")
	if err == nil {
		t.Fatal("expected error when no file argument is given")
	}
	if !strings.Contains(err.Error(), "arg") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestExpandPathResolvesTildeAndRelative(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}

	got, err := expandPath("~/masters.yaml")
	if err != nil {
		t.Fatalf("expand ~/masters.yaml: %v", err)
	}
	if want := filepath.Join(home, "masters.yaml"); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}

	got, err = expandPath("masters.yaml")
	if err != nil {
		t.Fatalf("expand masters.yaml: %v", err)
	}
	if !filepath.IsAbs(got) {
		t.Fatalf("expected absolute path, got %q", got)
	}
}
