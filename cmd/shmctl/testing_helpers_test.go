package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// testRegionPath returns a fresh region path in a per-test directory
func testRegionPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "world.shm")
}

// resetGlobals restores the global flags between tests
func resetGlobals(t *testing.T) {
	t.Helper()
	verbose, quiet, jsonOut = false, false, false
	createForce = false
	t.Cleanup(func() { verbose, quiet, jsonOut = false, false, false })
}

// captureOutput captures stdout while running a function
func captureOutput(t *testing.T, fn func() error) (string, error) {
	t.Helper()

	origStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("failed to create pipe: %v", err)
	}
	os.Stdout = w

	fnErr := fn()

	w.Close()
	os.Stdout = origStdout

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		t.Fatalf("failed to read output: %v", err)
	}
	return buf.String(), fnErr
}

// assertJSON checks that output is valid JSON
func assertJSON(t *testing.T, output string) {
	t.Helper()
	var result any
	if err := json.Unmarshal([]byte(output), &result); err != nil {
		t.Errorf("invalid JSON output: %v\nOutput: %s", err, output)
	}
}

// assertContains checks that output contains all expected strings
func assertContains(t *testing.T, output string, expected []string) {
	t.Helper()
	for _, want := range expected {
		if !strings.Contains(output, want) {
			t.Errorf("output missing expected string %q\nGot: %s", want, output)
		}
	}
}

// createRegion runs the create command against a new path
func createRegion(t *testing.T) string {
	t.Helper()
	path := testRegionPath(t)
	if _, err := captureOutput(t, func() error {
		return runCreate(newCreateCmd(), []string{path})
	}); err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	return path
}
