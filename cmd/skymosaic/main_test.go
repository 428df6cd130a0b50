package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
)

// fitsConstant builds an int16 FITS image of the given size holding v everywhere.
func fitsConstant(pixels int, v int16) []byte {
	var buf bytes.Buffer
	for _, c := range [][2]string{
		{"SIMPLE", "T"}, {"BITPIX", "16"}, {"NAXIS", "2"},
		{"NAXIS1", fmt.Sprint(pixels)}, {"NAXIS2", fmt.Sprint(pixels)},
	} {
		fmt.Fprintf(&buf, "%-8s= %20s%50s", c[0], c[1], "")
	}
	fmt.Fprintf(&buf, "%-80s", "END")
	for buf.Len()%2880 != 0 {
		buf.WriteByte(' ')
	}
	for i := 0; i < pixels*pixels; i++ {
		binary.Write(&buf, binary.BigEndian, v)
	}
	for buf.Len()%2880 != 0 {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func writeConfig(t *testing.T, serverURL string) (configPath, outDir string) {
	t.Helper()
	dir := t.TempDir()
	outDir = filepath.Join(dir, "img")
	configPath = filepath.Join(dir, "config.toml")
	body := fmt.Sprintf(`
[mosaic]
pixels = 8
radius = 0.05
output_path = %q
stitch_crop = 1

[cache]
dir = %q

[skyview]
url = %q
max_retries = 0
`, outDir, filepath.Join(dir, "cache"), serverURL)
	if err := os.WriteFile(configPath, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return configPath, outDir
}

func run(args ...string) (string, error) {
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestExitCode(t *testing.T) {
	if exitCode(nil) != exitOK {
		t.Error("nil error should exit 0")
	}
	if exitCode(errors.New("x")) != exitFailure {
		t.Error("plain error should exit 1")
	}
	wrapped := fmt.Errorf("run: %w", &exitError{code: exitTilesFailed, err: errors.New("tiles")})
	if exitCode(wrapped) != exitTilesFailed {
		t.Error("wrapped exitError code lost")
	}
}

func TestGenerateEndToEnd(t *testing.T) {
	payload := fitsConstant(8, 1200)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()
	configPath, outDir := writeConfig(t, srv.URL)

	out, err := run("generate", "--config", configPath, "--ra", "10.6847", "--dec", "41.2689", "--log-level", "error")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.Contains(out, "9 tiles written, 0 failed") {
		t.Errorf("output = %q", out)
	}
	for id := 1; id <= 9; id++ {
		if _, err := os.Stat(filepath.Join(outDir, fmt.Sprintf("tile_%d.png", id))); err != nil {
			t.Errorf("tile %d missing: %v", id, err)
		}
	}
	if _, err := os.Stat(filepath.Join(outDir, "mosaic.png")); err != nil {
		t.Errorf("mosaic missing: %v", err)
	}

	// restitch from the report written by generate
	os.Remove(filepath.Join(outDir, "mosaic.png"))
	out, err = run("stitch", outDir, "--config", configPath)
	if err != nil {
		t.Fatalf("stitch: %v", err)
	}
	if strings.TrimSpace(out) != filepath.Join(outDir, "mosaic.png") {
		t.Errorf("stitch output = %q", out)
	}
}

func TestGenerateCalibrationFailureExitsOne(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "survey offline", http.StatusInternalServerError)
	}))
	defer srv.Close()
	configPath, outDir := writeConfig(t, srv.URL)

	_, err := run("generate", "--config", configPath, "--ra", "1", "--dec", "2", "--log-level", "error")
	if exitCode(err) != exitFailure {
		t.Fatalf("exit code = %d (%v), want 1", exitCode(err), err)
	}
	if _, statErr := os.Stat(filepath.Join(outDir, "tile_1.png")); !os.IsNotExist(statErr) {
		t.Error("tile written despite calibration failure")
	}
}

func TestGenerateRejectsBadOverlap(t *testing.T) {
	configPath, _ := writeConfig(t, "http://127.0.0.1:1")
	_, err := run("generate", "--config", configPath, "--ra", "1", "--dec", "2", "--overlap", "0.5")
	if err == nil || !strings.Contains(err.Error(), "overlap") {
		t.Fatalf("error = %v, want overlap validation failure", err)
	}
}

func TestStitchEmptyFolder(t *testing.T) {
	configPath, _ := writeConfig(t, "http://127.0.0.1:1")
	if _, err := run("stitch", t.TempDir(), "--config", configPath); err == nil {
		t.Fatal("expected error stitching an empty folder")
	}
}

func TestCacheStats(t *testing.T) {
	configPath, _ := writeConfig(t, "http://127.0.0.1:1")
	out, err := run("cache", "stats", "--config", configPath)
	if err != nil {
		t.Fatalf("cache stats: %v", err)
	}
	if !strings.Contains(out, "0 entries") {
		t.Errorf("output = %q", out)
	}
}

func TestBatchResumesFailedTargets(t *testing.T) {
	payload := fitsConstant(8, 1200)
	var offline atomic.Bool
	offline.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if offline.Load() && strings.HasPrefix(r.URL.Query().Get("Position"), "83.") {
			http.Error(w, "survey offline", http.StatusInternalServerError)
			return
		}
		w.Write(payload)
	}))
	defer srv.Close()
	configPath, outDir := writeConfig(t, srv.URL)

	targets := filepath.Join(t.TempDir(), "targets.toml")
	body := `
[[target]]
name = "m31"
ra = 10.6847
dec = 41.2689

[[target]]
ra = 83.8221
dec = -5.3911
obs_time = "2025-10-04 11:31:02"
`
	if err := os.WriteFile(targets, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := run("batch", targets, "--config", configPath, "--no-cache", "--log-level", "error")
	if exitCode(err) != exitFailure {
		t.Fatalf("first batch exit = %d (%v), want 1", exitCode(err), err)
	}
	if !strings.Contains(out, "1 of 2 targets completed") {
		t.Errorf("output = %q", out)
	}
	if _, err := os.Stat(filepath.Join(outDir, "m31", "mosaic.png")); err != nil {
		t.Errorf("m31 mosaic missing: %v", err)
	}

	out, err = run("queue", "list", "--config", configPath, "--log-level", "error")
	if err != nil {
		t.Fatalf("queue list: %v", err)
	}
	if !strings.Contains(out, "m31") || !strings.Contains(out, "done") || !strings.Contains(out, "failed") {
		t.Errorf("queue list = %q", out)
	}

	offline.Store(false)
	out, err = run("batch", targets, "--config", configPath, "--no-cache", "--log-level", "error", "--retry-failed")
	if err != nil {
		t.Fatalf("retry batch: %v", err)
	}
	if !strings.Contains(out, "2 of 2 targets completed") {
		t.Errorf("output = %q", out)
	}
	if strings.Contains(out, "m31 ") {
		t.Errorf("completed target m31 ran again: %q", out)
	}
	if _, err := os.Stat(filepath.Join(outDir, "83p8221_5p3911S", "tile_9.png")); err != nil {
		t.Errorf("unnamed target tiles missing: %v", err)
	}

	if _, err := run("queue", "remove", "andromeda", "--config", configPath, "--log-level", "error"); err == nil {
		t.Error("removing an unknown target should fail")
	}
	if _, err := run("queue", "clear", "--config", configPath, "--log-level", "error"); err != nil {
		t.Fatalf("queue clear: %v", err)
	}
	out, err = run("queue", "list", "--config", configPath, "--log-level", "error")
	if err != nil || strings.TrimSpace(out) != "" {
		t.Errorf("queue after clear = %q, %v", out, err)
	}
}

func TestLoadTargetsRejectsBadNames(t *testing.T) {
	for name, body := range map[string]string{
		"traversal": "[[target]]\nname = \"../x\"\nra = 1\ndec = 2\n",
		"duplicate": "[[target]]\nname = \"a\"\nra = 1\ndec = 2\n[[target]]\nname = \"a\"\nra = 3\ndec = 4\n",
		"unknown":   "[[target]]\nname = \"a\"\nra = 1\ndec = 2\nzoom = 3\n",
		"empty":     "",
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "targets.toml")
			if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := loadTargets(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}
