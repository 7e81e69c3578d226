package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.viam.com/test"
)

func TestMainWithArgs(t *testing.T) {
	dir := t.TempDir()
	trajectory := filepath.Join(dir, "trajectory.txt")
	snapshot := filepath.Join(dir, "first.png")
	depth := filepath.Join(dir, "depth.png")
	plot := filepath.Join(dir, "plot.png")

	err := mainWithArgs(context.Background(), []string{
		"main", "--frames=40", "--sync", "--preset=2",
		"--snapshot=" + snapshot, "--depth-image=" + depth, "--plot=" + plot,
		trajectory,
	}, zap.NewNop().Sugar())
	test.That(t, err, test.ShouldBeNil)

	for _, path := range []string{snapshot, depth, plot} {
		_, err = os.Stat(path)
		test.That(t, err, test.ShouldBeNil)
	}
	data, err := os.ReadFile(trajectory)
	test.That(t, err, test.ShouldBeNil)
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		test.That(t, strings.Fields(line), test.ShouldHaveLength, 8)
	}
}

func TestMainWithArgsErrors(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop().Sugar()

	err := mainWithArgs(ctx, []string{"main", "--frames=1"}, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "at least 2 frames")

	err = mainWithArgs(ctx, []string{"main", "--preset=9"}, logger)
	test.That(t, err, test.ShouldNotBeNil)

	dir := t.TempDir()
	badConfig := filepath.Join(dir, "settings.json")
	test.That(t, os.WriteFile(badConfig, []byte(`{"not_a_setting": 1}`), 0o600), test.ShouldBeNil)
	err = mainWithArgs(ctx, []string{"main", "--config=" + badConfig}, logger)
	test.That(t, err, test.ShouldNotBeNil)

	err = mainWithArgs(ctx, []string{"main", "--calibration=" + filepath.Join(dir, "missing.json")}, logger)
	test.That(t, err, test.ShouldNotBeNil)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err = mainWithArgs(cancelled, []string{"main", "--frames=4", "--sync", filepath.Join(dir, "out.txt")}, logger)
	test.That(t, err, test.ShouldNotBeNil)
}
