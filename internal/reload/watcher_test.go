package reload

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/timzifer/sldsync/config"
)

func TestUniquePathsFiltersDuplicatesAndEmptyValues(t *testing.T) {
	paths := []string{"", "/tmp/a", "/tmp/b", "/tmp/a", "/tmp/c", "/tmp/b"}
	got := uniquePaths(paths)
	want := []string{"/tmp/a", "/tmp/b", "/tmp/c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("uniquePaths() = %v, want %v", got, want)
	}
}

func TestWatcherUpdateIncludesConfigEnvAndRoot(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "sldsync.yaml")
	envFile := filepath.Join(dir, ".env")
	rootFile := filepath.Join(dir, "overrides.yaml")

	writeFile(t, configFile, "backend: {}")
	writeFile(t, envFile, "SLDSYNC_LOG_LEVEL=debug")
	writeFile(t, rootFile, "root")

	cfg := &config.Config{Source: configFile}

	var watcher Watcher
	if err := watcher.Update(rootFile, cfg); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if len(watcher.files) != 3 {
		t.Fatalf("expected 3 tracked files, got %d", len(watcher.files))
	}
	for _, path := range []string{configFile, envFile, rootFile} {
		if _, ok := watcher.files[path]; !ok {
			t.Fatalf("file %s not tracked", path)
		}
	}
}

func TestWatcherUpdateSkipsMissingFiles(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "missing.yaml")
	cfg := &config.Config{Source: missing}

	var watcher Watcher
	if err := watcher.Update("", cfg); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if len(watcher.files) != 0 {
		t.Fatalf("expected 0 tracked files, got %d", len(watcher.files))
	}
}

func TestWatcherCheckDetectsChangesAndRemovals(t *testing.T) {
	dir := t.TempDir()
	fileA := filepath.Join(dir, "sldsync.yaml")
	fileB := filepath.Join(dir, ".env")
	writeFile(t, fileA, "first")
	writeFile(t, fileB, "second")

	watcher, err := NewWatcher("", &config.Config{Source: fileA})
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}

	if changed, err := watcher.Check(); err != nil {
		t.Fatalf("Check() error = %v", err)
	} else if len(changed) != 0 {
		t.Fatalf("expected no changes on first check, got %v", changed)
	}

	time.Sleep(10 * time.Millisecond)
	writeFile(t, fileA, "first-UPDATED")
	if err := os.Remove(fileB); err != nil {
		t.Fatalf("Remove(%s) error = %v", fileB, err)
	}

	changed, err := watcher.Check()
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}

	sort.Strings(changed)
	expected := []string{fileA, fileB}
	sort.Strings(expected)
	if !reflect.DeepEqual(changed, expected) {
		t.Fatalf("Check() = %v, want %v", changed, expected)
	}
}

func TestWatcherHandlesNilReceiver(t *testing.T) {
	var watcher *Watcher
	if err := watcher.Update("", &config.Config{}); err != nil {
		t.Fatalf("nil watcher Update() error = %v", err)
	}
	if changed, err := watcher.Check(); err != nil {
		t.Fatalf("nil watcher Check() error = %v", err)
	} else if changed != nil {
		t.Fatalf("expected nil slice from nil watcher, got %v", changed)
	}
}

func TestWatcherPollReportsChangesOnce(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "sldsync.yaml")
	writeFile(t, configFile, "first")
	cfg := &config.Config{Source: configFile}

	watcher, err := NewWatcher("", cfg)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}

	clock := clockwork.NewFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	calls := make(chan []string, 4)
	go watcher.Poll(ctx, clock, time.Second, "", func(changed []string) *config.Config {
		calls <- changed
		return nil
	})
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("BlockUntilContext() error = %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	writeFile(t, configFile, "second-version")
	clock.Advance(time.Second)

	select {
	case changed := <-calls:
		if !reflect.DeepEqual(changed, []string{configFile}) {
			t.Fatalf("Poll() reported %v", changed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Poll() did not report the change")
	}

	clock.Advance(time.Second)
	select {
	case changed := <-calls:
		t.Fatalf("unexpected second report %v", changed)
	case <-time.After(50 * time.Millisecond):
	}
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile(%s) error = %v", path, err)
	}
}
