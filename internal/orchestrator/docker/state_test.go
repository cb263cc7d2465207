package docker

import (
	"errors"
	"jobflow/internal/apperrors"
	"strings"
	"sync"
	"testing"
)

func TestRunRepo_Reserve(t *testing.T) {
	t.Parallel()
	repo := newRunRepo()

	if err := repo.reserve("job-1"); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	id, exists := repo.get("job-1")
	if !exists {
		t.Error("Expected run to exist after reserve")
	}
	if id != "" {
		t.Errorf("Expected empty container id for reserved run, got %q", id)
	}
}

func TestRunRepo_ReserveInFlight(t *testing.T) {
	t.Parallel()
	repo := newRunRepo()

	if err := repo.reserve("job-1"); err != nil {
		t.Fatalf("First reserve failed: %v", err)
	}
	err := repo.reserve("job-1")
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("Expected conflict for duplicate reserve, got %v", err)
	}
}

func TestRunRepo_ReleaseAllowsReserve(t *testing.T) {
	t.Parallel()
	repo := newRunRepo()

	_ = repo.reserve("job-1")
	repo.commit("job-1", "c1")
	repo.release("job-1")

	if _, exists := repo.get("job-1"); exists {
		t.Error("Expected run to be gone after release")
	}
	if err := repo.reserve("job-1"); err != nil {
		t.Errorf("Expected reserve after release to succeed, got %v", err)
	}
}

func TestRunRepo_ListIsSnapshot(t *testing.T) {
	t.Parallel()
	repo := newRunRepo()

	_ = repo.reserve("job-1")
	repo.commit("job-1", "c1")
	_ = repo.reserve("job-2")

	snapshot := repo.list()
	repo.release("job-1")

	if len(snapshot) != 2 || snapshot["job-1"] != "c1" || snapshot["job-2"] != "" {
		t.Errorf("Unexpected snapshot %v", snapshot)
	}
}

func TestRunRepo_ConcurrentReserve(t *testing.T) {
	t.Parallel()
	repo := newRunRepo()

	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if repo.reserve("job-1") == nil {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if won != 1 {
		t.Errorf("Expected exactly one reservation, got %d", won)
	}
}

func TestTailBuffer(t *testing.T) {
	t.Parallel()
	tail := newTailBuffer(8)

	_, _ = tail.Write([]byte("hello "))
	_, _ = tail.Write([]byte("world"))

	if got := tail.String(); got != "lo world" {
		t.Errorf("Expected %q, got %q", "lo world", got)
	}

	_, _ = tail.Write([]byte(strings.Repeat("x", 20)))
	if got := tail.String(); got != strings.Repeat("x", 8) {
		t.Errorf("Expected last 8 bytes, got %q", got)
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	t.Parallel()
	cfg := Config{}.withDefaults()
	if cfg.StopTimeout <= 0 || cfg.LogTailBytes <= 0 {
		t.Errorf("Expected defaults to be filled, got %+v", cfg)
	}
}
