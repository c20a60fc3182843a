package lock

import (
	"path/filepath"
	"testing"
)

func TestTryAcquireRejectsSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.lock")

	release, ok, err := TryAcquire(path)
	if err != nil || !ok {
		t.Fatalf("expected first TryAcquire to succeed, ok=%v err=%v", ok, err)
	}
	defer release()

	_, ok2, err := TryAcquire(path)
	if err != nil {
		t.Fatalf("unexpected error on second TryAcquire: %v", err)
	}
	if ok2 {
		t.Fatalf("expected second TryAcquire to fail while the first still holds the lock")
	}
}

func TestTryAcquireSucceedsAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.lock")

	release, ok, err := TryAcquire(path)
	if err != nil || !ok {
		t.Fatalf("expected first TryAcquire to succeed, ok=%v err=%v", ok, err)
	}
	release()

	_, ok2, err := TryAcquire(path)
	if err != nil || !ok2 {
		t.Fatalf("expected TryAcquire to succeed after release, ok=%v err=%v", ok2, err)
	}
}
