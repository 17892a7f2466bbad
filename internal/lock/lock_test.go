package lock

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
)

func TestMutexMapLockUnlock(t *testing.T) {
	m := NewMutexMap()

	m.Lock("publish-article")
	m.Unlock("publish-article")
	m.Lock("publish-article")
	m.Unlock("publish-article")
}

func TestMutexMapKeysAreIndependent(t *testing.T) {
	m := NewMutexMap()
	done := make(chan struct{})

	m.Lock("publish-article")
	go func() {
		m.Lock("nightly-digest")
		m.Unlock("nightly-digest")
		close(done)
	}()

	<-done
	m.Unlock("publish-article")
}

func TestMutexMapSerializesSameKey(t *testing.T) {
	m := NewMutexMap()
	var counter int64

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock("shared")
			atomic.AddInt64(&counter, 1)
			m.Unlock("shared")
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("expected counter=100, got %d", counter)
	}
}

func TestFileLockTryLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")

	fl := NewFileLock(path)
	if err := fl.TryLock(); err != nil {
		t.Fatalf("TryLock failed: %v", err)
	}
	defer fl.Unlock()
}

func TestFileLockSecondInstanceRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")

	fl1 := NewFileLock(path)
	if err := fl1.TryLock(); err != nil {
		t.Fatalf("first TryLock failed: %v", err)
	}
	defer fl1.Unlock()

	fl2 := NewFileLock(path)
	if err := fl2.TryLock(); err == nil {
		fl2.Unlock()
		t.Fatal("expected second TryLock to fail while held")
	}
}

func TestFileLockRelockAfterUnlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")

	fl1 := NewFileLock(path)
	if err := fl1.TryLock(); err != nil {
		t.Fatalf("first TryLock failed: %v", err)
	}
	if err := fl1.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}

	fl2 := NewFileLock(path)
	if err := fl2.TryLock(); err != nil {
		t.Fatalf("re-lock after unlock failed: %v", err)
	}
	fl2.Unlock()
}

func TestFileLockDoubleUnlockSafe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")

	fl := NewFileLock(path)
	fl.TryLock()
	fl.Unlock()
	if err := fl.Unlock(); err != nil {
		t.Fatalf("double unlock should be a no-op, got: %v", err)
	}
}
