package remediation

import "sync"

// kmutex provides a mutex per key so breaker and rate-limit transitions for
// one key serialize without different keys ever contending. Entries live for
// the process lifetime; cardinality is bounded by the scope/runbook set.
type kmutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKmutex() *kmutex {
	return &kmutex{locks: make(map[string]*sync.Mutex)}
}

// lock acquires the mutex for key and returns its unlock func.
func (k *kmutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
