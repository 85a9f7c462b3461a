package supervisor

import (
	"context"
	"fmt"
	"sync"

	"acpdesk/internal/keylock"
)

// Supervisor keeps at most one live process per key
type Supervisor struct {
	locks *keylock.Map

	mu    sync.RWMutex
	procs map[string]*Process
}

// New creates an empty supervisor
func New() *Supervisor {
	return &Supervisor{
		locks: keylock.New(),
		procs: make(map[string]*Process),
	}
}

// Spawn starts a process for key. A key with a live process is rejected.
func (s *Supervisor) Spawn(ctx context.Context, key string, spec Spec) (*Process, error) {
	unlock := s.locks.Lock(key)
	defer unlock()

	s.mu.RLock()
	existing := s.procs[key]
	s.mu.RUnlock()
	if existing != nil && !existing.Exited() {
		return nil, fmt.Errorf("%s: %w", key, ErrAlreadyRunning)
	}

	if spec.Label == "" {
		spec.Label = key
	}
	p, err := Start(ctx, spec)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.procs[key] = p
	s.mu.Unlock()

	p.OnExit(func(error) {
		s.mu.Lock()
		if s.procs[key] == p {
			delete(s.procs, key)
		}
		s.mu.Unlock()
	})
	return p, nil
}

// Get returns the live process for key
func (s *Supervisor) Get(key string) (*Process, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.procs[key]
	return p, ok
}

// Kill stops the process for key. Unknown keys are ignored.
func (s *Supervisor) Kill(key string) {
	unlock := s.locks.Lock(key)
	defer unlock()

	s.mu.Lock()
	p := s.procs[key]
	delete(s.procs, key)
	s.mu.Unlock()

	if p != nil {
		p.Kill()
	}
}

// KillAll stops every process
func (s *Supervisor) KillAll() {
	s.mu.RLock()
	keys := make([]string, 0, len(s.procs))
	for k := range s.procs {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, k := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			s.Kill(key)
		}(k)
	}
	wg.Wait()
}

// Len returns the number of live processes
func (s *Supervisor) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.procs)
}
