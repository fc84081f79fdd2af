package flow

import "sync"

// actorLocks serializes work per actor while letting different actors proceed in parallel.
// Entries are dropped once no goroutine holds or waits on them.
type actorLocks struct {
	mu    sync.Mutex
	locks map[string]*actorLock
}

type actorLock struct {
	sync.Mutex
	refs int
}

func newActorLocks() *actorLocks {
	return &actorLocks{locks: make(map[string]*actorLock)}
}

// lock blocks until the actor's lock is held and returns its release function.
func (l *actorLocks) lock(actorID string) func() {
	l.mu.Lock()
	al, ok := l.locks[actorID]
	if !ok {
		al = &actorLock{}
		l.locks[actorID] = al
	}
	al.refs++
	l.mu.Unlock()

	al.Lock()
	return func() {
		al.Unlock()
		l.mu.Lock()
		al.refs--
		if al.refs == 0 {
			delete(l.locks, actorID)
		}
		l.mu.Unlock()
	}
}

func (l *actorLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
