package concurrency

import (
	"sync"

	uuid "github.com/google/uuid"
	errors "github.com/pkg/errors"
)

// SessionManager keeps one lock client per connected client id. Each session
// runs one transaction at a time.
type SessionManager struct {
	lm       *LockManager
	tracer   Tracer
	mtx      sync.RWMutex
	sessions map[uuid.UUID]*Client
}

// Get a pointer to a new session manager. A nil tracer traces nothing.
func NewSessionManager(lm *LockManager, tracer Tracer) *SessionManager {
	if tracer == nil {
		tracer = NoopTracer
	}
	return &SessionManager{lm: lm, tracer: tracer, sessions: make(map[uuid.UUID]*Client)}
}

// Get the tracer blocking acquisitions report to.
func (sm *SessionManager) GetTracer() Tracer {
	return sm.tracer
}

// Get the lock manager.
func (sm *SessionManager) GetLockManager() *LockManager {
	return sm.lm
}

// Get a particular session's client.
func (sm *SessionManager) GetClient(clientId uuid.UUID) (*Client, bool) {
	sm.mtx.RLock()
	defer sm.mtx.RUnlock()
	c, found := sm.sessions[clientId]
	return c, found
}

// Begin a transaction for the given client; error if already began.
func (sm *SessionManager) Begin(clientId uuid.UUID) (*Client, error) {
	sm.mtx.Lock()
	defer sm.mtx.Unlock()
	if _, found := sm.sessions[clientId]; found {
		return nil, errors.New("transaction already began")
	}
	c := sm.lm.NewClient()
	c.BindTransaction(NewToken())
	sm.sessions[clientId] = c
	return c, nil
}

// Commit the client's transaction: release its locks and end the session.
func (sm *SessionManager) Commit(clientId uuid.UUID) error {
	sm.mtx.Lock()
	c, found := sm.sessions[clientId]
	delete(sm.sessions, clientId)
	sm.mtx.Unlock()
	if !found {
		return errors.New("no transactions running")
	}
	return c.Close()
}

// Terminate the client's transaction without ending the session.
func (sm *SessionManager) Stop(clientId uuid.UUID) error {
	c, found := sm.GetClient(clientId)
	if !found {
		return errors.New("no transactions running")
	}
	c.Stop()
	return nil
}

// Terminate every running transaction. Sessions end when their owners commit.
func (sm *SessionManager) StopAll() {
	sm.mtx.RLock()
	defer sm.mtx.RUnlock()
	for _, c := range sm.sessions {
		c.Stop()
	}
}
