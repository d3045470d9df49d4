package concurrency

import (
	"sort"
	"sync"

	errors "github.com/pkg/errors"
	multierr "go.uber.org/multierr"
)

type localLocks map[ResourceType]map[uint64]*LockedResource

func (l localLocks) get(r ResourceId) *LockedResource {
	return l[r.Type][r.ID]
}

func (l localLocks) put(r ResourceId) {
	byID, ok := l[r.Type]
	if !ok {
		byID = make(map[uint64]*LockedResource)
		l[r.Type] = byID
	}
	byID[r.ID] = newLockedResource(r)
}

func (l localLocks) remove(r ResourceId) {
	byID := l[r.Type]
	delete(byID, r.ID)
	if len(byID) == 0 {
		delete(l, r.Type)
	}
}

// Client takes locks on behalf of one transaction. Repeated acquisitions of
// a resource are counted locally and reach the manager only once.
//
// A client is driven by one goroutine; only Stop may be called concurrently.
type Client struct {
	manager   *LockManager
	shared    localLocks
	exclusive localLocks

	tokenMu sync.RWMutex
	token   Token
}

func newClient(m *LockManager) *Client {
	return &Client{
		manager:   m,
		shared:    make(localLocks),
		exclusive: make(localLocks),
		token:     NoTransaction,
	}
}

// Bind the client to a transaction.
func (c *Client) BindTransaction(token Token) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	c.token = token
}

// Get the bound transaction token.
func (c *Client) Token() Token {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.token
}

// Block until every id holds a shared lock. Returns false if the transaction
// was terminated; ids locked before that stay locked.
func (c *Client) AcquireShared(tracer Tracer, rt ResourceType, ids ...uint64) (bool, error) {
	return c.acquire(rt, ids, c.shared, func(r ResourceId, token Token) (bool, error) {
		return c.manager.GetReadLock(tracer, r, token)
	})
}

// Block until every id holds an exclusive lock. Returns false if the
// transaction was terminated; ids locked before that stay locked.
func (c *Client) AcquireExclusive(tracer Tracer, rt ResourceType, ids ...uint64) (bool, error) {
	return c.acquire(rt, ids, c.exclusive, func(r ResourceId, token Token) (bool, error) {
		return c.manager.GetWriteLock(tracer, r, token)
	})
}

// Take shared locks without blocking. Stops at the first id that is not
// grantable and returns false; ids locked before it stay locked.
func (c *Client) TryAcquireShared(rt ResourceType, ids ...uint64) (bool, error) {
	return c.acquire(rt, ids, c.shared, c.manager.TryReadLock)
}

// Take exclusive locks without blocking. Stops at the first id that is not
// grantable and returns false; ids locked before it stay locked.
func (c *Client) TryAcquireExclusive(rt ResourceType, ids ...uint64) (bool, error) {
	return c.acquire(rt, ids, c.exclusive, c.manager.TryWriteLock)
}

func (c *Client) acquire(rt ResourceType, ids []uint64, held localLocks, take func(ResourceId, Token) (bool, error)) (bool, error) {
	token := c.Token()
	// A stopped transaction gets nothing, not even locks it already holds.
	if c.manager.IsTerminated(token) {
		return false, nil
	}
	for _, id := range ids {
		r := NewResourceId(rt, id)
		if local := held.get(r); local != nil {
			if err := local.AcquireReference(); err != nil {
				return false, err
			}
			continue
		}
		ok, err := take(r, token)
		if err != nil || !ok {
			return false, err
		}
		held.put(r)
	}
	return true, nil
}

// Drop one reference to each shared lock, releasing it when none remain.
func (c *Client) ReleaseShared(rt ResourceType, ids ...uint64) error {
	return c.release(rt, ids, c.shared, Shared, c.manager.ReleaseReadLock)
}

// Drop one reference to each exclusive lock, releasing it when none remain.
func (c *Client) ReleaseExclusive(rt ResourceType, ids ...uint64) error {
	return c.release(rt, ids, c.exclusive, Exclusive, c.manager.ReleaseWriteLock)
}

func (c *Client) release(rt ResourceType, ids []uint64, held localLocks, mode LockMode, drop func(ResourceId, Token) error) error {
	token := c.Token()
	for _, id := range ids {
		r := NewResourceId(rt, id)
		local := held.get(r)
		if local == nil {
			return errors.Wrapf(ErrLockNotFound, "%v does not hold a %v lock on %v", token, mode, r)
		}
		if local.ReleaseReference() > 0 {
			continue
		}
		held.remove(r)
		if err := drop(r, token); err != nil {
			return err
		}
	}
	return nil
}

// Release every shared lock regardless of reference counts.
func (c *Client) ReleaseAllShared() error {
	return c.releaseAll(c.shared, c.manager.ReleaseReadLock)
}

// Release every exclusive lock regardless of reference counts.
func (c *Client) ReleaseAllExclusive() error {
	return c.releaseAll(c.exclusive, c.manager.ReleaseWriteLock)
}

// Release every lock held by the client.
func (c *Client) ReleaseAll() error {
	return multierr.Append(c.ReleaseAllExclusive(), c.ReleaseAllShared())
}

func (c *Client) releaseAll(held localLocks, drop func(ResourceId, Token) error) error {
	token := c.Token()
	var err error
	for rt, byID := range held {
		for id := range byID {
			err = multierr.Append(err, drop(NewResourceId(rt, id), token))
		}
		delete(held, rt)
	}
	return err
}

// Terminate the bound transaction. Its blocked acquisitions return "not
// acquired", as does every later one until Close, re-entrant ones included.
func (c *Client) Stop() {
	c.manager.Terminate(c.Token())
}

// Release everything and unbind the transaction.
func (c *Client) Close() error {
	err := c.ReleaseAll()
	token := c.Token()
	c.BindTransaction(NoTransaction)
	c.manager.Forget(token)
	return err
}

// Reports whether the client holds r in the given mode.
func (c *Client) HoldsLock(rt ResourceType, id uint64, mode LockMode) bool {
	r := NewResourceId(rt, id)
	if mode == Exclusive {
		return c.exclusive.get(r) != nil
	}
	return c.shared.get(r) != nil
}

// A lock held by a client.
type ActiveLock struct {
	Mode       LockMode
	Resource   ResourceId
	References uint32
}

// List the locks held by the client, exclusive first, then by resource.
func (c *Client) ActiveLocks() []ActiveLock {
	var out []ActiveLock
	for _, held := range []struct {
		mode  LockMode
		locks localLocks
	}{{Exclusive, c.exclusive}, {Shared, c.shared}} {
		for _, byID := range held.locks {
			for _, local := range byID {
				out = append(out, ActiveLock{Mode: held.mode, Resource: local.ResourceId, References: local.References()})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Mode != b.Mode {
			return a.Mode > b.Mode
		}
		if a.Resource.Type != b.Resource.Type {
			return a.Resource.Type < b.Resource.Type
		}
		return a.Resource.ID < b.Resource.ID
	})
	return out
}

// Get the number of distinct locks held by the client.
func (c *Client) ActiveLockCount() int {
	n := 0
	for _, byID := range c.exclusive {
		n += len(byID)
	}
	for _, byID := range c.shared {
		n += len(byID)
	}
	return n
}
