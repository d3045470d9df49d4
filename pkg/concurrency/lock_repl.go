package concurrency

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	uuid "github.com/google/uuid"
	errors "github.com/pkg/errors"
	multierr "go.uber.org/multierr"

	repl "github.com/brown-csci1270/lockmgr/pkg/repl"
)

// Lock REPL.
func LockREPL(sm *SessionManager) (*repl.REPL, error) {
	r := repl.NewRepl()
	var err error
	add := func(trigger string, action func(string, *repl.REPLConfig) error, help string) {
		err = multierr.Append(err, r.AddCommand(trigger, action, help))
	}
	add("begin", func(payload string, replConfig *repl.REPLConfig) error {
		return HandleBegin(sm, payload, replConfig.GetWriter(), replConfig.GetAddr())
	}, "Begin a transaction. usage: begin")
	add("commit", func(payload string, replConfig *repl.REPLConfig) error {
		return HandleCommit(sm, payload, replConfig.GetAddr())
	}, "Release all locks and end the transaction. usage: commit")
	add("lock", func(payload string, replConfig *repl.REPLConfig) error {
		return HandleLock(sm, payload, replConfig.GetWriter(), replConfig.GetAddr())
	}, "Block until locked. usage: lock <shared|exclusive> <type> <id...>")
	add("trylock", func(payload string, replConfig *repl.REPLConfig) error {
		return HandleTryLock(sm, payload, replConfig.GetWriter(), replConfig.GetAddr())
	}, "Lock without blocking. usage: trylock <shared|exclusive> <type> <id...>")
	add("unlock", func(payload string, replConfig *repl.REPLConfig) error {
		return HandleUnlock(sm, payload, replConfig.GetAddr())
	}, "Release locks. usage: unlock <shared|exclusive> <type> <id...>")
	add("unlockall", func(payload string, replConfig *repl.REPLConfig) error {
		return HandleUnlockAll(sm, payload, replConfig.GetAddr())
	}, "Release every lock of the transaction. usage: unlockall")
	add("stop", func(payload string, replConfig *repl.REPLConfig) error {
		return sm.Stop(replConfig.GetAddr())
	}, "Terminate the transaction; pending and future locks fail. usage: stop")
	add("holds", func(payload string, replConfig *repl.REPLConfig) error {
		return HandleHolds(sm, payload, replConfig.GetWriter(), replConfig.GetAddr())
	}, "Check whether a lock is held. usage: holds <shared|exclusive> <type> <id>")
	add("mylocks", func(payload string, replConfig *repl.REPLConfig) error {
		return HandleMyLocks(sm, payload, replConfig.GetWriter(), replConfig.GetAddr())
	}, "List the locks of the transaction. usage: mylocks")
	add("locks", func(payload string, replConfig *repl.REPLConfig) error {
		return HandleLocks(sm, payload, replConfig.GetWriter())
	}, "List every tracked lock. usage: locks")
	add("stats", func(payload string, replConfig *repl.REPLConfig) error {
		return HandleStats(sm, payload, replConfig.GetWriter())
	}, "Print lock manager counters. usage: stats")
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Handle begin.
func HandleBegin(sm *SessionManager, payload string, w io.Writer, clientId uuid.UUID) error {
	if len(strings.Fields(payload)) != 1 {
		return errors.New("usage: begin")
	}
	c, err := sm.Begin(clientId)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%v\n", c.Token())
	return nil
}

// Handle commit.
func HandleCommit(sm *SessionManager, payload string, clientId uuid.UUID) error {
	if len(strings.Fields(payload)) != 1 {
		return errors.New("usage: commit")
	}
	return sm.Commit(clientId)
}

// Parse "<cmd> <mode> <type> <id...>".
func parseLockArgs(payload string, usage string, single bool) (LockMode, ResourceType, []uint64, error) {
	fields := strings.Fields(payload)
	if len(fields) < 4 || (single && len(fields) != 4) {
		return 0, 0, nil, errors.New(usage)
	}
	mode, err := ParseLockMode(fields[1])
	if err != nil {
		return 0, 0, nil, errors.Wrap(err, usage)
	}
	rt, err := ParseResourceType(fields[2])
	if err != nil {
		return 0, 0, nil, err
	}
	ids := make([]uint64, 0, len(fields)-3)
	for _, f := range fields[3:] {
		id, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return 0, 0, nil, errors.Wrapf(err, "bad id %q", f)
		}
		ids = append(ids, id)
	}
	return mode, rt, ids, nil
}

func getClient(sm *SessionManager, clientId uuid.UUID) (*Client, error) {
	c, found := sm.GetClient(clientId)
	if !found {
		return nil, errors.New("no transactions running; use begin")
	}
	return c, nil
}

// Handle blocking lock requests.
func HandleLock(sm *SessionManager, payload string, w io.Writer, clientId uuid.UUID) error {
	mode, rt, ids, err := parseLockArgs(payload, "usage: lock <shared|exclusive> <type> <id...>", false)
	if err != nil {
		return err
	}
	c, err := getClient(sm, clientId)
	if err != nil {
		return err
	}
	var ok bool
	if mode == Exclusive {
		ok, err = c.AcquireExclusive(sm.GetTracer(), rt, ids...)
	} else {
		ok, err = c.AcquireShared(sm.GetTracer(), rt, ids...)
	}
	if err != nil {
		return errors.Wrap(err, "lock error")
	}
	if !ok {
		io.WriteString(w, "not acquired: transaction terminated\n")
	}
	return nil
}

// Handle non-blocking lock requests.
func HandleTryLock(sm *SessionManager, payload string, w io.Writer, clientId uuid.UUID) error {
	mode, rt, ids, err := parseLockArgs(payload, "usage: trylock <shared|exclusive> <type> <id...>", false)
	if err != nil {
		return err
	}
	c, err := getClient(sm, clientId)
	if err != nil {
		return err
	}
	var ok bool
	if mode == Exclusive {
		ok, err = c.TryAcquireExclusive(rt, ids...)
	} else {
		ok, err = c.TryAcquireShared(rt, ids...)
	}
	if err != nil {
		return errors.Wrap(err, "trylock error")
	}
	fmt.Fprintf(w, "%v\n", ok)
	return nil
}

// Handle unlock.
func HandleUnlock(sm *SessionManager, payload string, clientId uuid.UUID) error {
	mode, rt, ids, err := parseLockArgs(payload, "usage: unlock <shared|exclusive> <type> <id...>", false)
	if err != nil {
		return err
	}
	c, err := getClient(sm, clientId)
	if err != nil {
		return err
	}
	if mode == Exclusive {
		err = c.ReleaseExclusive(rt, ids...)
	} else {
		err = c.ReleaseShared(rt, ids...)
	}
	return errors.Wrap(err, "unlock error")
}

// Handle unlockall.
func HandleUnlockAll(sm *SessionManager, payload string, clientId uuid.UUID) error {
	c, err := getClient(sm, clientId)
	if err != nil {
		return err
	}
	return errors.Wrap(c.ReleaseAll(), "unlockall error")
}

// Handle holds.
func HandleHolds(sm *SessionManager, payload string, w io.Writer, clientId uuid.UUID) error {
	mode, rt, ids, err := parseLockArgs(payload, "usage: holds <shared|exclusive> <type> <id>", true)
	if err != nil {
		return err
	}
	c, err := getClient(sm, clientId)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%v\n", c.HoldsLock(rt, ids[0], mode))
	return nil
}

// Handle mylocks.
func HandleMyLocks(sm *SessionManager, payload string, w io.Writer, clientId uuid.UUID) error {
	c, err := getClient(sm, clientId)
	if err != nil {
		return err
	}
	for _, l := range c.ActiveLocks() {
		fmt.Fprintf(w, "%v %v refs=%d\n", l.Mode, l.Resource, l.References)
	}
	return nil
}

// Handle locks: dump every tracked lock.
func HandleLocks(sm *SessionManager, payload string, w io.Writer) error {
	sm.GetLockManager().Accept(func(mode LockMode, rt ResourceType, holder Token, id uint64, description string, maxWaitTime time.Duration) bool {
		fmt.Fprintf(w, "%v %v(%d) %v %s maxwait=%v\n", mode, rt, id, holder, description, maxWaitTime)
		return false
	})
	return nil
}

// Handle stats.
func HandleStats(sm *SessionManager, payload string, w io.Writer) error {
	s := sm.GetLockManager().Stats()
	fmt.Fprintf(w, "locks=%d deadlocks=%d timeouts=%d terminations=%d\n", s.Locks, s.Deadlocks, s.Timeouts, s.Terminations)
	return nil
}
