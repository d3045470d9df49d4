package concurrency

import (
	"fmt"
	"strings"
	"sync"

	errors "github.com/pkg/errors"
)

// WaitGraph tracks which transactions hold which resources and which
// resource each blocked transaction waits on. Edges run
// transaction -> resource (waiting) and resource -> transaction (held by);
// a path from a waiter back to itself is a deadlock.
type WaitGraph struct {
	mu        sync.Mutex
	holders   map[ResourceId][]Token
	waitingOn map[Token]ResourceId
}

// Construct a new graph.
func NewWaitGraph() *WaitGraph {
	return &WaitGraph{
		holders:   make(map[ResourceId][]Token),
		waitingOn: make(map[Token]ResourceId),
	}
}

// Record that t now holds r.
func (g *WaitGraph) RegisterHold(r ResourceId, t Token) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.holders[r] = append(g.holders[r], t)
}

// Remove the hold of t on r.
func (g *WaitGraph) ReleaseHold(r ResourceId, t Token) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	holders := g.holders[r]
	for i, h := range holders {
		if h != t {
			continue
		}
		holders[i] = holders[len(holders)-1]
		holders = holders[:len(holders)-1]
		if len(holders) == 0 {
			delete(g.holders, r)
		} else {
			g.holders[r] = holders
		}
		return nil
	}
	return errors.Errorf("wait graph: %v is not a holder of %v", t, r)
}

// Check whether t waiting on r would close a cycle. If not, record the wait.
func (g *WaitGraph) CheckWait(r ResourceId, t Token) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if current, ok := g.waitingOn[t]; ok {
		return errors.Errorf("wait graph: %v already waiting on %v", t, current)
	}
	checked := make(map[Token]bool)
	for _, h := range g.holders[r] {
		// t may already hold r (shared, before an upgrade). That edge alone is
		// not a cycle; another holder that waits on r is.
		if h == t {
			continue
		}
		if path := g.findPath(r, h, t, checked); path != nil {
			return &DeadlockError{Waiter: t, Resource: r, Cycle: describeCycle(t, path)}
		}
	}
	g.waitingOn[t] = r
	return nil
}

// Remove the wait of t on r.
func (g *WaitGraph) StopWait(r ResourceId, t Token) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	current, ok := g.waitingOn[t]
	if !ok || current != r {
		return errors.Errorf("wait graph: %v is not waiting on %v", t, r)
	}
	delete(g.waitingOn, t)
	return nil
}

// Get the resource t is currently waiting on.
func (g *WaitGraph) WaitingOn(t Token) (ResourceId, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.waitingOn[t]
	return r, ok
}

// Get a copy of the holders of r.
func (g *WaitGraph) Holders(r ResourceId) []Token {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Token(nil), g.holders[r]...)
}

// An edge "resource held by tx", with the index of the step that led here.
type graphStep struct {
	resource ResourceId
	holder   Token
	parent   int
}

// Depth-first search from holder h of r for target. Transactions already in
// checked are not expanded again. Returns the edges from r to target, or nil.
func (g *WaitGraph) findPath(r ResourceId, h Token, target Token, checked map[Token]bool) []graphStep {
	steps := []graphStep{{resource: r, holder: h, parent: -1}}
	stack := []int{0}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		cur := steps[i]
		if cur.holder == target {
			path := make([]graphStep, 0, 4)
			for j := i; j >= 0; j = steps[j].parent {
				path = append(path, steps[j])
			}
			for a, b := 0, len(path)-1; a < b; a, b = a+1, b-1 {
				path[a], path[b] = path[b], path[a]
			}
			return path
		}
		if checked[cur.holder] {
			continue
		}
		checked[cur.holder] = true
		next, ok := g.waitingOn[cur.holder]
		if !ok {
			continue
		}
		for _, nh := range g.holders[next] {
			if nh == target || !checked[nh] {
				steps = append(steps, graphStep{resource: next, holder: nh, parent: i})
				stack = append(stack, len(steps)-1)
			}
		}
	}
	return nil
}

func describeCycle(waiter Token, path []graphStep) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v waits for", waiter)
	for i, step := range path {
		if i > 0 {
			b.WriteString(", which waits for")
		}
		fmt.Fprintf(&b, " %v held by %v", step.resource, step.holder)
	}
	return b.String()
}
