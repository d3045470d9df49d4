package concurrency

// WaitEvent is closed when the wait it was opened for ends, whatever the outcome.
type WaitEvent interface {
	Close()
}

// Tracer is told whenever an acquisition has to block.
type Tracer interface {
	WaitForLock(exclusive bool, rt ResourceType, id uint64) WaitEvent
}

type noopTracer struct{}

type noopEvent struct{}

func (noopTracer) WaitForLock(bool, ResourceType, uint64) WaitEvent { return noopEvent{} }

func (noopEvent) Close() {}

// A tracer that records nothing.
var NoopTracer Tracer = noopTracer{}
