// Package interfaces holds the contracts shared between the public package
// and the internal reactor components.
package interfaces

// Observer receives operational events from the reactor cores. Every
// method is called from a core's goroutine and must not block.
type Observer interface {
	// ObserveDiskRead is called for each completed disk read
	ObserveDiskRead(bytes uint64, latencyNs uint64, success bool)

	// ObserveDiskWrite is called for each completed disk write
	ObserveDiskWrite(bytes uint64, latencyNs uint64, success bool)

	// ObserveRequest is called once per client request, when its reply
	// has been produced
	ObserveRequest(verb string, latencyNs uint64, success bool)

	// ObserveConn is called when a connection is adopted (opened=true) or
	// torn down
	ObserveConn(opened bool)

	// ObserveQueueDepth is called once per reactor iteration with the
	// number of disk requests in flight
	ObserveQueueDepth(depth uint32)

	// ObserveMessages is called with the number of hub messages a core
	// pulled in one iteration
	ObserveMessages(n int)
}

// NopObserver discards every observation.
type NopObserver struct{}

func (NopObserver) ObserveDiskRead(uint64, uint64, bool)  {}
func (NopObserver) ObserveDiskWrite(uint64, uint64, bool) {}
func (NopObserver) ObserveRequest(string, uint64, bool)   {}
func (NopObserver) ObserveConn(bool)                      {}
func (NopObserver) ObserveQueueDepth(uint32)              {}
func (NopObserver) ObserveMessages(int)                   {}

var _ Observer = NopObserver{}
