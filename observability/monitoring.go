package observability

import (
	"runtime"
	"sync/atomic"
)

// Stats is a point-in-time snapshot of delivery counters, one per outcome of
// the error taxonomy plus the happy path.
type Stats struct {
	Delivered         uint64 `json:"delivered"`
	DuplicatesDropped uint64 `json:"duplicates_dropped"`
	MalformedDropped  uint64 `json:"malformed_dropped"`
	UnknownKinds      uint64 `json:"unknown_kinds"`
	TransportErrors   uint64 `json:"transport_errors"`
	Reconnects        uint64 `json:"reconnects"`
	PollFailures      uint64 `json:"poll_failures"`
	PresenceFailures  uint64 `json:"presence_failures"`
	SinkErrors        uint64 `json:"sink_errors"`

	AllocMemMb uint64 `json:"alloc_mem_mb"`
	NumGC      uint32 `json:"num_gc"`
}

// Monitor aggregates realtime delivery telemetry. All counters are atomic so
// transports and the fanout can record from any goroutine.
type Monitor struct {
	delivered         atomic.Uint64
	duplicatesDropped atomic.Uint64
	malformedDropped  atomic.Uint64
	unknownKinds      atomic.Uint64
	transportErrors   atomic.Uint64
	reconnects        atomic.Uint64
	pollFailures      atomic.Uint64
	presenceFailures  atomic.Uint64
	sinkErrors        atomic.Uint64
}

func NewMonitor() *Monitor {
	return &Monitor{}
}

func (m *Monitor) Delivered()        { m.delivered.Add(1) }
func (m *Monitor) DuplicateDropped() { m.duplicatesDropped.Add(1) }
func (m *Monitor) MalformedDropped() { m.malformedDropped.Add(1) }
func (m *Monitor) UnknownKind()      { m.unknownKinds.Add(1) }
func (m *Monitor) TransportError()   { m.transportErrors.Add(1) }
func (m *Monitor) Reconnect()        { m.reconnects.Add(1) }
func (m *Monitor) PollFailure()      { m.pollFailures.Add(1) }
func (m *Monitor) PresenceFailure()  { m.presenceFailures.Add(1) }
func (m *Monitor) SinkError()        { m.sinkErrors.Add(1) }

func (m *Monitor) Snapshot() Stats {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return Stats{
		Delivered:         m.delivered.Load(),
		DuplicatesDropped: m.duplicatesDropped.Load(),
		MalformedDropped:  m.malformedDropped.Load(),
		UnknownKinds:      m.unknownKinds.Load(),
		TransportErrors:   m.transportErrors.Load(),
		Reconnects:        m.reconnects.Load(),
		PollFailures:      m.pollFailures.Load(),
		PresenceFailures:  m.presenceFailures.Load(),
		SinkErrors:        m.sinkErrors.Load(),
		AllocMemMb:        mem.Alloc / 1024 / 1024,
		NumGC:             mem.NumGC,
	}
}
