package collector

import (
	"sort"
	"sync/atomic"
)

// Labels identifies a device in the exposed metrics.
//
type Labels struct {
	MAC      string
	HostName string
}

// Snapshot is the outcome of a single collection cycle: the connection
// duration of every live device, plus some bookkeeping about the cycle
// itself.
//
// A snapshot is only mutated by the cycle that created it, before it gets
// committed to a Sink. Once committed it must be treated as read-only.
//
type Snapshot struct {
	durations map[Labels]int64

	// Devices is the number of devices the router reported.
	//
	Devices int

	// Alive is how many of those were connected.
	//
	Alive int

	// Attempts is the number of requests it took to fetch the device
	// list.
	//
	Attempts int
}

// NewSnapshot returns an empty snapshot.
//
func NewSnapshot() *Snapshot {
	return &Snapshot{
		durations: map[Labels]int64{},
	}
}

// Set records (or overwrites) the connection duration of a device.
//
func (s *Snapshot) Set(mac, hostName string, seconds int64) {
	s.durations[Labels{MAC: mac, HostName: hostName}] = seconds
}

// Get retrieves the duration recorded for a device.
//
func (s *Snapshot) Get(mac, hostName string) (int64, bool) {
	v, found := s.durations[Labels{MAC: mac, HostName: hostName}]
	return v, found
}

// Len is the number of devices with a recorded duration.
//
func (s *Snapshot) Len() int {
	return len(s.durations)
}

// Labels lists the recorded devices, sorted by MAC and then host name.
//
func (s *Snapshot) Labels() []Labels {
	labels := make([]Labels, 0, len(s.durations))
	for k := range s.durations {
		labels = append(labels, k)
	}

	sort.Slice(labels, func(i, j int) bool {
		if labels[i].MAC != labels[j].MAC {
			return labels[i].MAC < labels[j].MAC
		}

		return labels[i].HostName < labels[j].HostName
	})

	return labels
}

// Range calls `fn` for every recorded device in no particular order.
//
func (s *Snapshot) Range(fn func(labels Labels, seconds int64)) {
	for k, v := range s.durations {
		fn(k, v)
	}
}

// Sink holds the last committed snapshot.
//
// Cycles build a brand new snapshot (`Reset`) and publish it in one go
// (`Commit`), so readers (`Load`) either see the previous complete snapshot or
// the new complete one, never a half-populated one.
//
type Sink struct {
	current atomic.Pointer[Snapshot]
}

// NewSink returns a sink holding an empty committed snapshot.
//
func NewSink() *Sink {
	s := &Sink{}
	s.current.Store(NewSnapshot())

	return s
}

// Reset starts a new, empty snapshot for a collection cycle. Nothing is
// visible to readers until the snapshot gets committed.
//
func (s *Sink) Reset() *Snapshot {
	return NewSnapshot()
}

// Commit atomically replaces the current snapshot.
//
func (s *Sink) Commit(snapshot *Snapshot) {
	s.current.Store(snapshot)
}

// Load returns the last committed snapshot.
//
func (s *Sink) Load() *Snapshot {
	return s.current.Load()
}
