package router

import "math"

// UnknownHostName is the host name reported for devices that don't advertise
// one.
//
const UnknownHostName = "unknown"

// Device is a single entry of the router's device list.
//
type Device struct {
	// MAC is the hardware address of the device, taken verbatim from the
	// router.
	//
	MAC string

	// HostName is the name the device announced itself with, or
	// `UnknownHostName`.
	//
	HostName string

	// Alive is the router's liveness flag. Only `1` means connected.
	//
	Alive int

	// LastSeen is the leading numeric part of `lastSeeTime`.
	//
	LastSeen int64

	// Active is the leading numeric part of `activeTime`.
	//
	Active int64
}

// IsAlive tells whether the router considers the device connected.
//
func (d Device) IsAlive() bool {
	return d.Alive == 1
}

// ConnectionDuration is the number of seconds the device has been connected
// for.
//
func (d Device) ConnectionDuration() int64 {
	return ConnectionDuration(d.LastSeen, d.Active)
}

// ConnectionDuration computes `lastSeen - active`, clamped at zero so that
// clock skew on the router never yields a negative duration.
//
//	f(100, 40) -> 60
//	f(10, 50)  -> 0
//
func ConnectionDuration(lastSeen, active int64) int64 {
	if lastSeen <= active {
		return 0
	}

	d := lastSeen - active
	if d < 0 {
		// overflowed int64.
		return math.MaxInt64
	}

	return d
}
