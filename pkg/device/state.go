// Package device owns the connection, enable and reload lifecycle of testbed
// devices. Failures local to one device are reported as result values; the
// caller decides what a batch outcome means.
package device

// State is a device's connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	}
	return "unknown"
}
