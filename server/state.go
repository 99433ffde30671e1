package server

// ConnectionState is a stage of connection lifecycle.
type ConnectionState int32

// Connection moves through the states in order. StateClosed is terminal.
const (
	StateConnecting ConnectionState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}
