package hub

// State is the lifecycle position of a session.
type State int32

const (
	Connecting      State = iota // transport handshake in progress
	AwaitingChannel              // transport attached, no channel opened yet
	Active                       // registered and receiving broadcasts
	Disconnecting                // client asked to disconnect
	Closed                       // torn down; terminal
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case AwaitingChannel:
		return "AwaitingChannel"
	case Active:
		return "Active"
	case Disconnecting:
		return "Disconnecting"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Outcome tells the transport what to do after an inbound data event.
type Outcome int

const (
	// Continue keeps the session running.
	Continue Outcome = iota
	// Disconnect ends the session; the transport closes the connection.
	Disconnect
)

// Close reasons recorded in logs and metrics.
const (
	ReasonNormal     = "normal"
	ReasonDisconnect = "disconnect"
	ReasonError      = "error"
	ReasonShutdown   = "shutdown"
)
