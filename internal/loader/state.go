package loader

// State is the lifecycle state of a Loader.
type State string

const (
	// StateInit waits for a playlist and a sink format.
	StateInit State = "INIT"
	// StateReady may start a new request on the next poll.
	StateReady State = "READY"
	// StateWaiting has a request in flight.
	StateWaiting State = "WAITING"
	// StateAppending is handing a segment to the sink.
	StateAppending State = "APPENDING"
	// StateDisposed is terminal.
	StateDisposed State = "DISPOSED"
)

func (s State) String() string {
	return string(s)
}

// setState is the only writer of l.state. DISPOSED is never left.
func (l *Loader) setState(next State) {
	if next == l.state || l.state == StateDisposed {
		return
	}
	l.logger.Debugf("%s -> %s", l.state, next)
	l.state = next
}
