package loader

// EventType names a loader notification.
type EventType string

const (
	EventSyncInfoUpdate     EventType = "syncinfoupdate"
	EventProgress           EventType = "progress"
	EventTimestampOffset    EventType = "timestampoffset"
	EventSegmentTimeMapping EventType = "segmenttimemapping"
	EventBandwidthUpdate    EventType = "bandwidthupdate"
	EventEarlyAbort         EventType = "earlyabort"
	EventError              EventType = "error"
	EventEnded              EventType = "ended"
	EventResetEverything    EventType = "reseteverything"
	EventDispose            EventType = "dispose"
)

// Event is delivered to handlers on the loader's scheduler.
type Event struct {
	Type EventType
	// Mapping is set for EventSegmentTimeMapping.
	Mapping float64
}

// Handler receives loader events.
type Handler func(Event)

type subscription struct {
	id      int
	handler Handler
}

// On registers h for events of type t and returns a function removing it.
func (l *Loader) On(t EventType, h Handler) func() {
	l.nextHandlerID++
	id := l.nextHandlerID
	l.handlers[t] = append(l.handlers[t], subscription{id: id, handler: h})
	return func() {
		subs := l.handlers[t]
		for i, s := range subs {
			if s.id == id {
				l.handlers[t] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

func (l *Loader) trigger(e Event) {
	subs := append([]subscription(nil), l.handlers[e.Type]...)
	for _, s := range subs {
		s.handler(e)
	}
}

func (l *Loader) emit(t EventType) {
	l.trigger(Event{Type: t})
}

func (l *Loader) off() {
	l.handlers = make(map[EventType][]subscription)
}
