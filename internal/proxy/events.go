package proxy

import "time"

// Event is one of the typed notifications a Server emits: RequestObserved,
// ResponseObserved, ErrorRaised, StatusChanged or InterceptDecided.
type Event interface {
	isEvent()
}

// RequestObserved is emitted once the leading request of an intercepted
// session has been parsed, and for every plain HTTP request.
type RequestObserved struct {
	Info RequestInfo
}

// ResponseObserved is emitted when the origin ends an intercepted session.
// StatusCode is always 200; responses are relayed without being parsed.
type ResponseObserved struct {
	Timestamp  time.Time
	Host       string
	StatusCode int
	Duration   time.Duration
}

// ErrorRaised carries a per-session or listener failure.
type ErrorRaised struct {
	Err error
}

// StatusChanged is emitted when the listener starts or stops.
type StatusChanged struct {
	Running bool
	Port    int
}

// InterceptDecided is emitted after the header rewrite of an intercepted
// session.
type InterceptDecided struct {
	Host     string
	Modified bool
}

func (RequestObserved) isEvent()  {}
func (ResponseObserved) isEvent() {}
func (ErrorRaised) isEvent()      {}
func (StatusChanged) isEvent()    {}
func (InterceptDecided) isEvent() {}

// Observer receives events synchronously from the goroutine that produced
// them, so events of one session arrive in order. Implementations must be
// safe for concurrent use and should not block.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

// OnEvent calls f(e).
func (f ObserverFunc) OnEvent(e Event) { f(e) }

type nopObserver struct{}

func (nopObserver) OnEvent(Event) {}

// MultiObserver delivers every event to each non-nil observer in order.
func MultiObserver(observers ...Observer) Observer {
	var list []Observer
	for _, o := range observers {
		if o != nil {
			list = append(list, o)
		}
	}
	return ObserverFunc(func(e Event) {
		for _, o := range list {
			o.OnEvent(e)
		}
	})
}
