package xget

// EventKind tags the variant carried by an Event. Go has no EventEmitter,
// so the orchestrator's event stream (spec §4.5) is realized as a single
// ordered channel of a tagged union, the idiomatic replacement.
type EventKind int

const (
	EventLoaded EventKind = iota
	EventSet
	EventRetry
	EventEnd
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventLoaded:
		return "loaded"
	case EventSet:
		return "set"
	case EventRetry:
		return "retry"
	case EventEnd:
		return "end"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// RetryInfo accompanies an EventRetry event.
type RetryInfo struct {
	Index      int // segment index; meaningless (0) when Meta is true
	Meta       bool
	RetryCount int
	MaxRetries int
	BytesRead  int64
	TotalBytes int64
	LastErr    error
}

// Event is one entry in a Fetcher's event stream.
type Event struct {
	Kind  EventKind
	Load  *LoadData  // set when Kind == EventLoaded
	Retry *RetryInfo // set when Kind == EventRetry
	Err   error      // set when Kind == EventError
}
