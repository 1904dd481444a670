package resolver

// Event wakes a launcher or worker.
type Event int

const (
	ReloadConfig Event = iota + 1
	LaunchNow
	Retry
	Shutdown
)

func (e Event) String() string {
	switch e {
	case ReloadConfig:
		return "reload_config"
	case LaunchNow:
		return "launch_now"
	case Retry:
		return "retry"
	case Shutdown:
		return "shutdown"
	}
	return "unknown"
}

// notify delivers ev without blocking; a pending event already wakes the receiver.
func notify(ch chan Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	default:
		return false
	}
}
