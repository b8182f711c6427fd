package reconnect

import "time"

// Policy maps a reconnect attempt to the wait before it. Attempts past the
// end of Steps wait Cap.
type Policy struct {
	Steps []time.Duration
	Cap   time.Duration
}

// Default backs off from 1s to 15s in groups of three, then waits 30s.
var Default = Policy{
	Steps: []time.Duration{
		time.Second, time.Second, time.Second,
		5 * time.Second, 5 * time.Second, 5 * time.Second,
		15 * time.Second, 15 * time.Second, 15 * time.Second,
	},
	Cap: 30 * time.Second,
}

func (p Policy) Delay(attempt int) time.Duration {
	switch {
	case len(p.Steps) == 0:
		return p.Cap
	case attempt < 0:
		return p.Steps[0]
	case attempt < len(p.Steps):
		return p.Steps[attempt]
	default:
		return p.Cap
	}
}

// Delay applies the Default policy.
func Delay(attempt int) time.Duration { return Default.Delay(attempt) }
