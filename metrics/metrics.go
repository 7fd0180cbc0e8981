package metrics

import "time"

// Recorder receives payment verification events. Labels "network" and
// "status" are understood; others are ignored.
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}
