// A thin wrapper over the system clock which can be implemented for use in tests.
package clock

import "time"

type Clock interface {
	CurrentTimeNs() int64
	CurrentTimeMs() uint64
	Now() time.Time
}

type systemClock struct{}

func NewSystemClock() Clock {
	return &systemClock{}
}

func (sc *systemClock) CurrentTimeNs() int64 {
	return time.Now().UnixNano()
}

func (sc *systemClock) CurrentTimeMs() uint64 {
	return uint64(sc.CurrentTimeNs() / 1000000)
}

func (sc *systemClock) Now() time.Time {
	return time.Now()
}

// A clock that only moves when told to.
type FixedClock struct {
	Ns int64
}

func (fc *FixedClock) CurrentTimeNs() int64 {
	return fc.Ns
}

func (fc *FixedClock) CurrentTimeMs() uint64 {
	return uint64(fc.Ns / 1000000)
}

func (fc *FixedClock) Now() time.Time {
	return time.Unix(0, fc.Ns)
}

func (fc *FixedClock) Advance(d time.Duration) {
	fc.Ns += int64(d)
}
