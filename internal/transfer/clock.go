package transfer

import "time"

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock reads wall time; its values carry the monotonic reading.
var SystemClock Clock = systemClock{}
