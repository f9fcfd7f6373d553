package processor

import "time"

// Clock supplies monotonic milliseconds for frame timestamps and latency.
type Clock interface {
	NowMs() int64
}

var processStart = time.Now()

type monotonicClock struct{}

// NowMs is the time since process start; time.Since uses the monotonic reading.
func (monotonicClock) NowMs() int64 {
	return time.Since(processStart).Milliseconds()
}

func MonotonicClock() Clock {
	return monotonicClock{}
}
