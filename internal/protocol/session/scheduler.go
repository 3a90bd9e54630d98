package session

import "time"

// Timer is a cancelable pending callback.
type Timer interface {
	Stop() bool
}

// Scheduler is the only source of spontaneous wake-ups in a Transport
// (reconnect backoff and heartbeat). Tests substitute a manual clock.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealScheduler returns the wall-clock scheduler.
func RealScheduler() Scheduler {
	return realScheduler{}
}
