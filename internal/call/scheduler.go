package call

import "time"

// Timer is a pending scheduled callback.
type Timer interface {
	Stop() bool
}

// Scheduler runs callbacks after a delay.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type wallClock struct{}

func (wallClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// WallClock schedules on real time.
func WallClock() Scheduler { return wallClock{} }

// timer is a loop-owned one-shot. A callback that fires after stop or a
// later arm is dropped on the loop.
type timer struct {
	s   *Session
	t   Timer
	seq uint64
}

func (t *timer) arm(d time.Duration, f func()) {
	t.stop()
	seq := t.seq
	t.t = t.s.sched.AfterFunc(d, func() {
		t.s.post(func() {
			if t.seq != seq {
				return
			}
			t.t = nil
			f()
		})
	})
}

func (t *timer) stop() {
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
	t.seq++
}

func (t *timer) active() bool { return t.t != nil }
