package eventbus

import "sync/atomic"

// Admission is the broker-side bounded-concurrency gate. The in-flight
// counter is a plain atomic scalar, not a mutex-guarded
// struct: increment/decrement are the only operations and must never block.
type Admission struct {
	maxInflight  int64
	inflight     int64
	overloadMode atomic.Bool
}

func NewAdmission(maxInflight int) *Admission {
	return &Admission{maxInflight: int64(maxInflight)}
}

// SetOverloadMode is the operator-driven load-shedding toggle; it forces
// RETRY on every request regardless of the in-flight count.
func (a *Admission) SetOverloadMode(on bool) { a.overloadMode.Store(on) }

func (a *Admission) OverloadMode() bool { return a.overloadMode.Load() }

// Enter attempts to admit one request. ok is false if the request must be
// shed; when false, the caller must not call Leave. When ok is true, the
// caller MUST call the returned leave func exactly once on every exit path.
func (a *Admission) Enter() (leave func(), ok bool) {
	if a.overloadMode.Load() {
		return nil, false
	}
	n := atomic.AddInt64(&a.inflight, 1)
	if n > a.maxInflight {
		atomic.AddInt64(&a.inflight, -1)
		return nil, false
	}
	left := false
	return func() {
		if left {
			return
		}
		left = true
		atomic.AddInt64(&a.inflight, -1)
	}, true
}

func (a *Admission) Inflight() int64 { return atomic.LoadInt64(&a.inflight) }

// BackoffHintMs returns a bounded hint proportional to how far over
// max_inflight the broker currently is.
func (a *Admission) BackoffHintMs() uint32 {
	over := atomic.LoadInt64(&a.inflight) - a.maxInflight
	if over <= 0 {
		return 50
	}
	hint := 50 + over*10
	if hint > 5000 {
		hint = 5000
	}
	return uint32(hint)
}
