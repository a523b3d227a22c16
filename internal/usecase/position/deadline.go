package position

import "time"

// coldStartTimeout is the default deadline for one-shot requests when the
// caller supplies no timeout. First-fix acquisition from a cold receiver is
// slow; a tighter default would spuriously time out routine first requests.
const coldStartTimeout = 120000 * time.Millisecond

// deadline is a single-shot countdown for one-shot position requests.
// All methods must run on the loop goroutine; expiry is delivered there
// too, so firing never races a state transition.
type deadline struct {
	loop     *loop
	onExpire func()

	timer   *time.Timer
	running bool
	gen     uint64
	last    time.Duration // most recent armed duration
}

// arm starts the countdown. Re-arming while already armed is rejected;
// callers check armed() first. A zero timeout selects the cold-start
// default.
func (d *deadline) arm(timeout time.Duration) bool {
	if d.running {
		return false
	}
	if timeout == 0 {
		timeout = coldStartTimeout
	}
	d.gen++
	d.last = timeout
	d.running = true

	gen := d.gen
	d.timer = time.AfterFunc(timeout, func() {
		d.loop.post(func() { d.fire(gen) })
	})
	return true
}

// fire delivers an expiry. A fire for a cancelled or superseded arm is
// discarded.
func (d *deadline) fire(gen uint64) {
	if !d.running || gen != d.gen {
		return
	}
	d.running = false
	d.onExpire()
}

// cancel stops the countdown; idempotent.
func (d *deadline) cancel() {
	if !d.running {
		return
	}
	d.running = false
	if d.timer != nil {
		d.timer.Stop()
	}
}

func (d *deadline) armed() bool { return d.running }
