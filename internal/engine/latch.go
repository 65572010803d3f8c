package engine

import "sync/atomic"

// OneShot lets an action fire at most once per panel-open lifetime.
type OneShot struct {
	fired atomic.Bool
}

// Fire returns true for the first caller only, until Reset.
func (o *OneShot) Fire() bool {
	return o.fired.CompareAndSwap(false, true)
}

// Reset re-arms the latch for the next open.
func (o *OneShot) Reset() {
	o.fired.Store(false)
}

// Fired reports whether the latch has fired since the last Reset.
func (o *OneShot) Fired() bool {
	return o.fired.Load()
}
