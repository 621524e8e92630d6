// Package dispatcher routes operator control commands received on the uplink
// to the device sessions, applying per-session and daily limits.
package dispatcher

import "sync"

type devLock struct {
	mu   sync.Mutex
	refs int
}

// lockDevice serializes commands for one device so a check made by a
// Condition still holds when its Handler runs. The entry is dropped when no
// command holds or waits for it.
func (d *Dispatcher) lockDevice(id string) (unlock func()) {
	d.stateMu.Lock()
	l, ok := d.devLocks[id]
	if !ok {
		l = &devLock{}
		d.devLocks[id] = l
	}
	l.refs++
	d.stateMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		d.stateMu.Lock()
		defer d.stateMu.Unlock()
		l.refs--
		if l.refs == 0 {
			delete(d.devLocks, id)
		}
	}
}
