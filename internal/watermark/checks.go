// Licensed under the MIT License. See LICENSE file in the project root for details.

package watermark

// invariant panics when checks are compiled in and cond is false.
// Violations are programming errors, never recoverable conditions.
func invariant(cond bool, msg string) {
	if checksEnabled && !cond {
		panic("stackbarrier: invariant violated: " + msg)
	}
}

// assertLocked panics when checks are compiled in and w.mu is not held.
// sync.Mutex has no owner, so this only proves somebody holds it.
func (w *Watermark) assertLocked() {
	if checksEnabled && w.mu.TryLock() {
		w.mu.Unlock()
		panic("stackbarrier: invariant violated: watermark lock not held")
	}
}
