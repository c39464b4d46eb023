package datablock

// relock.go isolates the owning-worker reentrancy guard from the rest
// of the coherence engine in datablock.go, grounded on the same
// original_source lockable-datablock.h owning-worker pointer as the
// rest of the package: a compute worker that already holds a DB's
// runtime lock (from a prior acquire on the same EDT) must be allowed
// to re-enter without blocking on itself.

// TryOwn attempts to record worker as the DB lock's reentrant owner,
// returning true if worker already owns it (reentrant acquire should
// be skipped) per section 5's owning-worker rule.
func (d *DataBlock) TryOwn(worker any) (alreadyOwned bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.owningWorker == worker {
		return true
	}
	d.owningWorker = worker
	return false
}

// ReleaseOwn clears the reentrancy owner.
func (d *DataBlock) ReleaseOwn() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.owningWorker = nil
}
