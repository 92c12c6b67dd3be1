package balance

// withBoundary wraps an operation in the ledger's reentrant atomic boundary.
//
// A nesting level is tracked per Ledger instance: the store boundary is
// begun only on the 0→1 transition and committed or rolled back only on the
// 1→0 transition, so composite operations (Transfer calling Decrease and
// Increase, Revert calling Transfer) execute as one atomic unit. Errors
// propagate immediately from any level; the rollback against the store is
// issued exactly once, by the frame that brings the level back to zero.
func (l *Ledger) withBoundary(fn func() error) (err error) {
	if !l.cfg.Atomic || l.txStore == nil {
		return fn()
	}

	if l.boundaryLevel == 0 {
		if !l.cfg.NestedBoundaries && l.txStore.BoundaryDepth() > 0 {
			// The caller already holds a boundary on the store and nesting is
			// disabled: participate in it and leave commit/rollback to the
			// caller entirely.
			return fn()
		}
		if err := l.txStore.Begin(); err != nil {
			return err
		}
	}

	l.boundaryLevel++
	defer func() {
		l.boundaryLevel--
		if l.boundaryLevel > 0 {
			return
		}

		if p := recover(); p != nil {
			l.rollback()
			panic(p)
		}
		if err != nil {
			l.rollback()
			return
		}
		err = l.txStore.Commit()
	}()

	err = fn()
	return err
}

func (l *Ledger) rollback() {
	if rbErr := l.txStore.Rollback(); rbErr != nil {
		l.logger.Error("boundary rollback failed", "error", rbErr)
	}
}
