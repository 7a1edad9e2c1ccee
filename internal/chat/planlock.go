package chat

import (
	"log/slog"
	"sync"
)

// PlanSwitchLock keeps the plan-switcher lock in lockstep with session
// activity: lock when a session becomes active, unlock when it stops being
// active. It holds no state beyond the previously observed flags, and
// re-evaluating an unchanged state performs no store mutation.
type PlanSwitchLock struct {
	mu         sync.Mutex
	store      *Store
	logger     *slog.Logger
	lastActive bool
}

// WatchPlanSwitcher attaches a PlanSwitchLock to the store and returns it
// along with the unsubscribe function.
func WatchPlanSwitcher(store *Store, logger *slog.Logger) (*PlanSwitchLock, func()) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &PlanSwitchLock{store: store, logger: logger}
	unsubscribe := store.Subscribe(l.observe)
	return l, unsubscribe
}

func (l *PlanSwitchLock) observe(state State) {
	l.mu.Lock()
	changed := state.IsChatActive != l.lastActive
	l.lastActive = state.IsChatActive
	l.mu.Unlock()

	if !changed {
		return
	}

	// Only mutate when the lock actually disagrees with the session flag;
	// the steady state is IsPlanSwitcherLocked == IsChatActive.
	if state.IsChatActive && !state.IsPlanSwitcherLocked {
		l.logger.Debug("Locking plan switcher for active chat session")
		l.store.SetPlanSwitcherLocked(true)
	} else if !state.IsChatActive && state.IsPlanSwitcherLocked {
		l.logger.Debug("Unlocking plan switcher")
		l.store.SetPlanSwitcherLocked(false)
	}
}
