package chat

import (
	"context"
	"time"
)

// The inactivity monitor polls while a session is active and auto-ends it
// once no qualifying interaction has been seen for the configured timeout.
// It is started on session activation and stopped on every exit path:
// normal end, widget-side end, CloseAndRedirect, and store Close.

// startMonitorLocked launches the poll goroutine. Caller holds s.mu.
func (s *Store) startMonitorLocked() {
	s.stopMonitorLocked()
	stop := make(chan struct{})
	s.monitorStop = stop

	go s.monitorLoop(stop)
}

// stopMonitorLocked cancels the poll goroutine if one is running. Caller
// holds s.mu.
func (s *Store) stopMonitorLocked() {
	if s.monitorStop != nil {
		close(s.monitorStop)
		s.monitorStop = nil
	}
}

func (s *Store) monitorLoop(stop chan struct{}) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.checkIdle() {
				return
			}
		case <-stop:
			return
		}
	}
}

// checkIdle returns true once the session has been ended (by this check or
// anything else) and the loop should exit.
func (s *Store) checkIdle() bool {
	s.mu.Lock()
	if s.closed || !s.state.IsChatActive {
		s.mu.Unlock()
		return true
	}
	idle := s.now().Sub(s.lastTouch)
	if idle < s.inactivityTimeout {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	s.logger.Info("Ending chat session after inactivity", "idle", idle)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.EndChat(ctx)

	s.mu.Lock()
	s.state.Notice = inactivityNotice
	s.mu.Unlock()
	s.publish()
	return true
}
