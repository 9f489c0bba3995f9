// ABOUTME: Startup recovery restarting sessions that should be live after a restart

package session

import (
	"context"
	"sync"
)

// RecoveryReport summarizes a recovery pass.
type RecoveryReport struct {
	Recovered []string
	Failed    map[string]error
}

// RecoverSessions restarts every session whose stored status implies it
// should be live. Sessions are started concurrently; one failure does not
// block the others.
func (m *Manager) RecoverSessions(ctx context.Context) (*RecoveryReport, error) {
	sessions, err := m.store.ListRecoverableSessions(ctx)
	if err != nil {
		return nil, err
	}

	report := &RecoveryReport{Failed: make(map[string]error)}
	if len(sessions) == 0 {
		m.logger.Info("no sessions to recover")
		return report, nil
	}

	m.logger.Info("recovering sessions", "count", len(sessions))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			err := m.StartSession(ctx, id)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed[id] = err
				m.logger.Error("recovering session failed", "session_id", id, "error", err)
				return
			}
			report.Recovered = append(report.Recovered, id)
		}(sess.ID)
	}
	wg.Wait()

	m.logger.Info("session recovery complete",
		"recovered", len(report.Recovered), "failed", len(report.Failed))
	return report, nil
}
