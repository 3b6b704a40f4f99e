package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// backoffDelay returns the wait before reconnect attempt (zero-based).
// The base delay doubles each attempt: 2s, 4s, 8s with the defaults.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// Past 30 doublings the shift would overflow; everything real is
	// capped far below that by MaxRetries anyway.
	if attempt > 30 {
		attempt = 30
	}
	return base << uint(attempt)
}

// connectionLost is the read loop's exit path. A transition that
// already happened (manual disconnect, a newer connection) makes the
// call stale and it does nothing. Otherwise the manager enters
// StateReconnecting and the retry loop starts.
func (m *Manager) connectionLost(epoch uint64, cause error) {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	m.teardownConnLocked()
	if m.closed.Load() {
		m.setStateLocked(StateDisconnected, "closed")
		m.mu.Unlock()
		return
	}
	next := m.bumpEpochLocked()
	m.setStateLocked(StateReconnecting, "connection lost")
	m.mu.Unlock()

	m.log.Warn("signaling connection lost", "err", cause)
	m.emit(Event{Kind: EventDisconnected, Err: cause, Reason: "connection lost"})
	go m.reconnectLoop(next)
}

// reconnectLoop retries the connection with exponential backoff until
// it succeeds, the manager moves on without it, or MaxRetries attempts
// have failed. Success replays the room join and the queued envelopes
// flush inside establish.
func (m *Manager) reconnectLoop(epoch uint64) {
	for attempt := 0; attempt < m.cfg.MaxRetries; attempt++ {
		delay := backoffDelay(m.cfg.RetryDelay, attempt)
		m.log.Info("reconnecting", "attempt", attempt+1, "max", m.cfg.MaxRetries, "delay", delay)
		select {
		case <-m.done:
			return
		case <-time.After(delay):
		}
		m.mu.Lock()
		stale := m.epoch != epoch || m.state != StateReconnecting
		m.mu.Unlock()
		if stale {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Timeout)
		err := m.establish(ctx, epoch)
		cancel()
		if err == nil {
			m.reconnects.Add(1)
			m.cfg.Metrics.incReconnects()
			m.log.Info("reconnected", "attempt", attempt+1)
			m.rejoinRoom()
			return
		}
		if errors.Is(err, ErrClosed) {
			return
		}
		m.log.Warn("reconnect attempt failed", "attempt", attempt+1, "err", err)
	}

	m.mu.Lock()
	if m.epoch != epoch || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	// Exhaustion settles into disconnected, not error: StateError is
	// reserved for a failed manual Connect. No further automatic
	// attempts run until the caller reconnects.
	m.setStateLocked(StateDisconnected, "max retries")
	m.mu.Unlock()

	err := fmt.Errorf("transport: gave up after %d reconnect attempts", m.cfg.MaxRetries)
	m.log.Error("reconnect abandoned", "attempts", m.cfg.MaxRetries)
	m.clearPeers("transport failed")
	m.emit(Event{Kind: EventError, Err: err, Reason: "max retries exceeded"})
	m.emit(Event{Kind: EventDisconnected, Err: err, Reason: "max retries"})
}
