// Package pipeline implements the in-pipeline set: a process-wide mapping of
// messageId -> InFlightMessage used to deduplicate concurrent redeliveries
// and to let a redelivered copy's receipt handle flow back to the original
// in-flight entry.
package pipeline

import (
	"sync"
	"time"
)

// InFlightMessage is a pointer that has entered the pipeline.
type InFlightMessage struct {
	MessageID       string
	BrokerMessageID string
	QueueID         string
	PoolCode        string
	AddedAtMillis   int64

	mu            sync.Mutex
	updateReceipt func(handle string)
	inProgress    func() error
}

// Callbacks carries the broker callbacks an in-flight entry needs after
// enqueue: receipt-handle refresh on redelivery and advisory visibility
// extension for long-running work. Brokers without receipt handles supply
// nil funcs.
type Callbacks struct {
	UpdateReceiptHandle func(handle string)
	InProgress          func() error
}

// UpdateReceiptHandle forwards a new receipt handle to this in-flight
// message's original callback, if one was registered.
func (m *InFlightMessage) UpdateReceiptHandle(handle string) {
	m.mu.Lock()
	fn := m.updateReceipt
	m.mu.Unlock()
	if fn != nil {
		fn(handle)
	}
}

// AddResult is returned by TryAdd.
type AddResult struct {
	Added    bool
	Existing *InFlightMessage

	// RefreshedReceipt is true when the add was rejected because the broker
	// redelivered the message under a new receipt handle and the original
	// entry's handle was refreshed. The caller should ACK the redelivered
	// copy to prevent head-of-line blocking.
	RefreshedReceipt bool
}

// Set is the in-pipeline set. Zero value is not usable; use New.
type Set struct {
	byMessageID sync.Map // messageId -> *InFlightMessage
	byBrokerID  sync.Map // brokerMessageId -> messageId, for redelivery detection
}

// New creates an empty in-pipeline set.
func New() *Set {
	return &Set{}
}

// TryAdd atomically test-and-sets messageId into the pipeline. If an entry
// already exists for messageId with a different brokerMessageId, the broker
// has redelivered the same logical message while it is still processing: the
// existing entry's receipt handle is refreshed via updateReceiptHandle and
// Added=false, Existing is returned so the caller can ACK the redelivered
// copy immediately to avoid head-of-line blocking. If an entry exists with
// the SAME brokerMessageId, this is treated as already in flight (duplicate
// delivery within the same batch) and Added=false is returned without
// touching the receipt handle.
func (s *Set) TryAdd(messageID, brokerMessageID, queueID, poolCode string, callbacks Callbacks) AddResult {
	existingAny, loaded := s.byMessageID.LoadOrStore(messageID, &InFlightMessage{
		MessageID:       messageID,
		BrokerMessageID: brokerMessageID,
		QueueID:         queueID,
		PoolCode:        poolCode,
		AddedAtMillis:   time.Now().UnixMilli(),
		updateReceipt:   callbacks.UpdateReceiptHandle,
		inProgress:      callbacks.InProgress,
	})
	if !loaded {
		s.byBrokerID.Store(brokerMessageID, messageID)
		return AddResult{Added: true}
	}

	existing := existingAny.(*InFlightMessage)
	if existing.BrokerMessageID != brokerMessageID && brokerMessageID != "" {
		// Redelivery of the same logical message under a new broker receipt:
		// refresh the original's handle so its eventual ACK uses it.
		existing.mu.Lock()
		existing.BrokerMessageID = brokerMessageID
		existing.mu.Unlock()
		existing.UpdateReceiptHandle(brokerMessageID)
		return AddResult{Added: false, Existing: existing, RefreshedReceipt: true}
	}
	return AddResult{Added: false, Existing: existing}
}

// Remove is called exactly once, from the worker, at terminal outcome for
// messageId.
func (s *Set) Remove(messageID string) {
	v, ok := s.byMessageID.LoadAndDelete(messageID)
	if !ok {
		return
	}
	m := v.(*InFlightMessage)
	s.byBrokerID.Delete(m.BrokerMessageID)
}

// Contains reports whether messageId is currently in the pipeline.
func (s *Set) Contains(messageID string) bool {
	_, ok := s.byMessageID.Load(messageID)
	return ok
}

// Size returns the current number of in-flight entries. Used by leak
// detection and the health subsystem's read-only snapshot.
func (s *Set) Size() int {
	n := 0
	s.byMessageID.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Snapshot returns a read-only copy of all in-flight entries, for inspection
// by the health subsystem (e.g. the monitoring in-flight-messages endpoint).
func (s *Set) Snapshot() []*InFlightMessage {
	out := make([]*InFlightMessage, 0)
	s.byMessageID.Range(func(_, v any) bool {
		out = append(out, v.(*InFlightMessage))
		return true
	})
	return out
}

// ExtendVisibility invokes the advisory in-progress callback on every entry
// added before cutoffMillis, returning how many were extended. The consumer
// uses this to keep broker visibility covering long-running mediation.
func (s *Set) ExtendVisibility(cutoffMillis int64) int {
	extended := 0
	s.byMessageID.Range(func(_, v any) bool {
		m := v.(*InFlightMessage)
		if m.AddedAtMillis >= cutoffMillis {
			return true
		}
		m.mu.Lock()
		fn := m.inProgress
		m.mu.Unlock()
		if fn == nil {
			return true
		}
		if err := fn(); err == nil {
			extended++
		}
		return true
	})
	return extended
}

// RemoveOlderThan removes entries added before cutoffMillis, returning the
// removed message IDs. Used by leak-detection sweeps to recover from a
// worker that crashed without calling Remove.
func (s *Set) RemoveOlderThan(cutoffMillis int64) []string {
	var stale []string
	s.byMessageID.Range(func(k, v any) bool {
		m := v.(*InFlightMessage)
		if m.AddedAtMillis < cutoffMillis {
			stale = append(stale, k.(string))
		}
		return true
	})
	for _, id := range stale {
		s.Remove(id)
	}
	return stale
}
