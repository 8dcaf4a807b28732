package observability

import "rentalpay/core/events"

// EventCounter returns an emitter that counts every committed ledger event.
func (m *LedgerMetrics) EventCounter() events.Emitter {
	return events.EmitterFunc(func(evt events.Event) {
		if evt == nil {
			return
		}
		m.RecordEvent(evt.EventType())
	})
}
