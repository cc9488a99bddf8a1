// Package networking tracks delivery health for outbound room broadcasts.
package networking

import "sync"

// DeliveryMetrics tracks payload sizes and delivery outcomes for room fan-out.
type DeliveryMetrics struct {
	mu         sync.RWMutex
	bytes      map[string]int64
	broadcasts int64
	delivered  int64
	skipped    int64
	dropped    int64
}

// DeliveryTotals summarises the cumulative counters.
type DeliveryTotals struct {
	Broadcasts int64
	Delivered  int64
	Skipped    int64
	Dropped    int64
}

// NewDeliveryMetrics constructs an empty metrics tracker.
func NewDeliveryMetrics() *DeliveryMetrics {
	return &DeliveryMetrics{bytes: make(map[string]int64)}
}

// ObserveBroadcast records one fan-out of payloadBytes. delivered counts the
// connections that accepted the frame, skipped those whose queue was full or
// already closed.
func (m *DeliveryMetrics) ObserveBroadcast(payloadBytes, delivered, skipped int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.broadcasts++
	if delivered > 0 {
		m.delivered += int64(delivered)
	}
	if skipped > 0 {
		m.skipped += int64(skipped)
	}
	m.mu.Unlock()
}

// ObserveDelivery records the latest frame size accepted by a connection.
func (m *DeliveryMetrics) ObserveDelivery(connID string, payloadBytes int) {
	if m == nil || connID == "" {
		return
	}
	//1.- Promote the payload size to int64 for consistent accumulation.
	size := int64(payloadBytes)
	if size < 0 {
		size = 0
	}
	//2.- Update the gauge while holding the mutex.
	m.mu.Lock()
	m.bytes[connID] = size
	m.mu.Unlock()
}

// ObserveDrop counts a connection evicted because it could not keep up.
func (m *DeliveryMetrics) ObserveDrop() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.dropped++
	m.mu.Unlock()
}

// ForgetConnection removes the tracked gauge for a closed connection.
func (m *DeliveryMetrics) ForgetConnection(connID string) {
	if m == nil || connID == "" {
		return
	}
	m.mu.Lock()
	delete(m.bytes, connID)
	m.mu.Unlock()
}

// BytesPerConnection returns a copy of the latest delivered frame size per connection.
func (m *DeliveryMetrics) BytesPerConnection() map[string]int64 {
	if m == nil {
		return nil
	}
	//1.- Copy the gauge map to shield callers from concurrent mutation.
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.bytes) == 0 {
		return nil
	}
	out := make(map[string]int64, len(m.bytes))
	for connID, size := range m.bytes {
		out[connID] = size
	}
	return out
}

// Totals returns the cumulative counters.
func (m *DeliveryMetrics) Totals() DeliveryTotals {
	if m == nil {
		return DeliveryTotals{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return DeliveryTotals{
		Broadcasts: m.broadcasts,
		Delivered:  m.delivered,
		Skipped:    m.skipped,
		Dropped:    m.dropped,
	}
}
