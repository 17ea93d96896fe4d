package broker

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Broker implementation for deterministic tests. It
// does not honor TTL expiry (fields simply persist for the test's duration),
// which is sufficient for exercising queue/worker/watchdog logic without a
// live Redis instance.
type Memory struct {
	mu        sync.Mutex
	lists     map[string][]string
	hashes    map[string]map[string]string
	sorted    map[string]map[string]float64
	subs      map[string][]chan Message
	popSignal chan struct{}
}

// NewMemory builds an empty in-memory broker.
func NewMemory() *Memory {
	return &Memory{
		lists:     make(map[string][]string),
		hashes:    make(map[string]map[string]string),
		sorted:    make(map[string]map[string]float64),
		subs:      make(map[string][]chan Message),
		popSignal: make(chan struct{}, 1),
	}
}

func (m *Memory) notify() {
	select {
	case m.popSignal <- struct{}{}:
	default:
	}
}

func (m *Memory) RPush(_ context.Context, key string, value string) error {
	m.mu.Lock()
	m.lists[key] = append(m.lists[key], value)
	m.mu.Unlock()
	m.notify()
	return nil
}

func (m *Memory) tryPop(keys []string) (string, string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		if vals := m.lists[key]; len(vals) > 0 {
			v := vals[0]
			m.lists[key] = vals[1:]
			return key, v, true
		}
	}
	return "", "", false
}

func (m *Memory) BLPop(ctx context.Context, timeout time.Duration, keys ...string) (string, string, bool, error) {
	if key, val, ok := m.tryPop(keys); ok {
		return key, val, true, nil
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return "", "", false, ctx.Err()
		case <-deadline:
			return "", "", false, nil
		case <-m.popSignal:
			if key, val, ok := m.tryPop(keys); ok {
				return key, val, true, nil
			}
		case <-time.After(20 * time.Millisecond):
			if key, val, ok := m.tryPop(keys); ok {
				return key, val, true, nil
			}
		}
	}
}

func (m *Memory) HSetMany(_ context.Context, key string, fields map[string]string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok || len(h) == 0 {
		return nil, false, nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out, true, nil
}

func (m *Memory) Expire(_ context.Context, _ string, _ time.Duration) error {
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lists, key)
	delete(m.hashes, key)
	delete(m.sorted, key)
	return nil
}

func (m *Memory) ZAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sorted[key]
	if !ok {
		s = make(map[string]float64)
		m.sorted[key] = s
	}
	s[member] = score
	return nil
}

func (m *Memory) ZRem(_ context.Context, key string, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sorted[key]; ok {
		delete(s, member)
	}
	return nil
}

func (m *Memory) ZRangeByScore(_ context.Context, key string, min, max float64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type pair struct {
		member string
		score  float64
	}
	var pairs []pair
	for member, score := range m.sorted[key] {
		if score >= min && score <= max {
			pairs = append(pairs, pair{member, score})
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].score < pairs[j].score })
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.member
	}
	return out, nil
}

func (m *Memory) Publish(_ context.Context, channel string, payload string) error {
	m.mu.Lock()
	subs := append([]chan Message(nil), m.subs[channel]...)
	m.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- Message{Channel: channel, Payload: payload}:
		default:
		}
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, channel string) (Subscription, error) {
	ch := make(chan Message, 32)
	m.mu.Lock()
	m.subs[channel] = append(m.subs[channel], ch)
	m.mu.Unlock()
	return &memSubscription{broker: m, channel: channel, ch: ch}, nil
}

type memSubscription struct {
	broker  *Memory
	channel string
	ch      chan Message
	once    sync.Once
}

func (s *memSubscription) Channel() <-chan Message {
	return s.ch
}

func (s *memSubscription) Close() error {
	s.once.Do(func() {
		s.broker.mu.Lock()
		defer s.broker.mu.Unlock()
		subs := s.broker.subs[s.channel]
		for i, ch := range subs {
			if ch == s.ch {
				s.broker.subs[s.channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(s.ch)
	})
	return nil
}
