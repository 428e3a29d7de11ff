package broker

import (
	"context"
	"sync"

	"microchat/internal/config"
)

// Memory 是进程内实现，用于单实例开发模式与测试。
type Memory struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySub]struct{}
	closed bool
}

type memorySub struct {
	m       *Memory
	channel string
	h       Handler
	once    sync.Once
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[*memorySub]struct{})}
}

// Publish 在调用方 goroutine 上依次调用订阅者，handler 不应阻塞。
func (m *Memory) Publish(ctx context.Context, channel string, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	env.Channel = channel
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	subs := make([]*memorySub, 0, len(m.subs[channel]))
	for s := range m.subs[channel] {
		subs = append(subs, s)
	}
	m.mu.RUnlock()

	for _, s := range subs {
		s.h(env)
	}
	return nil
}

func (m *Memory) Subscribe(channel string, h Handler) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	s := &memorySub{m: m, channel: channel, h: h}
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[*memorySub]struct{})
	}
	m.subs[channel][s] = struct{}{}
	return s, nil
}

// Subscribers 返回频道当前的订阅数。
func (m *Memory) Subscribers(channel string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[channel])
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subs = make(map[string]map[*memorySub]struct{})
	return nil
}

func (s *memorySub) Unsubscribe() error {
	s.once.Do(func() {
		s.m.mu.Lock()
		defer s.m.mu.Unlock()
		if set, ok := s.m.subs[s.channel]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.m.subs, s.channel)
			}
		}
	})
	return nil
}

// Open 按 URL 选择实现：memory 为单实例模式，其余视为 NATS 地址。
func Open(url, name string) (Broker, error) {
	if url == config.MemoryDriver {
		return NewMemory(), nil
	}
	n, err := DialNATS(url, name)
	if err != nil {
		return nil, err
	}
	return n, nil
}
