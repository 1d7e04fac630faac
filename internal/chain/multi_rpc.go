package chain

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// MultiRPCClient sticks to one endpoint and moves to the next one after
// failThreshold consecutive failures. A failed call is tried once on every
// other endpoint before the error is returned.
type MultiRPCClient struct {
	clients       []*RPCClient
	index         int
	failCount     int
	failThreshold int
	mu            sync.Mutex
}

func NewMultiRPCClient(endpoints []string, failThreshold int, opts Options) (*MultiRPCClient, error) {
	list := sanitizeEndpoints(endpoints)
	if len(list) == 0 {
		return nil, errors.New("rpc endpoints is empty")
	}
	if failThreshold <= 0 {
		failThreshold = 3
	}
	clients := make([]*RPCClient, 0, len(list))
	for _, ep := range list {
		c, err := NewRPCClient(ep, opts)
		if err != nil {
			for _, opened := range clients {
				opened.Close()
			}
			return nil, err
		}
		clients = append(clients, c)
	}
	return &MultiRPCClient{
		clients:       clients,
		failThreshold: failThreshold,
	}, nil
}

func (m *MultiRPCClient) BaseURL() string {
	c, _ := m.currentClient()
	return c.baseURL
}

func (m *MultiRPCClient) Close() {
	for _, c := range m.clients {
		c.Close()
	}
}

func (m *MultiRPCClient) LatestBlockNumber(ctx context.Context) (uint64, error) {
	return withFailover(ctx, m, func(c *RPCClient) (uint64, error) {
		return c.LatestBlockNumber(ctx)
	})
}

func (m *MultiRPCClient) BlocksByNumber(ctx context.Context, from, to uint64) ([]Block, error) {
	return withFailover(ctx, m, func(c *RPCClient) ([]Block, error) {
		return c.BlocksByNumber(ctx, from, to)
	})
}

func (m *MultiRPCClient) TransferLogs(ctx context.Context, token, recipient string, from, to uint64) ([]TransferLog, error) {
	return withFailover(ctx, m, func(c *RPCClient) ([]TransferLog, error) {
		return c.TransferLogs(ctx, token, recipient, from, to)
	})
}

func (m *MultiRPCClient) ReceiptStatus(ctx context.Context, txHash string) (uint64, error) {
	return withFailover(ctx, m, func(c *RPCClient) (uint64, error) {
		return c.ReceiptStatus(ctx, txHash)
	})
}

func withFailover[T any](ctx context.Context, m *MultiRPCClient, call func(*RPCClient) (T, error)) (T, error) {
	var zero T
	_, start := m.currentClient()

	var lastErr error
	for attempt := 0; attempt < len(m.clients); attempt++ {
		idx := (start + attempt) % len(m.clients)
		out, err := call(m.clients[idx])
		if err == nil {
			m.resetFailures(idx)
			return out, nil
		}
		lastErr = err
		if errors.Is(err, ErrInvalidAddress) || ctx.Err() != nil {
			break
		}
		m.noteFailure(idx)
		if m.shouldRotate() {
			m.rotate()
		}
	}
	return zero, lastErr
}

func (m *MultiRPCClient) currentClient() (*RPCClient, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[m.index], m.index
}

func (m *MultiRPCClient) resetFailures(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == idx {
		m.failCount = 0
	}
}

func (m *MultiRPCClient) noteFailure(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == idx {
		m.failCount++
	}
}

func (m *MultiRPCClient) shouldRotate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failCount >= m.failThreshold
}

func (m *MultiRPCClient) rotate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.index = (m.index + 1) % len(m.clients)
	m.failCount = 0
}

func sanitizeEndpoints(endpoints []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		ep = strings.TrimSpace(ep)
		if ep == "" {
			continue
		}
		ep = strings.TrimRight(ep, "/")
		if _, ok := seen[ep]; ok {
			continue
		}
		seen[ep] = struct{}{}
		out = append(out, ep)
	}
	return out
}
