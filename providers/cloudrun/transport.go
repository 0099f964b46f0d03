package cloudrun

import (
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	dialTimeout      = 10 * time.Second
	responseTimeout  = 60 * time.Second
	tlsTimeout       = 10 * time.Second
	keepAliveExpiry  = 5 * time.Minute
	maxConns         = 20
	maxIdleConnsHost = 10
)

// connManager owns the single pooled HTTP client. The client is built
// on first use and discarded after a persistent network failure so the
// next call gets fresh sockets instead of a poisoned one.
type connManager struct {
	build func() *http.Client

	mu     sync.Mutex
	client *http.Client
}

func newConnManager(build func() *http.Client) *connManager {
	if build == nil {
		build = newPooledClient
	}
	return &connManager{build: build}
}

func newPooledClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   dialTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          maxConns,
			MaxIdleConnsPerHost:   maxIdleConnsHost,
			IdleConnTimeout:       keepAliveExpiry,
			TLSHandshakeTimeout:   tlsTimeout,
			ResponseHeaderTimeout: responseTimeout,
		},
	}
}

func (m *connManager) get() *http.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		m.client = m.build()
	}
	return m.client
}

// reset drops the pooled client. Close errors are irrelevant here: the
// pool is being thrown away either way.
func (m *connManager) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return
	}
	m.client.CloseIdleConnections()
	m.client = nil
}
