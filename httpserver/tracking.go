package httpserver

import (
	"context"
	"net"
	"net/url"
	"sync"
)

// trackedListener wraps the accept loop so the server can report connection
// gauges. Accepted connections are tracked until they are closed.
type trackedListener struct {
	net.Listener

	mu       sync.RWMutex
	name     string
	accepted int64
	active   int
	remotes  map[string]int
}

func (l *trackedListener) Accept() (net.Conn, error) {
	con, err := l.Listener.Accept()
	if err != nil {
		return con, err
	}
	tracked := &trackedConnection{
		l:    l,
		Conn: con,
	}
	l.track(tracked, true)

	return tracked, nil
}

// MetricName satisfies MetricProducer.
func (l *trackedListener) MetricName() string {
	return l.name + "-listener"
}

// Gauges satisfies MetricProducer.
func (l *trackedListener) Gauges(_ context.Context) map[string]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return map[string]float64{
		"total_connections":  float64(l.accepted),
		"active_connections": float64(l.active),
		"number_of_remotes":  float64(len(l.remotes)),
	}
}

func (l *trackedListener) track(c *trackedConnection, add bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.remotes == nil {
		l.remotes = make(map[string]int)
	}
	// group by remote host (probably an ip), excluding the port
	host := (&url.URL{Host: c.RemoteAddr().String()}).Hostname()
	if add {
		l.accepted++
		l.active++
		l.remotes[host]++
	} else {
		l.active--
		l.remotes[host]--
		if l.remotes[host] <= 0 {
			delete(l.remotes, host)
		}
	}
}

// trackedConnection overrides Close so the listener's accounting stays accurate.
type trackedConnection struct {
	net.Conn

	l *trackedListener
}

func (c *trackedConnection) Close() error {
	c.l.track(c, false)
	return c.Conn.Close()
}
