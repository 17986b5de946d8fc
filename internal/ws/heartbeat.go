package ws

import (
	"context"
	"log"
	"time"

	"github.com/gobwas/ws"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // grace after a missed interval (default: 10s)
}

// DefaultHeartbeatConfig returns the standard heartbeat timings.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat pings every presenter each Interval and evicts those that
// have been silent for longer than Interval + Timeout. The goroutine exits
// with the server.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case now := <-ticker.C:
				checkConnections(server, config, now)
			}
		}
	}()
}

func checkConnections(server *Server, config HeartbeatConfig, now time.Time) {
	for _, c := range stale(server.Connections().All(), config, now) {
		log.Printf("ws: heartbeat timeout presenter=%s last_activity=%s ago",
			c.ID, now.Sub(c.LastActive()).Round(time.Second))
		server.RemoveConnection(c)
	}

	for _, c := range server.Connections().All() {
		if err := c.WritePing(); err != nil {
			log.Printf("ws: heartbeat ping failed presenter=%s: %v", c.ID, err)
			server.RemoveConnection(c)
			continue
		}
		server.refreshPresenter(c)
	}
}

func (s *Server) refreshPresenter(c *Connection) {
	if s.presenters == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.presenters.RefreshTTL(ctx, c.ID); err != nil {
		log.Printf("ws: refresh presenter record %s: %v", c.ID, err)
	}
}

// stale returns the connections silent for longer than the heartbeat
// deadline.
func stale(conns []*Connection, config HeartbeatConfig, now time.Time) []*Connection {
	deadline := config.Interval + config.Timeout
	var out []*Connection
	for _, c := range conns {
		if now.Sub(c.LastActive()) > deadline {
			out = append(out, c)
		}
	}
	return out
}

// WritePing sends a protocol-level ping frame, which browsers answer with a
// pong automatically.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}
