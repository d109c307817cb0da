package audioserver

import (
	"github.com/aurelia-audio/aurelia/internal/scb"
)

// Client is the per-process bookkeeping record. Each connected process
// gets one shared-memory arena for its stream rings; the record dies
// when its last track or observer reference is released.
type Client struct {
	pid   int
	arena *scb.Arena
	refs  int
}

// Pid returns the owning process id.
func (c *Client) Pid() int { return c.pid }

// Arena returns the per-process control block arena.
func (c *Client) Arena() *scb.Arena { return c.arena }

func (s *Server) client_l(pid int) *Client {
	c, ok := s.clients[pid]
	if !ok {
		c = &Client{pid: pid, arena: scb.NewArena(scb.DefaultArenaSize)}
		s.clients[pid] = c
	}
	return c
}

func (s *Server) releaseClient_l(c *Client) {
	c.refs--
	if c.refs <= 0 {
		delete(s.clients, c.pid)
	}
}
