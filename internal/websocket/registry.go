package websocket

// registry is the set of live connections. It has no locking: only the
// reactor goroutine may touch it.
type registry struct {
	conns map[*Connection]struct{}
}

func newRegistry() *registry {
	return &registry{conns: make(map[*Connection]struct{})}
}

func (r *registry) add(c *Connection) {
	r.conns[c] = struct{}{}
}

// remove reports whether c was registered.
func (r *registry) remove(c *Connection) bool {
	if _, ok := r.conns[c]; !ok {
		return false
	}
	delete(r.conns, c)
	return true
}

func (r *registry) len() int {
	return len(r.conns)
}

// drain empties the registry and returns its former members.
func (r *registry) drain() []*Connection {
	out := make([]*Connection, 0, len(r.conns))
	for c := range r.conns {
		out = append(out, c)
	}
	clear(r.conns)
	return out
}

// fanout queues frame on every connected member and returns how many took
// it. A member that refuses is already marked disconnected by enqueue and
// will be pruned when its reader reports back.
func (r *registry) fanout(frame []byte) int {
	sent := 0
	for c := range r.conns {
		if !c.IsAlive() {
			continue
		}
		if err := c.enqueue(frame); err != nil {
			continue
		}
		sent++
	}
	return sent
}
