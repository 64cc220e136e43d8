package deployment

import (
	"errors"
	"sync"
)

var errPortsExhausted = errors.New("no free service ports")

// portPool hands out tenant service ports from a fixed range. A port
// stays out of circulation until the deployment holding it has
// observably shut down, so two services never share one.
type portPool struct {
	mu   sync.Mutex
	free []int
}

func newPortPool(from, to int) *portPool {
	p := &portPool{free: make([]int, 0, to-from+1)}
	for port := from; port <= to; port++ {
		p.free = append(p.free, port)
	}
	return p
}

func (p *portPool) Acquire() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return 0, errPortsExhausted
	}
	port := p.free[0]
	p.free = p.free[1:]
	return port, nil
}

// Release returns a port to the back of the pool, so recently used
// ports rest the longest before reuse.
func (p *portPool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, port)
}

func (p *portPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
