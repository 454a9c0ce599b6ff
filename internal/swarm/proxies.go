package swarm

import (
	"fmt"
	"time"

	"github.com/cory-johannsen/botswarm/internal/transport"
)

// proxyPool hands out dialers round-robin, at most perProxy slots each.
// Without proxies every slot shares one direct dialer. Accessed only by the
// creation loop.
type proxyPool struct {
	direct   transport.Dialer
	addrs    []string
	dialers  []transport.Dialer
	used     []int
	perProxy int
	next     int
}

func newProxyPool(addrs []string, perProxy int, timeout time.Duration) (*proxyPool, error) {
	p := &proxyPool{addrs: addrs, perProxy: perProxy, used: make([]int, len(addrs))}
	if len(addrs) == 0 {
		d, err := transport.NewDialer("", timeout)
		if err != nil {
			return nil, err
		}
		p.direct = d
		return p, nil
	}
	for _, a := range addrs {
		d, err := transport.NewDialer(a, timeout)
		if err != nil {
			return nil, fmt.Errorf("proxy %s: %w", a, err)
		}
		p.dialers = append(p.dialers, d)
	}
	return p, nil
}

// assign returns the dialer for the next slot and the proxy address it uses.
// ok is false once every proxy is at capacity.
func (p *proxyPool) assign() (d transport.Dialer, addr string, ok bool) {
	if p.direct != nil {
		return p.direct, "", true
	}
	for range p.addrs {
		i := p.next
		p.next = (p.next + 1) % len(p.addrs)
		if p.perProxy == 0 || p.used[i] < p.perProxy {
			p.used[i]++
			return p.dialers[i], p.addrs[i], true
		}
	}
	return nil, "", false
}

// capacity is the number of slots the pool can serve; -1 is unlimited.
func (p *proxyPool) capacity() int {
	if p.direct != nil || p.perProxy == 0 {
		return -1
	}
	return p.perProxy * len(p.addrs)
}
