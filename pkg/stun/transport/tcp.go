package transport

import (
	"context"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/DanglingPointer/mstun/pkg/stun/types"
	"github.com/rs/xid"
)

// Config controls the outbound connection pool of the TCP transport.
type Config struct {
	// MaxOutboundConnections caps the number of simultaneously pooled
	// peers. Egress to further peers is dropped with a log line until
	// a slot frees up.
	MaxOutboundConnections int

	// IdleTimeout closes a pooled connection that has received no
	// message for this long; outbound writes do not reset it.
	IdleTimeout time.Duration

	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxOutboundConnections: 8,
		IdleTimeout:            30 * time.Second,
		DialTimeout:            5 * time.Second,
	}
}

// TCPPool is a stream transport behind the message-channel boundary.
// Messages are length-delimited by their own headers, one connection
// per peer, dialed on first egress and reaped when idle.
type TCPPool struct {
	conf    Config
	egress  chan types.Packet
	ingress chan types.Packet
	log     types.Logger
	context context.Context
	finish  context.CancelFunc
	group   sync.WaitGroup

	mutex sync.Mutex
	conns map[netip.AddrPort]*pooledConn
}

// pooledConn is a single outbound connection. The id tags its log
// lines so concurrent connections can be told apart.
type pooledConn struct {
	id       xid.ID
	peer     netip.AddrPort
	conn     net.Conn
	outbound chan []byte
	context  context.Context
	finish   context.CancelFunc
}

// SetupTCP creates the pool and returns the channel pair to hand to
// the transaction engine. The ingress channel closes when the pool is
// closed.
func SetupTCP(conf Config, channelDepth int, log types.Logger) (types.MessageChannels, *TCPPool) {
	ctx, done := context.WithCancel(context.Background())
	p := &TCPPool{
		conf:    conf,
		egress:  make(chan types.Packet, channelDepth),
		ingress: make(chan types.Packet, channelDepth),
		log:     log,
		context: ctx,
		finish:  done,
		conns:   make(map[netip.AddrPort]*pooledConn),
	}
	p.group.Add(1)
	go p.pollEgress()
	return types.MessageChannels{
		EgressSink:    p.egress,
		IngressSource: p.ingress,
	}, p
}

// Close tears down every pooled connection and closes the ingress
// channel.
func (p *TCPPool) Close() {
	p.finish()
	p.mutex.Lock()
	for _, c := range p.conns {
		c.conn.Close()
	}
	p.mutex.Unlock()
	p.group.Wait()
	close(p.ingress)
}

// pollEgress routes outgoing messages to per-peer connections.
func (p *TCPPool) pollEgress() {
	defer p.group.Done()
	for {
		select {
		case <-p.context.Done():
			return
		case pkt := <-p.egress:
			data, err := pkt.Message.Encode()
			if err != nil {
				p.log.Errorf("failed encoding message to %s. %v", pkt.Addr, err)
				continue
			}
			c := p.connFor(pkt.Addr)
			if c == nil {
				continue
			}
			select {
			case c.outbound <- data:
			case <-c.context.Done():
				p.log.Warnf("connection %s to %s died, dropping message", c.id, pkt.Addr)
			case <-p.context.Done():
				return
			}
		}
	}
}

// connFor finds the live pooled connection for a peer, dialing a new
// one if needed.
func (p *TCPPool) connFor(peer netip.AddrPort) *pooledConn {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if c, found := p.conns[peer]; found {
		if c.context.Err() == nil {
			return c
		}
		delete(p.conns, peer)
	}
	if len(p.conns) >= p.conf.MaxOutboundConnections {
		p.log.Warnf("connection pool full, dropping message to %s", peer)
		return nil
	}

	socket, err := net.DialTimeout("tcp", peer.String(), p.conf.DialTimeout)
	if err != nil {
		p.log.Errorf("failed connecting to %s. %v", peer, err)
		return nil
	}
	ctx, done := context.WithCancel(p.context)
	c := &pooledConn{
		id:       xid.New(),
		peer:     peer,
		conn:     socket,
		outbound: make(chan []byte, cap(p.egress)),
		context:  ctx,
		finish:   done,
	}
	p.conns[peer] = c
	p.log.Infof("connection %s established to %s", c.id, peer)
	p.group.Add(2)
	go p.pollOutbound(c)
	go p.pollSocket(c)
	return c
}

func (p *TCPPool) dropConn(c *pooledConn) {
	c.finish()
	c.conn.Close()
	p.mutex.Lock()
	if p.conns[c.peer] == c {
		delete(p.conns, c.peer)
	}
	p.mutex.Unlock()
}

// pollOutbound writes queued frames onto the connection.
func (p *TCPPool) pollOutbound(c *pooledConn) {
	defer p.group.Done()
	for {
		select {
		case <-c.context.Done():
			return
		case data := <-c.outbound:
			if err := c.conn.SetWriteDeadline(time.Now().Add(p.conf.IdleTimeout)); err != nil {
				p.dropConn(c)
				return
			}
			if _, err := c.conn.Write(data); err != nil {
				if c.context.Err() == nil {
					p.log.Errorf("connection %s to %s write failed. %v", c.id, c.peer, err)
				}
				p.dropConn(c)
				return
			}
		}
	}
}

// pollSocket reads length-delimited messages off the connection and
// publishes them on the ingress channel. The read deadline doubles as
// the idle reaper.
func (p *TCPPool) pollSocket(c *pooledConn) {
	defer p.group.Done()
	defer p.dropConn(c)
	header := make([]byte, types.HeaderLength)
	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(p.conf.IdleTimeout)); err != nil {
			return
		}
		if _, err := io.ReadFull(c.conn, header); err != nil {
			p.logReadFailure(c, err)
			return
		}
		bodyLength, err := types.BodyLengthFromHeader(header)
		if err != nil {
			p.log.Warnf("connection %s to %s sent a malformed header, closing", c.id, c.peer)
			return
		}
		frame := make([]byte, types.HeaderLength+bodyLength)
		copy(frame, header)
		if _, err := io.ReadFull(c.conn, frame[types.HeaderLength:]); err != nil {
			p.logReadFailure(c, err)
			return
		}
		msg, err := types.DecodeMessage(frame)
		if err != nil {
			p.log.Warnf("dropping malformed message from %s. %v", c.peer, err)
			continue
		}
		select {
		case p.ingress <- types.Packet{Message: msg, Addr: c.peer}:
		case <-c.context.Done():
			return
		}
	}
}

func (p *TCPPool) logReadFailure(c *pooledConn, err error) {
	if c.context.Err() != nil {
		return
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		p.log.Debugf("connection %s to %s idle, closing", c.id, c.peer)
	} else if err != io.EOF {
		p.log.Errorf("connection %s to %s read failed. %v", c.id, c.peer, err)
	}
}
