package transport

import (
	"context"
	"net"
	"net/netip"
	"sync"

	"github.com/DanglingPointer/mstun/pkg/stun/types"
)

// A STUN message over UDP is one datagram; anything bigger than this is
// not ours.
const datagramSizeLimit = 2048

// UDPPump copies messages between a datagram socket and a pair of
// message channels. Malformed datagrams are dropped with a log line;
// the transaction layer never sees them.
type UDPPump struct {
	conn    *net.UDPConn
	egress  chan types.Packet
	ingress chan types.Packet
	log     types.Logger
	context context.Context
	finish  context.CancelFunc
	group   sync.WaitGroup
}

// SetupUDP attaches message pumps to an already-bound socket and
// returns the channel pair to hand to the transaction engine. The
// ingress channel closes when the socket dies or the pump is closed.
func SetupUDP(conn *net.UDPConn, channelDepth int, log types.Logger) (types.MessageChannels, *UDPPump) {
	ctx, done := context.WithCancel(context.Background())
	p := &UDPPump{
		conn:    conn,
		egress:  make(chan types.Packet, channelDepth),
		ingress: make(chan types.Packet, channelDepth),
		log:     log,
		context: ctx,
		finish:  done,
	}
	p.group.Add(2)
	go p.pollEgress()
	go p.pollSocket()
	return types.MessageChannels{
		EgressSink:    p.egress,
		IngressSource: p.ingress,
	}, p
}

// Close stops both pumps and closes the socket.
func (p *UDPPump) Close() {
	p.finish()
	p.conn.Close()
	p.group.Wait()
}

// pollEgress serializes outgoing messages onto the socket until the
// pump is closed. Send failures are transient on an unconnected UDP
// socket, so they are logged and absorbed.
func (p *UDPPump) pollEgress() {
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
			if _, err := p.conn.WriteToUDPAddrPort(data, pkt.Addr); err != nil {
				if p.context.Err() != nil {
					return
				}
				p.log.Errorf("failed sending datagram to %s. %v", pkt.Addr, err)
			}
		}
	}
}

// pollSocket decodes inbound datagrams and publishes them on the
// ingress channel until the socket dies.
func (p *UDPPump) pollSocket() {
	defer p.group.Done()
	defer close(p.ingress)
	buffer := make([]byte, datagramSizeLimit)
	for {
		count, addr, err := p.conn.ReadFromUDPAddrPort(buffer)
		if err != nil {
			if p.context.Err() == nil {
				p.log.Errorf("failed reading from socket. %v", err)
			}
			return
		}
		p.consume(buffer[:count], addr)
	}
}

func (p *UDPPump) consume(data []byte, addr netip.AddrPort) {
	msg, err := types.DecodeMessage(data)
	if err != nil {
		p.log.Warnf("dropping malformed datagram from %s. %v", addr, err)
		return
	}
	select {
	case <-p.context.Done():
	case p.ingress <- types.Packet{Message: msg, Addr: addr}:
	}
}
