package protocol

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/samirobaid01/aemos-core/pkg/logger"
)

// No CoAP library exists anywhere in the retrieved example corpus, so
// this adapter implements just enough of RFC 7252's framing on top of
// net.UDPConn to extract a Uri-Path and payload: message type/code/ID,
// a token, and option 11 (Uri-Path) segments. It is the one place in
// this codebase built directly on the standard library rather than an
// ecosystem package — see DESIGN.md.

const (
	coapOptionURIPath = 11
	coapCodeGET       = 0x01
	coapCodePOST      = 0x02
	coapCodeContent   = 0x45
)

// CoAPAdapter listens for UDP datagrams framed as CoAP messages and
// normalizes recognized requests into the uniform Message envelope.
type CoAPAdapter struct {
	bindAddr string
	log      *logger.Logger
	handler  Handler
	conn     *net.UDPConn
}

func NewCoAPAdapter(bindAddr string, log *logger.Logger, handler Handler) *CoAPAdapter {
	return &CoAPAdapter{bindAddr: bindAddr, log: log, handler: handler}
}

// Start opens the UDP socket and serves until ctx is cancelled.
func (a *CoAPAdapter) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", a.bindAddr)
	if err != nil {
		return fmt.Errorf("coap adapter: resolve %q: %w", a.bindAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("coap adapter: listen: %w", err)
	}
	a.conn = conn
	a.log.Infow("coap adapter listening", "addr", a.bindAddr)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.log.Warnw("coap adapter read error", "error", err)
			continue
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		go a.handleFrame(ctx, conn, peer, frame)
	}
}

// parsedFrame is the subset of an RFC 7252 message this adapter reads.
type parsedFrame struct {
	code    byte
	token   []byte
	path    string
	payload []byte
	observe bool
}

// parseFrame decodes the 4-byte header, the token, the Uri-Path
// options (segments joined with '/'), and the payload marker.
func parseFrame(frame []byte) (*parsedFrame, error) {
	if len(frame) < 4 {
		return nil, fmt.Errorf("coap frame too short")
	}
	version := frame[0] >> 6
	if version != 1 {
		return nil, fmt.Errorf("unsupported coap version %d", version)
	}
	tokenLen := int(frame[0] & 0x0f)
	code := frame[1]

	offset := 4
	if offset+tokenLen > len(frame) {
		return nil, fmt.Errorf("coap token truncated")
	}
	token := frame[offset : offset+tokenLen]
	offset += tokenLen

	var segments []string
	var observe bool
	optNum := 0
	for offset < len(frame) {
		if frame[offset] == 0xFF {
			offset++
			break
		}
		delta := int(frame[offset] >> 4)
		length := int(frame[offset] & 0x0f)
		offset++
		delta, offset = readExtended(frame, offset, delta)
		length, offset = readExtended(frame, offset, length)
		optNum += delta
		if offset+length > len(frame) {
			return nil, fmt.Errorf("coap option truncated")
		}
		value := frame[offset : offset+length]
		offset += length
		switch optNum {
		case coapOptionURIPath:
			segments = append(segments, string(value))
		case 6: // Observe
			observe = true
		}
	}

	return &parsedFrame{
		code:    code,
		token:   token,
		path:    strings.Join(segments, "/"),
		payload: frame[offset:],
		observe: observe,
	}, nil
}

func readExtended(frame []byte, offset, nibble int) (int, int) {
	switch nibble {
	case 13:
		if offset < len(frame) {
			return int(frame[offset]) + 13, offset + 1
		}
	case 14:
		if offset+1 < len(frame) {
			return int(binary.BigEndian.Uint16(frame[offset:offset+2])) + 269, offset + 2
		}
	}
	return nibble, offset
}

func (a *CoAPAdapter) handleFrame(ctx context.Context, conn *net.UDPConn, peer *net.UDPAddr, frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Errorw("coap adapter handler panicked", "panic", r)
		}
	}()

	pf, err := parseFrame(frame)
	if err != nil {
		a.log.Warnw("coap adapter malformed frame", "peer", peer, "error", err)
		return
	}

	msg := ParseSegments(pf.path)
	msg.Protocol = ProtocolCoAP
	msg.Payload = DecodePayload(pf.payload)
	msg.Timestamp = time.Now()

	if err := a.handler(ctx, msg); err != nil {
		a.log.Warnw("coap adapter handler error", "path", pf.path, "error", err)
	}

	a.ack(conn, peer, frame, pf)
}

// ack writes a minimal 2.05 Content acknowledgement so the device
// doesn't retransmit; the response body is empty since the CoAP
// surface here is inbound ingestion, not a request/response API.
func (a *CoAPAdapter) ack(conn *net.UDPConn, peer *net.UDPAddr, req []byte, pf *parsedFrame) {
	resp := make([]byte, 4+len(pf.token))
	resp[0] = (1 << 6) | (2 << 4) | byte(len(pf.token)) // version 1, type ACK (2)
	resp[1] = coapCodeContent
	resp[2] = req[2]
	resp[3] = req[3]
	copy(resp[4:], pf.token)
	if _, err := conn.WriteToUDP(resp, peer); err != nil {
		a.log.Warnw("coap adapter ack write failed", "error", err)
	}
}
