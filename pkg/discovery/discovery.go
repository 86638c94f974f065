// SPDX-License-Identifier: Apache-2.0

// Package discovery answers multicast beacon requests with the gateway's
// DTLS port and service name, so a client does not need to hardcode the
// port. The reply carries no host address; the client takes it from the
// reply's source.
package discovery

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// beaconMagic identifies a discovery request packet on the wire. It has no
// cryptographic role, just enough entropy that a stray multicast packet
// from something unrelated doesn't get a response.
const beaconMagic uint32 = 0xC0AD15C0

// requestLen is the size of the fixed-size discovery beacon a client sends:
// magic(4) + protocol version(1).
const requestLen = 5
const protocolVersion byte = 1

// Responder listens on a multicast group and answers every well-formed
// discovery beacon with the gateway's DTLS port and service name.
type Responder struct {
	conn        *net.UDPConn
	dtlsPort    uint16
	serviceName string
	logger      *slog.Logger
}

// New creates a Responder bound to multicastAddr (e.g. "239.0.0.1:5685"),
// advertising dtlsPort as the port clients should dial for the DTLS
// gateway.
func New(multicastAddr string, dtlsPort uint16, serviceName string, logger *slog.Logger) (*Responder, error) {
	addr, err := net.ResolveUDPAddr("udp", multicastAddr)
	if err != nil {
		return nil, fmt.Errorf("discovery: resolve multicast address: %w", err)
	}

	conn, err := net.ListenMulticastUDP("udp", nil, addr)
	if err != nil {
		conn, err = net.ListenUDP("udp", addr)
		if err != nil {
			return nil, fmt.Errorf("discovery: listen multicast: %w", err)
		}
	}

	return &Responder{
		conn:        conn,
		dtlsPort:    dtlsPort,
		serviceName: serviceName,
		logger:      logger,
	}, nil
}

// Serve answers beacons until ctx is cancelled.
func (r *Responder) Serve(ctx context.Context) error {
	defer r.conn.Close()

	buf := make([]byte, 512)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_ = r.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, clientAddr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.logger.Warn("discovery read error", "error", err)
			continue
		}

		if !isBeacon(buf[:n]) {
			continue
		}

		if err := r.reply(clientAddr); err != nil {
			r.logger.Warn("discovery reply failed", "remote", clientAddr.String(), "error", err)
		}
	}
}

func isBeacon(b []byte) bool {
	if len(b) != requestLen {
		return false
	}
	return binary.BigEndian.Uint32(b[:4]) == beaconMagic && b[4] == protocolVersion
}

func (r *Responder) reply(clientAddr *net.UDPAddr) error {
	name := []byte(r.serviceName)
	resp := make([]byte, 4+1+2+1+len(name))
	binary.BigEndian.PutUint32(resp[0:4], beaconMagic)
	resp[4] = protocolVersion
	binary.BigEndian.PutUint16(resp[5:7], r.dtlsPort)
	resp[7] = byte(len(name))
	copy(resp[8:], name)

	conn, err := net.DialUDP("udp", nil, clientAddr)
	if err != nil {
		return fmt.Errorf("discovery: dial client: %w", err)
	}
	defer conn.Close()

	_, err = conn.Write(resp)
	return err
}

// Close stops the responder.
func (r *Responder) Close() error {
	return r.conn.Close()
}

// Beacon builds the request packet a client sends to discover the
// gateway's DTLS port.
func Beacon() []byte {
	b := make([]byte, requestLen)
	binary.BigEndian.PutUint32(b[:4], beaconMagic)
	b[4] = protocolVersion
	return b
}

// ParseReply decodes a Responder reply into the advertised DTLS port and
// service name.
func ParseReply(b []byte) (port uint16, serviceName string, err error) {
	if len(b) < 8 {
		return 0, "", errors.New("discovery: reply too short")
	}
	if binary.BigEndian.Uint32(b[:4]) != beaconMagic || b[4] != protocolVersion {
		return 0, "", errors.New("discovery: not a discovery reply")
	}
	port = binary.BigEndian.Uint16(b[5:7])
	nameLen := int(b[7])
	if len(b) < 8+nameLen {
		return 0, "", errors.New("discovery: truncated service name")
	}
	return port, string(b[8 : 8+nameLen]), nil
}
