// SPDX-License-Identifier: Apache-2.0

// Package dtls is the Transport: it owns the UDP socket, demultiplexes
// inbound datagrams across sessions by endpoint and Connection ID, drives
// one handshake/request loop per session, and reaps idle sessions.
package dtls
