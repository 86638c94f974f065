// SPDX-License-Identifier: Apache-2.0

// Package recordparser classifies raw DTLS datagrams without maintaining any
// state of its own. It only ever looks at the plaintext record header (the
// content type byte, the epoch and sequence number, and the Connection ID
// of tls12_cid records) and, for candidate ClientHello records, the
// handshake message header that follows it.
package recordparser

// DTLS content type values (RFC 6347 §4.1, RFC 9146 §4).
const (
	ContentTypeChangeCipherSpec byte = 20
	ContentTypeAlert            byte = 21
	ContentTypeHandshake        byte = 22
	ContentTypeApplicationData  byte = 23
	ContentTypeConnectionID     byte = 25 // tls12_cid, RFC 9146
)

// Handshake message type values (RFC 8446 §4, reused by DTLS 1.2).
const (
	HandshakeTypeClientHello byte = 1
)

// recordHeaderLen is the length of a plaintext DTLS record header without a
// Connection ID: ContentType(1) + ProtocolVersion(2) + Epoch(2) +
// SequenceNumber(6) + Length(2).
const recordHeaderLen = 13

// cidRecordPrefixLen is the offset of the Connection ID field within a
// tls12_cid record: ContentType(1) + ProtocolVersion(2) + Epoch(2) +
// SequenceNumber(6).
const cidRecordPrefixLen = 11

// MayBeClientHello reports whether b looks like it could be (or contain, as
// the first record of a possibly-coalesced datagram) a DTLS ClientHello: at
// least 25 bytes, a handshake content type, and a ClientHello handshake
// message type at the position the record header guarantees.
//
// It does not validate protocol version, lengths, or anything past those two
// bytes; callers that need more certainty must let the DTLS provider itself
// attempt the handshake.
func MayBeClientHello(b []byte) bool {
	if len(b) < 25 {
		return false
	}
	if b[0] != ContentTypeHandshake {
		return false
	}
	return b[recordHeaderLen] == HandshakeTypeClientHello
}

// TryGetConnectionID extracts the Connection ID from b if b is a tls12_cid
// record carrying a CID of exactly cidLen bytes. It returns (nil, false) for
// any record that isn't CID-protected, or that is too short to hold a CID of
// the requested length.
//
// cidLen is pinned per process by the Transport on first successful accept;
// TryGetConnectionID itself is stateless and trusts whatever length it is
// given.
func TryGetConnectionID(b []byte, cidLen int) ([]byte, bool) {
	if cidLen <= 0 {
		return nil, false
	}
	if len(b) < cidRecordPrefixLen+cidLen {
		return nil, false
	}
	if b[0] != ContentTypeConnectionID {
		return nil, false
	}
	cid := make([]byte, cidLen)
	copy(cid, b[cidRecordPrefixLen:cidRecordPrefixLen+cidLen])
	return cid, true
}

// IsConnectionIDRecord reports whether b's content type byte marks it as a
// tls12_cid record, without regard to CID length. Used where only the
// record's CID-protected-ness matters, not the CID value itself.
func IsConnectionIDRecord(b []byte) bool {
	return len(b) > 0 && b[0] == ContentTypeConnectionID
}

// SequenceInfo is the epoch and 48-bit record sequence number carried by a
// plaintext DTLS record header, used to determine whether a record is the
// newest seen for a session without needing the DTLS provider to expose that
// classification itself.
type SequenceInfo struct {
	Epoch    uint16
	Sequence uint64 // low 48 bits significant
}

// Less reports whether s is strictly older than other in the (epoch,
// sequence) total order DTLS uses to define "newest record": epoch compares
// first, sequence number breaks ties within an epoch.
func (s SequenceInfo) Less(other SequenceInfo) bool {
	if s.Epoch != other.Epoch {
		return s.Epoch < other.Epoch
	}
	return s.Sequence < other.Sequence
}

// TryGetSequenceInfo extracts the epoch and sequence number from the
// plaintext header of a DTLS record, CID-protected or not. Both fields are
// visible on the wire regardless of encryption, which is what lets the
// Queue Transport track migration candidates before the payload is ever
// decrypted.
func TryGetSequenceInfo(b []byte) (SequenceInfo, bool) {
	if len(b) < recordHeaderLen {
		return SequenceInfo{}, false
	}
	epoch := uint16(b[3])<<8 | uint16(b[4])
	var seq uint64
	for i := 5; i < 11; i++ {
		seq = seq<<8 | uint64(b[i])
	}
	return SequenceInfo{Epoch: epoch, Sequence: seq}, true
}
