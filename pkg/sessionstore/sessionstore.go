// SPDX-License-Identifier: Apache-2.0

// Package sessionstore is the concurrent multi-index map from
// {remote endpoint, connection ID} to Session.
package sessionstore

import (
	"net"
	"sync"

	sessionerrors "github.com/patagonaa/CoAP.Net/pkg/errors"
)

// Entry is the subset of dtlssession.Session the store needs: an identity
// for log lines, the endpoint it currently indexes under, and its
// negotiated Connection ID, if any. Depending on this interface rather than
// the concrete Session type keeps the store ignorant of the DTLS handshake
// machinery, mirroring how the teacher's handler package depends on a
// Handler interface rather than a concrete implementation.
type Entry interface {
	ID() string
	Endpoint() net.Addr
	CID() (cid []byte, ok bool)
}

// FindResult classifies the outcome of TryFind, following the strict
// lookup contract: only FoundByEndpoint, FoundByConnectionID, UnknownCID,
// and NotFound are produced. The permissive NewSession/Invalid variant is
// not implemented.
type FindResult int

const (
	ResultNotFound FindResult = iota
	ResultFoundByEndpoint
	ResultFoundByConnectionID
	ResultUnknownCID
)

func (r FindResult) String() string {
	switch r {
	case ResultFoundByEndpoint:
		return "FoundByEndpoint"
	case ResultFoundByConnectionID:
		return "FoundByConnectionID"
	case ResultUnknownCID:
		return "UnknownCID"
	default:
		return "NotFound"
	}
}

// Store is the three-index session map: accepting_by_endpoint,
// established_by_endpoint, established_by_cid. All mutating operations and
// TryFind hold a single coarse mutex, so the three maps are always
// consistent with each other at any lookup.
type Store struct {
	mu sync.RWMutex

	acceptingByEndpoint   map[string]Entry
	establishedByEndpoint map[string]Entry
	establishedByCID      map[string]Entry

	cidLen int
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		acceptingByEndpoint:   make(map[string]Entry),
		establishedByEndpoint: make(map[string]Entry),
		establishedByCID:      make(map[string]Entry),
	}
}

// TryFind implements the strict lookup contract of spec §4.4.
func (s *Store) TryFind(endpoint net.Addr, cid []byte) (FindResult, Entry) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hasCID := len(cid) > 0

	if hasCID {
		if sess, ok := s.establishedByCID[string(cid)]; ok {
			return ResultFoundByConnectionID, sess
		}
	} else if sess, ok := s.establishedByEndpoint[endpoint.String()]; ok {
		if _, hasOwnCID := sess.CID(); hasOwnCID {
			// established_by_endpoint must only ever hold sessions without a
			// CID; a session reaching this branch with one is corrupted
			// state elsewhere in the store. Treat as not found rather than
			// hand back an inconsistent session.
			return ResultNotFound, nil
		}
		return ResultFoundByEndpoint, sess
	}

	if sess, ok := s.acceptingByEndpoint[endpoint.String()]; ok {
		return ResultFoundByEndpoint, sess
	}

	if hasCID {
		return ResultUnknownCID, nil
	}
	return ResultNotFound, nil
}

// Add registers session in accepting_by_endpoint. It fails if the endpoint
// already hosts a handshaking or established-without-CID session.
func (s *Store) Add(session Entry) error {
	key := session.Endpoint().String()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.establishedByEndpoint[key]; ok {
		return sessionerrors.New("store.add", session.ID(), key, sessionerrors.ErrEndpointInUse)
	}
	if _, ok := s.acceptingByEndpoint[key]; ok {
		return sessionerrors.New("store.add", session.ID(), key, sessionerrors.ErrEndpointInUse)
	}

	s.acceptingByEndpoint[key] = session
	return nil
}

// NotifyAccepted transitions session out of accepting_by_endpoint into
// established_by_cid or established_by_endpoint depending on whether it
// negotiated a CID. On failure the session is left in neither index; the
// caller must Remove it.
func (s *Store) NotifyAccepted(session Entry) error {
	key := session.Endpoint().String()

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.acceptingByEndpoint, key)

	cid, hasCID := session.CID()
	if !hasCID {
		if existing, ok := s.establishedByEndpoint[key]; ok && existing != session {
			return sessionerrors.New("store.notify_accepted", session.ID(), key, sessionerrors.ErrDuplicateEndpoint)
		}
		s.establishedByEndpoint[key] = session
		return nil
	}

	if s.cidLen == 0 {
		s.cidLen = len(cid)
	} else if len(cid) != s.cidLen {
		return sessionerrors.New("store.notify_accepted", session.ID(), key, sessionerrors.ErrCIDLengthMismatch)
	}

	cidKey := string(cid)
	if existing, ok := s.establishedByCID[cidKey]; ok && existing != session {
		return sessionerrors.New("store.notify_accepted", session.ID(), key, sessionerrors.ErrDuplicateCID)
	}
	s.establishedByCID[cidKey] = session
	return nil
}

// Remove evicts session from whichever index currently holds it. It only
// ever deletes the exact session passed in, so a handshaking session and an
// established-with-CID session sharing an endpoint can never clobber each
// other.
func (s *Store) Remove(session Entry) {
	key := session.Endpoint().String()

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.acceptingByEndpoint[key]; ok && existing == session {
		delete(s.acceptingByEndpoint, key)
		return
	}

	if cid, ok := session.CID(); ok {
		cidKey := string(cid)
		if existing, ok := s.establishedByCID[cidKey]; ok && existing == session {
			delete(s.establishedByCID, cidKey)
		}
		return
	}

	if existing, ok := s.establishedByEndpoint[key]; ok && existing == session {
		delete(s.establishedByEndpoint, key)
	}
}

// GetSessions returns a snapshot of every session currently indexed.
func (s *Store) GetSessions() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.acceptingByEndpoint)+len(s.establishedByEndpoint)+len(s.establishedByCID))
	for _, sess := range s.acceptingByEndpoint {
		out = append(out, sess)
	}
	for _, sess := range s.establishedByEndpoint {
		out = append(out, sess)
	}
	for _, sess := range s.establishedByCID {
		out = append(out, sess)
	}
	return out
}

// GetCount returns the total number of indexed sessions.
func (s *Store) GetCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.acceptingByEndpoint) + len(s.establishedByEndpoint) + len(s.establishedByCID)
}

// AcceptingCount returns the number of sessions currently handshaking,
// which is what max_simultaneous_handshakes bounds.
func (s *Store) AcceptingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.acceptingByEndpoint)
}

// CIDLength returns the process-wide CID length pinned by the first
// accepted CID-bearing session, and false if none has been accepted yet.
func (s *Store) CIDLength() (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cidLen == 0 {
		return 0, false
	}
	return s.cidLen, true
}
