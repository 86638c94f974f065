// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"fmt"
	"sync"
)

// PSKStore maps PSK identities to their pre-shared keys and is wired into
// dtls.Config.PSK as the callback pion invokes once it has read the
// ClientHello's PSK identity.
type PSKStore struct {
	mu   sync.RWMutex
	keys map[string][]byte
	hint []byte
}

// NewPSKStore creates a store advertising hint in its PSKIdentityHint.
func NewPSKStore(hint string) *PSKStore {
	return &PSKStore{keys: make(map[string][]byte), hint: []byte(hint)}
}

// Add registers key under identity, overwriting any previous key for it.
func (p *PSKStore) Add(identity string, key []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys[identity] = key
}

// Remove deletes identity, if present.
func (p *PSKStore) Remove(identity string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.keys, identity)
}

// Hint returns the PSK identity hint to advertise in the DTLS handshake.
func (p *PSKStore) Hint() []byte {
	return p.hint
}

// Lookup is the dtls.Config.PSK callback shape: given the identity the peer
// presented, it returns the matching pre-shared key.
func (p *PSKStore) Lookup(identity []byte) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	key, ok := p.keys[string(identity)]
	if !ok {
		return nil, fmt.Errorf("coap: unknown psk identity %q", identity)
	}
	return key, nil
}
