// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"context"
	"sync"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"

	"github.com/patagonaa/CoAP.Net/pkg/handler"
)

// ResourceFunc answers one decoded CoAP request for a registered path.
type ResourceFunc func(ctx context.Context, info *handler.ConnectionInfo, req *pool.Message) (*pool.Message, error)

// Router dispatches decrypted DTLS application data payloads to
// path-registered CoAP resources. It implements handler.RequestHandler, so
// a Server can use a Router wherever it expects an application handler.
type Router struct {
	mu        sync.RWMutex
	resources map[string]ResourceFunc
}

var _ handler.RequestHandler = (*Router)(nil)

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{resources: make(map[string]ResourceFunc)}
}

// Handle registers fn to answer requests whose Uri-Path option equals path.
func (rt *Router) Handle(path string, fn ResourceFunc) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.resources[path] = fn
}

// ProcessRequest decodes payload, routes it by path, and encodes whatever
// response the matched resource (or the 4.04 fallback) produces.
func (rt *Router) ProcessRequest(ctx context.Context, info *handler.ConnectionInfo, payload []byte) ([]byte, error) {
	req, err := DecodeRequest(ctx, payload)
	if err != nil {
		return nil, err
	}
	defer req.Reset()

	path, pathErr := req.Options().Path()

	rt.mu.RLock()
	fn, ok := rt.resources[path]
	rt.mu.RUnlock()

	var resp *pool.Message
	switch {
	case pathErr != nil || !ok:
		resp = NewResponse(ctx, req, codes.NotFound, message.TextPlain, nil)
	default:
		resp, err = fn(ctx, info, req)
		if err != nil {
			return nil, err
		}
		if resp == nil {
			resp = NewResponse(ctx, req, codes.InternalServerError, message.TextPlain, nil)
		}
	}
	defer resp.Reset()

	return EncodeMessage(resp)
}
