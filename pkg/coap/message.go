// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"bytes"
	"context"
	"fmt"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/udp/coder"
)

// DecodeRequest unmarshals one CoAP message from a decrypted DTLS
// application data record. CoAP is datagram-oriented, so every record
// carries exactly one message.
func DecodeRequest(ctx context.Context, payload []byte) (*pool.Message, error) {
	msg := pool.NewMessage(ctx)
	if _, err := msg.UnmarshalWithDecoder(coder.DefaultCoder, payload); err != nil {
		msg.Reset()
		return nil, fmt.Errorf("coap: unmarshal request: %w", err)
	}
	return msg, nil
}

// EncodeMessage marshals msg back into the bytes to encrypt and send as
// the DTLS application data payload.
func EncodeMessage(msg *pool.Message) ([]byte, error) {
	data, err := msg.MarshalWithEncoder(coder.DefaultCoder)
	if err != nil {
		return nil, fmt.Errorf("coap: marshal message: %w", err)
	}
	return data, nil
}

// NewResponse builds an acknowledgement to req carrying code and body,
// copying req's token as CoAP requires for a matched response.
func NewResponse(ctx context.Context, req *pool.Message, code codes.Code, contentFormat message.MediaType, body []byte) *pool.Message {
	resp := pool.NewMessage(ctx)
	resp.SetCode(code)
	resp.SetType(message.Acknowledgement)
	resp.SetToken(req.Token())
	if body != nil {
		resp.SetContentFormat(contentFormat)
		resp.SetBody(bytes.NewReader(body))
	}
	return resp
}
