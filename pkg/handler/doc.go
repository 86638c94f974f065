// SPDX-License-Identifier: Apache-2.0

// Package handler defines the single interface that links the DTLS gateway
// to application logic: RequestHandler.ProcessRequest takes one decrypted
// CoAP request payload plus the ConnectionInfo it arrived on, and returns
// the payload to encrypt and send back.
//
// There is no Auth*/On* split here the way a stateful MQTT/CoAP proxy
// needs one: DTLS already authenticated the peer during the handshake (the
// negotiated PSK identity is published into ConnectionInfo), so by the time
// a request reaches a RequestHandler there is exactly one thing left to do
// with it — produce a response. pkg/coap.Router implements RequestHandler
// by decoding the CoAP message and dispatching it to a registered resource;
// NoopHandler is a minimal implementation for tests.
package handler
