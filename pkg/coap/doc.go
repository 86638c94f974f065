// SPDX-License-Identifier: Apache-2.0

// Package coap decodes and encodes CoAP messages carried as DTLS
// application data, and provides a minimal path-based request router.
package coap
