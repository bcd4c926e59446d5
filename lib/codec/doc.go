// Copyright 2026 The Keybridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides keybridge's standard CBOR encoding
// configuration, used on the keybridge-touch control socket
// (stop/resume/restart/status/exit requests between instances).
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2) so the
// same logical message always produces identical bytes; the decoder
// ignores unknown fields for forward compatibility.
//
// For buffer-oriented operations:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (the control socket):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
package codec
