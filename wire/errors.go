package wire

import "errors"

// ErrInvalidFrame is returned when a text frame is malformed JSON, or a
// JSON object frame is missing its "stream" discriminator. It is
// always fatal for the transport that observed it (§7 ProtocolError).
var ErrInvalidFrame = errors.New("jsonrpc: invalid frame")

// ErrUnknownTag is returned by the codec when a reducer/reviver tag on
// the wire has no registered transform.
var ErrUnknownTag = errors.New("jsonrpc: unknown reducer/reviver tag")
