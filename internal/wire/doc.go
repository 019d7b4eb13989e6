// Package wire defines the messages exchanged between channels.
//
// The wire unit is the Message envelope. Every envelope carries:
//   - id: unique per message (UUIDv7, time-sortable)
//   - channel / sender: destination and origin channel names
//   - type: request, response, event or signal
//   - reqId: on responses, the id of the request being answered
//   - payload: action, path, args, result, descriptor or error
//
// Values that cannot cross a boundary by copy travel as a Descriptor: a
// serializable reference (owner channel + path) that the receiving side turns
// into a remote proxy.
//
// # Encodings
//
// Two codecs are provided:
//   - JSONCodec: the canonical, JSON-representable envelope
//   - BinaryCodec: protobuf wire format for the envelope fields with a
//     JSON payload, optionally zstd-compressed; used by stream and
//     shared-memory transports
//
// Channel names are NFC-normalized before use so that visually identical
// names address the same channel.
package wire
