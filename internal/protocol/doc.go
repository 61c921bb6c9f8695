// Package protocol owns the wire contract between the controller and the
// injected payload.
//
// Ownership boundary:
// - frame header primitives and payload limits
// - tlv field primitives
// - per-message schemas and validation
// - null-terminated text encodings
package protocol
