/*
Package wire implements parsecd's wire codec: every request and reply is a
single self-describing map, encoded with MessagePack
(github.com/hashicorp/go-msgpack/v2), exactly the "unsigned-integer-tagged
maps/arrays/strings/raw byte strings" framing the external interface
calls for.

A Frame is the decoded form of one message: a Command/Status string plus
an opaque map of the remaining fields. pkg/dispatch decodes the
command-specific fields it needs out of that map; this package only knows
how to get bytes on and off the wire.
*/
package wire
