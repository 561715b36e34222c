/*
Package messages is the opaque per-user delivery subsystem
start_reencryption hands its participant messages to: one blob of bytes
per user, meaningless to the server, that the recipient's other devices
fetch to recover the realm's new key material out of band.

This package does not interpret or transform the bytes it stores; the
backend's non-goal of never performing cryptography itself applies here
as much as it does to vlob contents.
*/
package messages
