/*
Package maintenance implements the reencryption maintenance controller:
start_reencryption and finish_reencryption, each of which coordinates a
realm-status transition (pkg/realm) with the reencryption staging area
(pkg/vlob) and opaque per-participant message delivery (pkg/messages).

Neither pkg/realm nor pkg/vlob enforces the cross-component invariants on
its own (participant/message-recipient parity, staging emptiness before
finishing); this package is where those checks live, one level above the
components they read from.
*/
package maintenance
