/*
Package vlob implements the Vlob component: versioned, append-only
encrypted blobs, the per-realm change log and checkpoint, and the
reencryption staging area maintenance batches are drawn from.

Every write path (create, update, save a reencryption batch) runs inside
the owning realm's critical section (pkg/realm.Component.Lock), so that a
concurrent realm-status transition can never interleave with a vlob
mutation that has already passed its access-rights check.
*/
package vlob
