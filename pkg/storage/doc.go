/*
Package storage provides BoltDB-backed persistence for parsecd's realm/vlob
state: organizations, realms, role certificates, vlobs and their version
history, the per-realm change log, and the reencryption staging area.

# Bucket layout

All records are JSON-encoded values in one of seven buckets, keyed by a
composite, zero-padded string so that bbolt's natural key-order iteration
(ForEach walks keys in byte order) gives callers the orderings spec §4
requires for free:

	organizations   org_id                                -> Organization
	realms          org_id|realm_id                        -> Realm
	role_certs      org_id|realm_id|index(%020d)           -> Certificate
	vlobs           org_id|vlob_id                          -> VlobRecord
	changes         org_id|realm_id|checkpoint(%020d)       -> Change
	checkpoints     org_id|realm_id                        -> uint64 (8-byte big-endian, not JSON)
	staging         org_id|realm_id|vlob_id|version(%020d)  -> StagingEntry

An eighth bucket, staging_meta, holds one StagingMeta record per
(org_id, realm_id) recording the target encryption revision and the
total/done counters spec §4.2's maintenance_save_reencryption_batch reply
needs.

Every operation that must be atomic with respect to concurrent callers
(version-conflict detection, checkpoint increment, staging batch save) is
implemented as a single bbolt.Update transaction: bbolt serializes writers
at the database level, so a read-modify-write inside one Update call is
exactly the critical section spec §5 asks for. pkg/realm and pkg/vlob add a
second, coarser per-(organization, realm) mutex on top of this so a single
logical operation that touches more than one bucket (for example "append a
vlob version, then append a change-log entry, then bump the checkpoint") is
atomic as a whole, not just at the level of each individual bucket write.
*/
package storage
