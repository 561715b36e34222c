/*
Package types defines the core identifiers and value types shared across
parsecd's realm/vlob backend.

This package has no dependency on any other parsecd package: every other
package (storage, policy, realm, vlob, maintenance, dispatch, wire) imports
types rather than redefining identifiers, so an OrganizationID or RealmID
means the same thing everywhere.

# Identifiers

Realms and vlobs are identified by 128-bit UUIDs wrapped in distinct
uuid.UUID-backed types. OrganizationID, UserID and DeviceID are distinct
string-backed types: organizations are named by a client-chosen
human-readable slug, and devices by a "user@device" string. Wrapping
catches, at compile time, the class of bug where a VlobID is passed where a
RealmID was expected.

# Versioning and time

Version and EncryptionRevision are both monotone counters starting at 1.
Timestamp truncates to microsecond precision so that a value survives a
round trip through the msgpack wire codec (pkg/wire) without picking up
sub-microsecond jitter that would otherwise break equality checks used by
the ballpark and monotonicity invariants.
*/
package types
