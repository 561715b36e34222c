/*
Package policy implements the access-rights check every dispatcher command
runs before touching a realm: given a role snapshot and the kind of
operation requested, decide whether the caller may proceed.

The check is a pure function of its inputs. It does not read storage and
does not hold any lock; callers pass it the realm snapshot (status,
current encryption revision) and the caller's current role, both already
loaded under whatever critical section the caller needs for its own
consistency.
*/
package policy
