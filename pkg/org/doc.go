/*
Package org manages the minimal organization shard spec §6 names:
creating an organization with a bootstrap token, and redeeming that token
once.

Organization bootstrap in the wider Parsec sense (device enrollment,
invitations) is out of scope; this package only owns the organization
record and its token. Realm and vlob operations do not consult it.
*/
package org
