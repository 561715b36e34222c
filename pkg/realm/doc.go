/*
Package realm implements the Realm/Role component: the append-only role
certificate log for each realm, the NORMAL/MAINTENANCE status state
machine, and the per-(organization, realm) critical section every mutation
runs inside.

A realm's role log is never rewritten, only appended to: granting or
revoking a role appends one more Certificate with a strictly greater
GrantedOn timestamp than every certificate before it. The current role a
user holds is the role carried by the last certificate naming that user,
or RoleNone if no certificate names them yet.
*/
package realm
