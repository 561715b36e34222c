/*
Package dispatch implements parsecd's command dispatcher: the sole place
that translates a decoded wire.Frame into a component call and a component
error back into a wire status string.

Where the teacher's pkg/manager/fsm.go switches on a Command.Op string
inline inside Apply, pkg/dispatch builds an explicit table once, at
construction time: map[string]commandHandler. Adding a command means adding
one entry to that table, not a new case in a growing switch.

No component in pkg/realm, pkg/vlob, pkg/maintenance, or pkg/org knows
anything about wire statuses; they return sentinel errors. Only
errorStatus (in dispatch.go) and the per-command handlers in commands.go
know the mapping from those errors to the strings spec.md's command table
lists as "error statuses".
*/
package dispatch
