/*
Package session is a thin, optional adapter between a transport connection
and pkg/dispatch. It is not the external interface spec.md treats as out of
scope — it exists only so cmd/parsecd has something runnable to serve
commands over, using github.com/gorilla/websocket as the socket.

A Listener accepts one command per WebSocket message, hands the raw bytes
to pkg/dispatch, and writes back whatever dispatch.Dispatcher.Dispatch
returns. It performs no authentication: {organization, device} are read
from development-only request headers, trusting that a real deployment
puts an authenticating reverse proxy in front of this listener (spec.md
§1's scope boundary names identity verification as an external concern).

The one piece of real logic here is events_listen cancellation: spec.md §5
requires that sending a new command on a connection with an outstanding
events_listen cancels that listen. Each connection tracks the
context.CancelFunc of its current in-flight dispatch; receiving another
message before that command returns cancels it first, exactly the
nursery-scope pattern spec.md §9 calls for.
*/
package session
