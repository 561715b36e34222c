// Package events implements parsecd's realm-scoped in-process event bus.
//
// Mutations in pkg/realm and pkg/vlob publish typed events here; long-poll
// subscribers (the events_listen command, pkg/session) receive them
// through a per-connection Subscriber channel. Delivery is best-effort and
// at-least-once within this process: a subscriber whose buffer is full
// silently drops the event rather than blocking the publisher, so
// consumers must treat the checkpoint carried on REALM_VLOBS_UPDATED as the
// source of truth and re-poll rather than relying on every event arriving.
package events
