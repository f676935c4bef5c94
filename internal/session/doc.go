// Package session owns the lifecycle of live protocol sessions: the
// sessionId -> connection table, the connection state machine with its
// reconnect and QR retry policies, credential write-through, and the event
// pipeline that persists entities (through dedup caches) before handing
// events to the router for fan-out.
package session
