// Package store provides durable persistence for sessions, per-session
// delivery configuration, credential blobs, and protocol entities (messages,
// contacts, chats, groups), with a SQLite implementation and an in-memory
// mock for tests.
package store
