// Package tokenstore persists upstream OAuth token records.
//
// Records live in a key/value backend (KV). Three backends are provided:
// MemoryKV for single-process runs and tests, RedisKV for deployments where
// several processes share tokens, and FileKV for local persistence across
// restarts.
//
// Two topologies sit on top of a backend and expose the same Store contract:
//
//   - FixedKeyStore: a single record per application under "<app>:token",
//     with an advisory "<app>:token-sync" marker written on every change.
//   - KeyedStore: one record per authenticated identity under
//     "token:<userId>:<clientId>", with Migrate to move a record when a
//     placeholder identity is replaced by the real one.
//
// Save merges forward: fields left empty in the incoming record keep their
// previously stored values, so a refresh response that omits the refresh
// token does not erase it. Every save re-applies the configured TTL.
//
// Writes are last-write-wins. There is no compare-and-swap; concurrent
// writers in different processes may overwrite each other.
package tokenstore
