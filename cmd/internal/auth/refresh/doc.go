// Package refresh implements Craft's refresh-token rotation protocol.
//
// Every refresh token is exchangeable exactly once. Rotation atomically
// consumes the presented record and creates a linked successor; a consumed
// token presented again is a replay and revokes the subject's entire
// refresh lineage, forcing re-authentication.
//
// The linearization point lives inside the Store: concurrent rotations of
// the same jti must yield exactly one success regardless of backend
// (in-memory mutex, Postgres row lock, Redis Lua script).
package refresh
