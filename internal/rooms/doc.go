// Package rooms implements the Room Registry: per-room interest counting,
// listener sets, and the subscribe/unsubscribe intents derived from them.
//
// Registry state is guarded by the connection manager's lock (every mutation
// runs inside Conn.Do), so wire flags and the socket state never disagree.
package rooms
