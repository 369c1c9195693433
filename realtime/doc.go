// Package realtime is the live event distribution core.
//
// It holds one bounded outbound channel per connected user (ConnectionRegistry),
// merges that channel with a periodic heartbeat into the stream a client sees
// (Session), and fans a single domain event out to every connected member of a
// group plus every privileged user (Broadcaster, FanoutResolver).
//
// Delivery is best-effort: producers are never blocked, a full subscription
// buffer drops the event for that one subscriber, and no event is kept for a
// user who is not connected.
package realtime
