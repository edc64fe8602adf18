// Package chat owns the live Twitch chat connections of the bridge.
//
// A Manager keeps at most one connection per key (bot username + channel). Connections are
// opened lazily by GetOrCreate: the token is resolved, an auth strategy is chosen (a
// self-refreshing provider when the account carries a client secret, a static one otherwise),
// and the transport's handlers are wired to the normalizer before the connect call. Concurrent
// GetOrCreate calls for one key share a single connect.
//
// Inbound group messages and whispers are normalized into InboundMessage and handed to the one
// handler registered for the key with OnMessage; a later registration replaces the earlier one.
//
// SendMessage and Probe never return errors or panic past the package boundary. Failures are
// reported in SendResult and ProbeResult.
//
// The default transport is github.com/gempir/go-twitch-irc, which rejoins its channels after a
// reconnect and rate limits outbound lines itself.
package chat
