// Package irc keeps the bot's connection to Twitch chat alive and keeps the
// bot from being throttled or banned at the wire level.
//
// The Supervisor owns the connection lifecycle: it dials (TLS by default),
// authenticates with PASS/NICK/CAP, joins the desired channels, then runs a
// read loop and a write loop until one of them fails, after which it closes
// the socket and reconnects with exponential backoff (1s doubling to 30s,
// reset after a successful authenticated session).
//
// Outbound chat messages go through EnqueueSend into a FIFO queue drained by
// the write loop under a sliding-window throttle (default 18 sends / 30s,
// matching the non-verified Twitch limit with headroom). The queue is owned by
// the Supervisor rather than the socket, so messages enqueued during an outage
// survive the reconnect. Keepalive PINGs are answered inline from the read
// loop, bypassing both the queue and the throttle: a starved PONG risks a
// server-side disconnect.
//
// Handshake lines and JOINs are never throttled; only PRIVMSG lines count
// against the send window.
//
// Credentials: requires a bot username and a user OAuth token with
// chat:read/chat:edit scopes ("oauth:" prefix added if missing).
package irc
