/*
Package irc implements an RFC 1459/2812 Internet Relay Chat server with a
selected set of IRCv3 extensions.

# Connection lifecycle

Every accepted socket runs as its own goroutine with a dedicated read loop
and a writer goroutine consuming a per-connection queue. A connection is
Unregistered until both NICK and USER arrive, at which point the welcome
burst (001–004) is sent; before that only PASS, CAP, AUTHENTICATE, NICK,
USER, QUIT and PING are honored. Cleanup is a single idempotent routine
shared by every exit path: graceful QUIT, read errors, write errors and
server shutdown.

# Capabilities

The server advertises sasl (PLAIN), message-tags and msgid via CAP
negotiation. Messages persisted to history carry a msgid tag with their
history id; a +reply client tag threads a message under an earlier id and
is echoed to capable recipients. The per-connection writer strips tags for
clients that did not negotiate message-tags.

# World state

The Server guards the nickname and channel registries with one RWMutex;
each Channel guards its members, modes, bans and invitations with its own.
Multi-step operations on a channel (access checks, membership changes and
the resulting broadcast) run inside one channel critical section, so every
member observes the same per-channel message order. Lock order is always
registry before channel.

# Persistence

Accounts and message history live behind the store.Store interface. SASL
and PASS authentication, privacy flags and history appends are the only
persistence calls on the hot path; store failures degrade to an
unauthenticated session and dropped appends, never a disconnect.
*/
package irc

// serverVersion is reported in the welcome burst, VERSION and INFO.
const serverVersion = "malefirc-1.0"
