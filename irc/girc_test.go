package irc_test

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/lrstanley/girc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newGircClient builds a girc client pointed at the test server.
func newGircClient(t *testing.T, addr, nick string, saslUser, saslPass string) *girc.Client {
	t.Helper()

	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := girc.Config{
		Server: host,
		Port:   port,
		Nick:   nick,
		User:   nick,
		Name:   nick + " via girc",
	}
	if saslUser != "" {
		cfg.SASL = &girc.SASLPlain{User: saslUser, Pass: saslPass}
	}

	client := girc.New(cfg)
	t.Cleanup(client.Close)
	return client
}

// TestGircInterop drives the server with a real third-party client:
// registration, CAP negotiation, JOIN and channel delivery.
func TestGircInterop(t *testing.T) {
	addr, _ := startServer(t)

	received := make(chan string, 1)
	readerJoined := make(chan struct{}, 1)

	reader := newGircClient(t, addr, "reader", "", "")
	reader.Handlers.Add(girc.CONNECTED, func(c *girc.Client, e girc.Event) {
		c.Cmd.Join("#interop")
	})
	reader.Handlers.Add(girc.JOIN, func(c *girc.Client, e girc.Event) {
		if e.Source != nil && e.Source.Name == c.GetNick() {
			select {
			case readerJoined <- struct{}{}:
			default:
			}
		}
	})
	reader.Handlers.Add(girc.PRIVMSG, func(c *girc.Client, e girc.Event) {
		select {
		case received <- e.Last():
		default:
		}
	})
	go reader.Connect()

	select {
	case <-readerJoined:
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not join #interop in time")
	}

	writer := newGircClient(t, addr, "writer", "", "")
	writer.Handlers.Add(girc.CONNECTED, func(c *girc.Client, e girc.Event) {
		c.Cmd.Join("#interop")
	})
	writer.Handlers.Add(girc.JOIN, func(c *girc.Client, e girc.Event) {
		if e.Source != nil && e.Source.Name == c.GetNick() {
			c.Cmd.Message("#interop", "hello from girc")
		}
	})
	go writer.Connect()

	select {
	case msg := <-received:
		assert.Equal(t, "hello from girc", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not receive the channel message in time")
	}
}

// TestGircSASL authenticates over SASL PLAIN with a real client.
func TestGircSASL(t *testing.T) {
	addr, mem := startServer(t)
	mem.AddAccount("sasluser", "sekrit")

	connected := make(chan struct{}, 1)

	client := newGircClient(t, addr, "sasluser", "sasluser", "sekrit")
	client.Handlers.Add(girc.CONNECTED, func(c *girc.Client, e girc.Event) {
		select {
		case connected <- struct{}{}:
		default:
		}
	})
	go client.Connect()

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("SASL client did not finish registration in time")
	}
}
