package irc_test

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malefirc/malefirc/config"
	"github.com/malefirc/malefirc/irc"
	"github.com/malefirc/malefirc/store"
)

const testTimeout = 2 * time.Second

// startServer boots a server on an ephemeral port with an in-memory store.
func startServer(t *testing.T) (addr string, mem *store.Memory) {
	t.Helper()

	cfg := config.Default()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.ServerName = "test.local"

	mem = store.NewMemory()
	srv := irc.NewServer(cfg, mem)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	return srv.Addr().String(), mem
}

// testClient is a raw TCP IRC client for driving the server.
type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dial(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err, "should connect to the server")
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (c *testClient) send(line string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(line + "\r\n"))
	require.NoError(c.t, err, "send %q", line)
}

// expect reads lines until one contains substr, failing on timeout.
func (c *testClient) expect(substr string) string {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(testTimeout))
	defer c.conn.SetReadDeadline(time.Time{})

	for {
		line, err := c.reader.ReadString('\n')
		require.NoError(c.t, err, "waiting for line containing %q", substr)
		line = strings.TrimRight(line, "\r\n")
		if strings.Contains(line, substr) {
			return line
		}
	}
}

// expectNone asserts no line containing substr arrives within wait.
func (c *testClient) expectNone(substr string, wait time.Duration) {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(wait))
	defer c.conn.SetReadDeadline(time.Time{})

	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return // timeout: nothing seen
		}
		if strings.Contains(line, substr) {
			c.t.Errorf("unexpected line containing %q: %s", substr, strings.TrimRight(line, "\r\n"))
			return
		}
	}
}

// collectUntil gathers lines up to and including the first containing
// stop.
func (c *testClient) collectUntil(stop string) []string {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(testTimeout))
	defer c.conn.SetReadDeadline(time.Time{})

	var lines []string
	for {
		line, err := c.reader.ReadString('\n')
		require.NoError(c.t, err, "waiting for line containing %q", stop)
		line = strings.TrimRight(line, "\r\n")
		lines = append(lines, line)
		if strings.Contains(line, stop) {
			return lines
		}
	}
}

// register completes the NICK/USER handshake and waits for the welcome.
func (c *testClient) register(nick string) {
	c.t.Helper()
	c.send("NICK " + nick)
	c.send(fmt.Sprintf("USER %s 0 * :%s the tester", nick, nick))
	c.expect(" 001 ")
	c.expect(" 376 ") // end of MOTD, the burst is done
}

func TestTwoUserChat(t *testing.T) {
	addr, _ := startServer(t)

	alice := dial(t, addr)
	alice.register("alice")

	bob := dial(t, addr)
	bob.register("bob")

	alice.send("JOIN #t")
	alice.expect("JOIN #t")

	bob.send("JOIN #t")
	bob.expect("JOIN #t")
	alice.expect(":bob!bob@127.0.0.1 JOIN #t")

	alice.send("PRIVMSG #t :hello")
	line := bob.expect("PRIVMSG #t :hello")
	assert.True(t, strings.HasPrefix(line, ":alice!alice@127.0.0.1 "), "got %q", line)

	// The sender gets no echo.
	alice.expectNone("PRIVMSG #t :hello", 300*time.Millisecond)
}

func TestHistoryAppendOnChannelMessage(t *testing.T) {
	addr, mem := startServer(t)

	alice := dial(t, addr)
	alice.register("alice")
	bob := dial(t, addr)
	bob.register("bob")

	alice.send("JOIN #t")
	alice.expect("JOIN #t")
	bob.send("JOIN #t")
	bob.expect("JOIN #t")

	alice.send("PRIVMSG #t :hello")
	bob.expect("PRIVMSG #t :hello")

	entries, err := mem.GetChannelHistory("#t", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "alice", entries[0].Sender)
	assert.Equal(t, "#t", entries[0].Target)
	assert.Equal(t, "hello", entries[0].Message)
	assert.Equal(t, "PRIVMSG", entries[0].MessageType)
	assert.True(t, entries[0].IsChannelMessage)
}

func TestNickConflict(t *testing.T) {
	addr, _ := startServer(t)

	first := dial(t, addr)
	first.register("alice")

	second := dial(t, addr)
	second.send("NICK alice")
	second.expect(" 433 ")
}

func TestRegistrationGate(t *testing.T) {
	addr, _ := startServer(t)

	lurker := dial(t, addr)
	lurker.send("JOIN #x")
	lurker.send("LIST")

	watcher := dial(t, addr)
	watcher.register("watcher")
	watcher.send("LIST")
	lines := watcher.collectUntil(" 323 ")
	for _, line := range lines {
		assert.NotContains(t, line, "#x")
	}
}

func TestChannelKey(t *testing.T) {
	addr, _ := startServer(t)

	alice := dial(t, addr)
	alice.register("alice")
	alice.send("JOIN #k")
	alice.expect("JOIN #k")
	alice.send("MODE #k +k secret")
	alice.expect("MODE #k +k secret")

	bob := dial(t, addr)
	bob.register("bob")
	bob.send("JOIN #k wrong")
	bob.expect(" 475 ")

	bob.send("JOIN #k secret")
	bob.expect("JOIN #k")
	line := bob.expect(" 353 ")
	assert.Contains(t, line, "@alice bob")
}

func TestModeratedChannel(t *testing.T) {
	addr, _ := startServer(t)

	alice := dial(t, addr)
	alice.register("alice")
	alice.send("JOIN #m")
	alice.expect("JOIN #m")
	alice.send("MODE #m +m")
	alice.expect("MODE #m +m")

	bob := dial(t, addr)
	bob.register("bob")
	bob.send("JOIN #m")
	bob.expect("JOIN #m")

	bob.send("PRIVMSG #m :muted")
	bob.expect(" 404 ")
	alice.expectNone("muted", 300*time.Millisecond)

	alice.send("MODE #m +v bob")
	bob.expect("MODE #m +v bob")

	bob.send("PRIVMSG #m :voiced now")
	alice.expect("PRIVMSG #m :voiced now")
}

func TestBanMask(t *testing.T) {
	addr, _ := startServer(t)

	alice := dial(t, addr)
	alice.register("alice")
	alice.send("JOIN #b")
	alice.expect("JOIN #b")
	alice.send("MODE #b +b *!*@127.0.0.1")
	alice.expect("MODE #b +b")

	bob := dial(t, addr)
	bob.register("bob")
	bob.send("JOIN #b")
	bob.expect(" 474 ")

	// The ban list is returned by +b with no argument.
	alice.send("MODE #b +b")
	alice.expect(" 367 ")
	alice.expect(" 368 ")
}

func TestUserLimit(t *testing.T) {
	addr, _ := startServer(t)

	alice := dial(t, addr)
	alice.register("alice")
	alice.send("JOIN #l")
	alice.expect("JOIN #l")
	alice.send("MODE #l +l 1")
	alice.expect("MODE #l +l 1")

	bob := dial(t, addr)
	bob.register("bob")
	bob.send("JOIN #l")
	bob.expect(" 471 ")
}

func TestTopicLock(t *testing.T) {
	addr, _ := startServer(t)

	alice := dial(t, addr)
	alice.register("alice")
	alice.send("JOIN #t")
	alice.expect("JOIN #t")
	alice.send("TOPIC #t :original topic")
	alice.expect("TOPIC #t :original topic")
	alice.send("MODE #t +t")
	alice.expect("MODE #t +t")

	bob := dial(t, addr)
	bob.register("bob")
	bob.send("JOIN #t")
	bob.expect(" 332 ")

	bob.send("TOPIC #t :hijacked")
	bob.expect(" 482 ")

	bob.send("TOPIC #t")
	line := bob.expect(" 332 ")
	assert.Contains(t, line, "original topic")
}

func TestInviteOnly(t *testing.T) {
	addr, _ := startServer(t)

	alice := dial(t, addr)
	alice.register("alice")
	alice.send("JOIN #i")
	alice.expect("JOIN #i")
	alice.send("MODE #i +i")
	alice.expect("MODE #i +i")

	bob := dial(t, addr)
	bob.register("bob")
	bob.send("JOIN #i")
	bob.expect(" 473 ")

	alice.send("INVITE bob #i")
	alice.expect(" 341 ")
	bob.expect("INVITE bob #i")

	bob.send("JOIN #i")
	bob.expect("JOIN #i")
}

func TestKick(t *testing.T) {
	addr, _ := startServer(t)

	alice := dial(t, addr)
	alice.register("alice")
	alice.send("JOIN #t")
	alice.expect("JOIN #t")

	bob := dial(t, addr)
	bob.register("bob")
	bob.send("JOIN #t")
	bob.expect("JOIN #t")

	// Non-ops cannot kick.
	bob.send("KICK #t alice :revolt")
	bob.expect(" 482 ")

	alice.send("KICK #t bob :begone")
	kick := bob.expect("KICK #t bob")
	assert.Contains(t, kick, "begone")
	// The sender sees the echo too.
	alice.expect("KICK #t bob")

	// bob is gone: a message from bob is now external (+n default off, so
	// it still delivers; membership is what we check via NAMES).
	alice.send("NAMES #t")
	names := alice.expect(" 353 ")
	assert.NotContains(t, names, "bob")
}

func TestQuitCascade(t *testing.T) {
	addr, _ := startServer(t)

	alice := dial(t, addr)
	alice.register("alice")
	for _, ch := range []string{"#a", "#b", "#solo"} {
		alice.send("JOIN " + ch)
		alice.expect("JOIN " + ch)
	}

	bob := dial(t, addr)
	bob.register("bob")
	bob.send("JOIN #a")
	bob.expect("JOIN #a")

	carol := dial(t, addr)
	carol.register("carol")
	carol.send("JOIN #b")
	carol.expect("JOIN #b")

	// Socket close, not QUIT: cleanup still runs.
	alice.conn.Close()

	quitLine := bob.expect("QUIT")
	assert.True(t, strings.HasPrefix(quitLine, ":alice!alice@127.0.0.1 "), "got %q", quitLine)
	assert.Contains(t, quitLine, "Connection closed")
	carol.expect("QUIT")

	// Each member sees exactly one QUIT.
	bob.expectNone("QUIT", 300*time.Millisecond)

	// alice's solo channel is destroyed.
	bob.send("LIST")
	lines := bob.collectUntil(" 323 ")
	for _, line := range lines {
		assert.NotContains(t, line, "#solo")
	}
}

func TestMentionNotice(t *testing.T) {
	addr, _ := startServer(t)

	alice := dial(t, addr)
	alice.register("alice")
	alice.send("JOIN #t")
	alice.expect("JOIN #t")

	bob := dial(t, addr)
	bob.register("bob")
	bob.send("JOIN #t")
	bob.expect("JOIN #t")

	alice.send("PRIVMSG #t :hey @bob take a look")
	bob.expect("PRIVMSG #t :hey @bob take a look")
	notice := bob.expect("NOTICE")
	assert.Contains(t, notice, "alice mentioned you in #t: hey @bob take a look")
	bob.expectNone("mentioned you", 300*time.Millisecond)

	// Mentions of absent users produce nothing.
	alice.send("PRIVMSG #t :ping @carol")
	bob.expect("PRIVMSG #t :ping @carol")
	bob.expectNone("mentioned", 300*time.Millisecond)
}

func TestMsgidAndReplyTags(t *testing.T) {
	addr, _ := startServer(t)

	alice := dial(t, addr) // no tags negotiated
	alice.register("alice")
	alice.send("JOIN #t")
	alice.expect("JOIN #t")

	bob := dial(t, addr)
	bob.send("CAP LS 302")
	bob.expect("LS")
	bob.send("CAP REQ :message-tags msgid")
	bob.expect("ACK")
	bob.send("CAP END")
	bob.register("bob")
	bob.send("JOIN #t")
	bob.expect("JOIN #t")

	carol := dial(t, addr)
	carol.send("CAP REQ :message-tags")
	carol.expect("ACK")
	carol.register("carol")
	carol.send("JOIN #t")
	carol.expect("JOIN #t")

	// First persisted message gets id 1.
	alice.send("PRIVMSG #t :hi")
	tagged := bob.expect("PRIVMSG #t :hi")
	assert.True(t, strings.HasPrefix(tagged, "@msgid=1 "), "got %q", tagged)

	// bob threads a reply under it.
	bob.send("@+reply=1 PRIVMSG #t :yo")

	carolLine := carol.expect("PRIVMSG #t :yo")
	assert.Contains(t, carolLine, "msgid=2")
	assert.Contains(t, carolLine, "+reply=1")

	// alice negotiated nothing and sees a bare message.
	aliceLine := alice.expect("PRIVMSG #t :yo")
	assert.False(t, strings.HasPrefix(aliceLine, "@"), "got %q", aliceLine)
}

func TestReplyThreadPersisted(t *testing.T) {
	addr, mem := startServer(t)

	alice := dial(t, addr)
	alice.register("alice")
	alice.send("JOIN #t")
	alice.expect("JOIN #t")

	bob := dial(t, addr)
	bob.register("bob")
	bob.send("JOIN #t")
	bob.expect("JOIN #t")

	alice.send("PRIVMSG #t :root")
	bob.expect("PRIVMSG #t :root")

	bob.send("@+reply=1 PRIVMSG #t :child")
	alice.expect("PRIVMSG #t :child")

	entry, err := mem.GetMessage(2)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.NotNil(t, entry.ReplyToID)
	assert.EqualValues(t, 1, *entry.ReplyToID)

	replies, err := mem.GetReplies(1, 10)
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, "child", replies[0].Message)
}

func TestSASLPlain(t *testing.T) {
	addr, mem := startServer(t)
	mem.AddAccount("alice", "secret")

	c := dial(t, addr)
	c.send("CAP LS 302")
	c.expect("sasl=PLAIN")
	c.send("CAP REQ :sasl")
	c.expect("ACK")
	c.send("AUTHENTICATE PLAIN")
	c.expect("AUTHENTICATE +")
	payload := base64.StdEncoding.EncodeToString([]byte("\x00alice\x00secret"))
	c.send("AUTHENTICATE " + payload)
	c.expect(" 903 ")
	c.expect(" 900 ")
	c.send("CAP END")
	c.register("alice")

	// WHOIS shows the account.
	c.send("WHOIS alice")
	line := c.expect(" 330 ")
	assert.Contains(t, line, "alice")
}

func TestSASLPlainWrongPassword(t *testing.T) {
	addr, mem := startServer(t)
	mem.AddAccount("alice", "secret")

	c := dial(t, addr)
	c.send("AUTHENTICATE PLAIN")
	c.expect("AUTHENTICATE +")
	payload := base64.StdEncoding.EncodeToString([]byte("\x00alice\x00wrong"))
	c.send("AUTHENTICATE " + payload)
	c.expect(" 904 ")

	// The session continues unauthenticated.
	c.register("alice")
	c.send("WHOIS alice")
	lines := c.collectUntil(" 318 ")
	for _, line := range lines {
		assert.NotContains(t, line, " 330 ")
	}
}

func TestSASLAbort(t *testing.T) {
	addr, _ := startServer(t)

	c := dial(t, addr)
	c.send("AUTHENTICATE PLAIN")
	c.expect("AUTHENTICATE +")
	c.send("AUTHENTICATE *")
	c.expect(" 906 ")
}

func TestPassRegistrationAuth(t *testing.T) {
	addr, mem := startServer(t)
	mem.AddAccount("alice", "secret")

	c := dial(t, addr)
	c.send("PASS secret")
	c.register("alice")
	c.send("WHOIS alice")
	line := c.expect(" 330 ")
	assert.Contains(t, line, "is logged in as")
}

func TestCapNakUnknown(t *testing.T) {
	addr, _ := startServer(t)

	c := dial(t, addr)
	c.send("CAP REQ :bogus-cap")
	c.expect("NAK")
}

func TestSecretChannelHiddenFromList(t *testing.T) {
	addr, _ := startServer(t)

	alice := dial(t, addr)
	alice.register("alice")
	alice.send("JOIN #hidden")
	alice.expect("JOIN #hidden")
	alice.send("MODE #hidden +s")
	alice.expect("MODE #hidden +s")

	bob := dial(t, addr)
	bob.register("bob")
	bob.send("LIST")
	for _, line := range bob.collectUntil(" 323 ") {
		assert.NotContains(t, line, "#hidden")
	}

	// Members still see it.
	alice.send("LIST")
	found := false
	for _, line := range alice.collectUntil(" 323 ") {
		if strings.Contains(line, "#hidden") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestAwayAndWho(t *testing.T) {
	addr, _ := startServer(t)

	alice := dial(t, addr)
	alice.register("alice")
	alice.send("JOIN #t")
	alice.expect("JOIN #t")

	bob := dial(t, addr)
	bob.register("bob")
	bob.send("JOIN #t")
	bob.expect("JOIN #t")

	bob.send("AWAY :gone fishing")
	bob.expect(" 306 ")

	alice.send("WHO #t")
	lines := alice.collectUntil(" 315 ")
	var bobFlags string
	for _, line := range lines {
		if strings.Contains(line, " bob ") {
			bobFlags = line
		}
	}
	assert.Contains(t, bobFlags, " G")

	// A direct message triggers the away notice.
	alice.send("PRIVMSG bob :you there?")
	bob.expect("PRIVMSG bob :you there?")
	away := alice.expect(" 301 ")
	assert.Contains(t, away, "gone fishing")

	bob.send("AWAY")
	bob.expect(" 305 ")
}

func TestOper(t *testing.T) {
	addr, _ := startServer(t)

	c := dial(t, addr)
	c.register("alice")

	c.send("OPER admin wrongpass")
	c.expect(" 464 ")

	c.send("OPER admin adminpass")
	c.expect(" 381 ")
	c.send("MODE alice")
	line := c.expect(" 221 ")
	assert.Contains(t, line, "o")
}

func TestKillRequiresOper(t *testing.T) {
	addr, _ := startServer(t)

	alice := dial(t, addr)
	alice.register("alice")
	bob := dial(t, addr)
	bob.register("bob")

	bob.send("KILL alice :no power")
	bob.expect(" 481 ")

	bob.send("OPER admin adminpass")
	bob.expect(" 381 ")
	bob.send("KILL alice :power")
	alice.expect("ERROR")
}

func TestPingPong(t *testing.T) {
	addr, _ := startServer(t)

	c := dial(t, addr)
	c.register("alice")
	c.send("PING token123")
	line := c.expect("PONG")
	assert.Equal(t, ":test.local PONG test.local token123", line)
}

func TestUnknownCommand(t *testing.T) {
	addr, _ := startServer(t)

	c := dial(t, addr)
	c.register("alice")
	c.send("FLUMMOX a b c")
	line := c.expect(" 421 ")
	assert.Contains(t, line, "FLUMMOX")
}

func TestIsonAndUserhost(t *testing.T) {
	addr, _ := startServer(t)

	alice := dial(t, addr)
	alice.register("alice")

	alice.send("ISON alice ghost")
	line := alice.expect(" 303 ")
	assert.Contains(t, line, "alice")
	assert.NotContains(t, line, "ghost")

	alice.send("USERHOST alice")
	line = alice.expect(" 302 ")
	assert.Contains(t, line, "alice=+alice@127.0.0.1")
}

func TestNickChangeAnnounced(t *testing.T) {
	addr, _ := startServer(t)

	alice := dial(t, addr)
	alice.register("alice")
	alice.send("JOIN #t")
	alice.expect("JOIN #t")

	bob := dial(t, addr)
	bob.register("bob")
	bob.send("JOIN #t")
	bob.expect("JOIN #t")

	alice.send("NICK alicia")
	line := bob.expect("NICK alicia")
	assert.True(t, strings.HasPrefix(line, ":alice!alice@127.0.0.1 "), "got %q", line)

	// The new nick owns the registry slot.
	carol := dial(t, addr)
	carol.send("NICK alicia")
	carol.expect(" 433 ")
}

func TestPartDestroysEmptyChannel(t *testing.T) {
	addr, _ := startServer(t)

	alice := dial(t, addr)
	alice.register("alice")
	alice.send("JOIN #gone")
	alice.expect("JOIN #gone")
	alice.send("PART #gone :bye")
	alice.expect("PART #gone")

	alice.send("LIST")
	for _, line := range alice.collectUntil(" 323 ") {
		assert.NotContains(t, line, "#gone")
	}

	// Rejoining recreates it with fresh state; alice is op again.
	alice.send("JOIN #gone")
	alice.expect("JOIN #gone")
	names := alice.expect(" 353 ")
	assert.Contains(t, names, "@alice")
}

func TestNoExternalMessages(t *testing.T) {
	addr, _ := startServer(t)

	alice := dial(t, addr)
	alice.register("alice")
	alice.send("JOIN #n")
	alice.expect("JOIN #n")
	alice.send("MODE #n +n")
	alice.expect("MODE #n +n")

	bob := dial(t, addr)
	bob.register("bob")
	bob.send("PRIVMSG #n :outsider")
	bob.expect(" 404 ")
	alice.expectNone("outsider", 300*time.Millisecond)
}

func TestPrivacyOptOutSkipsHistory(t *testing.T) {
	addr, mem := startServer(t)
	mem.AddAccount("alice", "secret")
	mem.SetPrivacy("alice", false, true)

	alice := dial(t, addr)
	alice.register("alice")
	alice.send("JOIN #t")
	alice.expect("JOIN #t")

	bob := dial(t, addr)
	bob.register("bob")
	bob.send("JOIN #t")
	bob.expect("JOIN #t")

	alice.send("PRIVMSG #t :off the record")
	line := bob.expect("PRIVMSG #t :off the record")
	assert.False(t, strings.HasPrefix(line, "@"), "unlogged messages carry no msgid: %q", line)

	entries, err := mem.GetChannelHistory("#t", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
