package irc

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// registrationDeadline bounds how long an unregistered connection may sit
// on the socket before the read loop gives up.
const registrationDeadline = 60 * time.Second

// outboundQueueSize is the per-connection writer queue depth. Producers
// block once a client falls this far behind.
const outboundQueueSize = 64

// Client represents a connected IRC client
type Client struct {
	sync.RWMutex
	conn      net.Conn
	server    *Server
	sessionID string // connection id used in logs until a nick is known

	nickname string // display casing
	username string
	realname string
	hostname string

	password      string // from PASS, tried against the account store at registration
	registered    bool
	authenticated bool
	accountName   string
	awayMessage   string

	channels map[string]*Channel // canonical channel name -> channel

	Modes        UserMode
	capabilities *ClientCapabilities
	sasl         *saslSession

	writeCh  chan *Message
	done     chan struct{}
	doneOnce sync.Once
	quitOnce sync.Once
}

// newClient wraps an accepted connection.
func (s *Server) newClient(conn net.Conn) *Client {
	host := conn.RemoteAddr().String()
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	return &Client{
		conn:         conn,
		server:       s,
		sessionID:    uuid.NewString(),
		hostname:     host,
		channels:     make(map[string]*Channel),
		capabilities: NewClientCapabilities(),
		writeCh:      make(chan *Message, outboundQueueSize),
		done:         make(chan struct{}),
	}
}

// handleConnection runs the connection's read loop until the peer goes
// away, then cleans up.
func (c *Client) handleConnection() {
	defer c.quit("Connection closed")

	log.Printf("[%s] *** New client connected from %s", c.sessionID, c.hostname)

	go c.writeLoop()

	textReader := textproto.NewReader(bufio.NewReader(c.conn))

	// Bound the registration handshake.
	c.conn.SetReadDeadline(time.Now().Add(registrationDeadline))

	for {
		line, err := textReader.ReadLine()
		if err != nil {
			if err != io.EOF {
				log.Printf("[%s] Error reading from client: %v", c.logName(), err)
			} else {
				log.Printf("[%s] Client disconnected", c.logName())
			}
			return
		}

		if line == "" {
			continue
		}

		c.handleLine(line)

		select {
		case <-c.done:
			return
		default:
		}
	}
}

// writeLoop is the connection's single writer. It serializes outbound
// messages, stripping tags for clients without message-tags, and drains
// the queue once the connection is done.
func (c *Client) writeLoop() {
	defer c.conn.Close()

	writer := bufio.NewWriter(c.conn)

	writeOne := func(m *Message) bool {
		c.RLock()
		wantsTags := c.capabilities.HasCapability(CapMessageTags)
		c.RUnlock()
		if !wantsTags {
			m = m.WithoutTags()
		}

		line := m.String()
		if c.server.config.Debug {
			log.Printf("[%s] => %s", c.logName(), line)
		}

		if _, err := writer.WriteString(line + "\r\n"); err != nil {
			log.Printf("[%s] Write error: %v", c.logName(), err)
			return false
		}
		if err := writer.Flush(); err != nil {
			log.Printf("[%s] Flush error: %v", c.logName(), err)
			return false
		}

		c.server.stats.Lock()
		c.server.stats.MessagesSent++
		c.server.stats.Unlock()
		return true
	}

	for {
		select {
		case m := <-c.writeCh:
			if !writeOne(m) {
				go c.quit("Connection closed")
				return
			}
		case <-c.done:
			// Flush whatever is already queued, then close.
			for {
				select {
				case m := <-c.writeCh:
					if !writeOne(m) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// send enqueues a message for the connection's writer.
func (c *Client) send(m *Message) {
	select {
	case <-c.done:
	case c.writeCh <- m:
	}
}

// sendNumeric sends a numeric reply with the server prefix and the
// client's nick (or *) prepended.
func (c *Client) sendNumeric(numeric int, params ...string) {
	c.send(ServerReply(c.server.config.ServerName, numeric, c.nickname, params...))
}

// nickUhost is the client's nick!user@host prefix.
func (c *Client) nickUhost() string {
	return FormatHostmask(c.nickname, c.username, c.hostname)
}

// logName identifies the connection in logs: nickname when known, session
// id before that.
func (c *Client) logName() string {
	if c.nickname != "" {
		return c.nickname
	}
	return c.sessionID
}

// preRegistrationCommands may arrive before registration completes. Any
// other command from an unregistered connection is dropped silently.
var preRegistrationCommands = map[string]struct{}{
	CmdPass:         {},
	CmdCap:          {},
	CmdAuthenticate: {},
	CmdNick:         {},
	CmdUser:         {},
	CmdQuit:         {},
	CmdPing:         {},
}

// handleLine parses one inbound line and dispatches it.
func (c *Client) handleLine(line string) {
	if c.server.config.Debug {
		log.Printf("[%s] <= %#v", c.logName(), line)
	}

	m := ParseMessage(line)
	if m == nil {
		return
	}

	c.server.stats.Lock()
	c.server.stats.MessagesReceived++
	c.server.stats.Unlock()

	if !c.registered {
		if _, ok := preRegistrationCommands[m.Command]; !ok {
			return
		}
	}

	c.handleCommand(m)
}

// handleCommand dispatches a parsed message to its handler.
func (c *Client) handleCommand(m *Message) {
	params := m.Params

	switch m.Command {
	case CmdPass:
		c.handlePass(params)
	case CmdPing:
		c.handlePing(params)
	case CmdPong:
		// Nothing to do; the peer is alive.
	case CmdNick:
		c.handleNick(params)
	case CmdUser:
		c.handleUser(params)
	case CmdCap:
		c.handleCAP(params)
	case CmdAuthenticate:
		c.handleAuthenticate(params)
	case CmdJoin:
		c.handleJoin(params)
	case CmdPart:
		c.handlePart(params)
	case CmdPrivmsg:
		c.handleRelay(m, false)
	case CmdNotice:
		c.handleRelay(m, true)
	case CmdQuit:
		reason := "Client quit"
		if len(params) > 0 {
			reason = params[0]
		}
		c.quit(reason)
	case CmdMode:
		c.handleMode(params)
	case CmdTopic:
		c.handleTopic(params)
	case CmdList:
		c.handleList(params)
	case CmdNames:
		c.handleNames(params)
	case CmdWho:
		c.handleWho(params)
	case CmdWhois:
		c.handleWhois(params)
	case CmdWhowas:
		c.handleWhowas(params)
	case CmdOper:
		c.handleOper(params)
	case CmdAway:
		c.handleAway(params)
	case CmdInvite:
		c.handleInvite(params)
	case CmdKick:
		c.handleKick(params)
	case CmdKill:
		c.handleKill(params)
	case CmdVersion:
		c.handleVersion(params)
	case CmdAdmin:
		c.handleAdmin(params)
	case CmdTime:
		c.handleTime(params)
	case CmdInfo:
		c.handleInfo(params)
	case CmdUserhost:
		c.handleUserhost(params)
	case CmdIson:
		c.handleIson(params)
	case CmdMotd:
		c.handleMotd(params)
	case CmdLusers:
		c.handleLusers(params)
	default:
		c.sendNumeric(ERR_UNKNOWNCOMMAND, m.Command, "Unknown command")
	}
}

// handlePing replies with a PONG carrying the server name and the token.
func (c *Client) handlePing(params []string) {
	if len(params) < 1 {
		c.sendNumeric(ERR_NOORIGIN, "No origin specified")
		return
	}

	c.send(ServerMessage(c.server.config.ServerName, CmdPong,
		c.server.config.ServerName, params[0]))
}

// handlePass records the connection password for the authentication
// attempt at registration time.
func (c *Client) handlePass(params []string) {
	if c.registered {
		c.sendNumeric(ERR_ALREADYREGISTRED, "You may not reregister")
		return
	}

	if len(params) < 1 {
		c.sendNumeric(ERR_NEEDMOREPARAMS, CmdPass, "Not enough parameters")
		return
	}

	c.password = params[0]
}

// handleNick claims or changes the client's nickname.
func (c *Client) handleNick(params []string) {
	if len(params) < 1 {
		c.sendNumeric(ERR_NONICKNAMEGIVEN, "No nickname given")
		return
	}

	newNick := params[0]

	if !isValidNickname(newNick) {
		c.sendNumeric(ERR_ERRONEUSNICKNAME, newNick, "Erroneous nickname")
		return
	}

	oldNick := c.nickname
	if !c.server.claimNick(c, oldNick, newNick) {
		c.sendNumeric(ERR_NICKNAMEINUSE, newNick, "Nickname is already in use")
		return
	}

	if c.registered && oldNick != "" {
		// The change is announced with the old prefix.
		announce := UserMessage(c.nickUhost(), CmdNick, newNick)

		notified := map[*Client]struct{}{c: {}}
		c.send(announce)

		c.RLock()
		channels := make([]*Channel, 0, len(c.channels))
		for _, channel := range c.channels {
			channels = append(channels, channel)
		}
		c.RUnlock()

		for _, channel := range channels {
			channel.Lock()
			channel.renameMember(oldNick, newNick)
			for _, member := range channel.members {
				if _, seen := notified[member]; seen {
					continue
				}
				member.send(announce)
				notified[member] = struct{}{}
			}
			channel.Unlock()
		}
	}

	c.Lock()
	c.nickname = newNick
	c.Unlock()

	if !c.registered && c.username != "" {
		c.tryCompleteRegistration()
	}
}

// handleUser stores the username and realname.
func (c *Client) handleUser(params []string) {
	if c.username != "" {
		c.sendNumeric(ERR_ALREADYREGISTRED, "You may not reregister")
		return
	}

	if len(params) < 3 {
		c.sendNumeric(ERR_NEEDMOREPARAMS, CmdUser, "Not enough parameters")
		return
	}

	c.Lock()
	c.username = params[0]
	c.realname = params[len(params)-1]
	c.Unlock()

	if c.nickname != "" {
		c.tryCompleteRegistration()
	}
}

// tryCompleteRegistration promotes the connection to Registered once both
// NICK and USER have arrived.
func (c *Client) tryCompleteRegistration() {
	if c.registered || c.nickname == "" || c.username == "" {
		return
	}

	// Best effort: a pending PASS password is tried against the account
	// named by USER. Failure stays silent and the session continues
	// unauthenticated.
	if c.password != "" && !c.authenticated {
		if c.server.store.Authenticate(c.username, c.password) {
			c.Lock()
			c.authenticated = true
			c.accountName = c.username
			c.Unlock()
		}
	}

	c.Lock()
	c.registered = true
	c.Unlock()

	c.conn.SetReadDeadline(time.Time{})

	log.Printf("[%s] Client registered: %s", c.sessionID, c.nickUhost())

	cfg := c.server.config
	c.sendNumeric(RPL_WELCOME,
		fmt.Sprintf("Welcome to the %s IRC Network %s", cfg.ServerName, c.nickUhost()))
	c.sendNumeric(RPL_YOURHOST,
		fmt.Sprintf("Your host is %s, running version %s", cfg.ServerName, serverVersion))
	c.sendNumeric(RPL_CREATED,
		fmt.Sprintf("This server was created %s",
			c.server.stats.StartTime.Format(time.RFC1123)))
	c.sendNumeric(RPL_MYINFO, cfg.ServerName, serverVersion, "iow", "biklmnopstv")

	if c.authenticated {
		c.sendLoggedIn()
	}

	c.sendMotd()
}

// quit tears the connection down: one QUIT per channel to the remaining
// members, registry cleanup, then socket close. Safe to call from any exit
// path; only the first call acts.
func (c *Client) quit(reason string) {
	c.quitOnce.Do(func() {
		if c.registered {
			quitMsg := UserMessage(c.nickUhost(), CmdQuit, reason)

			c.RLock()
			channels := make([]*Channel, 0, len(c.channels))
			for _, channel := range c.channels {
				channels = append(channels, channel)
			}
			c.RUnlock()

			for _, channel := range channels {
				channel.Lock()
				channel.removeMember(c.nickname)
				for _, member := range channel.members {
					member.send(quitMsg)
				}
				empty := len(channel.members) == 0
				channel.Unlock()

				if empty {
					c.server.dropChannelIfEmpty(channel)
				}
			}

			c.Lock()
			c.channels = make(map[string]*Channel)
			c.Unlock()
		}

		c.server.releaseNick(c, c.nickname)

		// Best effort; the writer may already be gone and the queue full.
		farewell := ServerMessage(c.server.config.ServerName, CmdError,
			fmt.Sprintf("Closing Link: %s (%s)", c.hostname, reason))
		select {
		case c.writeCh <- farewell:
		default:
		}

		c.server.stats.Lock()
		c.server.stats.ConnectionCount--
		c.server.stats.Unlock()

		// The writer drains the queue and closes the socket.
		c.doneOnce.Do(func() { close(c.done) })
	})
}

// isAway returns the away state and message.
func (c *Client) isAway() (bool, string) {
	c.RLock()
	defer c.RUnlock()
	return c.awayMessage != "", c.awayMessage
}

// isValidNickname checks if a nickname is valid
func isValidNickname(nick string) bool {
	if len(nick) < 1 || len(nick) > 30 {
		return false
	}

	for i, ch := range nick {
		// First character can't be a number
		if i == 0 && ch >= '0' && ch <= '9' {
			return false
		}

		// Valid characters: A-Z, a-z, 0-9, and special chars like -_[]{}|\^
		if !((ch >= 'A' && ch <= 'Z') ||
			(ch >= 'a' && ch <= 'z') ||
			(ch >= '0' && ch <= '9') ||
			strings.ContainsRune("-_[]{}|\\^", ch)) {
			return false
		}
	}

	return true
}

// isValidChannelName checks if a channel name is valid. Only # channels
// are supported.
func isValidChannelName(name string) bool {
	if len(name) < 2 || name[0] != '#' {
		return false
	}

	// No spaces, bells, commas, colons, or NULs.
	return !strings.ContainsAny(name, " ,:\x00\x07")
}
