package irc

import (
	"encoding/base64"
	"log"
	"strings"
)

// saslChunkSize is the length of a full AUTHENTICATE payload chunk. A
// client whose base64 data is longer splits it into 400-byte chunks; any
// shorter chunk (including "+", the empty chunk) terminates the payload.
const saslChunkSize = 400

type saslSession struct {
	mechanism string
	buf       strings.Builder
}

// handleAuthenticate drives the SASL PLAIN exchange during registration.
func (c *Client) handleAuthenticate(params []string) {
	if len(params) < 1 {
		c.sendNumeric(ERR_SASLFAIL, "SASL authentication failed")
		return
	}

	arg := params[0]

	// "*" aborts an exchange at any point.
	if arg == "*" {
		c.sasl = nil
		c.sendNumeric(ERR_SASLABORTED, "SASL authentication aborted")
		return
	}

	if c.sasl == nil {
		mech := strings.ToUpper(arg)
		if mech != "PLAIN" {
			c.sendNumeric(ERR_SASLFAIL, "SASL authentication failed")
			return
		}
		c.sasl = &saslSession{mechanism: mech}
		c.send(ServerMessage(c.server.config.ServerName, CmdAuthenticate, "+"))
		return
	}

	// Payload chunk. A full-size chunk means more follow.
	if arg != "+" {
		c.sasl.buf.WriteString(arg)
	}
	if len(arg) == saslChunkSize {
		return
	}

	payload := c.sasl.buf.String()
	c.sasl = nil

	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		c.sendNumeric(ERR_SASLFAIL, "Invalid base64-encoded response")
		return
	}

	// PLAIN: authzid NUL authcid NUL password.
	fields := strings.Split(string(decoded), "\x00")
	if len(fields) != 3 || fields[1] == "" {
		c.sendNumeric(ERR_SASLFAIL, "SASL authentication failed")
		return
	}
	authcid, password := fields[1], fields[2]

	if !c.server.store.Authenticate(authcid, password) {
		log.Printf("[%s] SASL authentication failed for account %q", c.sessionID, authcid)
		c.sendNumeric(ERR_SASLFAIL, "SASL authentication failed")
		return
	}

	c.Lock()
	c.authenticated = true
	c.accountName = authcid
	c.Unlock()

	log.Printf("[%s] SASL authentication succeeded for account %q", c.sessionID, authcid)
	c.sendNumeric(RPL_SASLSUCCESS, "SASL authentication successful")
	c.sendLoggedIn()
}

// sendLoggedIn emits RPL_LOGGEDIN (900) with the client's nick!user@host
// mask and the account name.
func (c *Client) sendLoggedIn() {
	c.sendNumeric(RPL_LOGGEDIN,
		FormatHostmask(c.replyTarget(), c.username, c.hostname),
		c.accountName, "You are now logged in as "+c.accountName)
}
