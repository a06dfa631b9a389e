package irc

import "strings"

// handleCAP handles capability negotiation commands (CAP LS, CAP REQ, CAP END, etc.)
func (c *Client) handleCAP(params []string) {
	if len(params) < 1 {
		c.sendNumeric(ERR_NEEDMOREPARAMS, "CAP", "Not enough parameters")
		return
	}

	subCommand := strings.ToUpper(params[0])

	switch subCommand {
	case "LS":
		c.handleCapLS()
	case "LIST":
		c.handleCapLIST()
	case "REQ":
		c.handleCapREQ(params)
	case "END":
		c.handleCapEND()
	case "ACK", "NAK":
		// Client shouldn't send these, ignore
	default:
		c.send(ServerMessage(c.server.config.ServerName, CmdCap,
			c.replyTarget(), subCommand, "Unknown subcommand"))
	}
}

// handleCapLS advertises the server's capability set.
func (c *Client) handleCapLS() {
	c.capabilities.Negotiating = true

	var capList strings.Builder
	for _, name := range []string{CapSASL, CapMessageTags, CapMsgid} {
		if capList.Len() > 0 {
			capList.WriteString(" ")
		}
		capList.WriteString(ServerCapabilities[name].GetCapabilityString())
	}

	c.send(ServerMessage(c.server.config.ServerName, CmdCap,
		c.replyTarget(), "LS", capList.String()))
}

// handleCapLIST lists the currently enabled capabilities for this client
func (c *Client) handleCapLIST() {
	var enabledList strings.Builder
	for capName := range c.capabilities.Enabled {
		if enabledList.Len() > 0 {
			enabledList.WriteString(" ")
		}
		enabledList.WriteString(capName)
	}

	c.send(ServerMessage(c.server.config.ServerName, CmdCap,
		c.replyTarget(), "LIST", enabledList.String()))
}

// handleCapREQ handles capability requests from clients
func (c *Client) handleCapREQ(params []string) {
	if len(params) < 2 {
		c.send(ServerMessage(c.server.config.ServerName, CmdCap,
			c.replyTarget(), "NAK", "No capabilities specified"))
		return
	}

	capList := strings.TrimSpace(params[1])
	requestedCaps := strings.Fields(capList)

	// The REQ is all-or-nothing: NAK the whole list on any unknown name.
	for _, capName := range requestedCaps {
		name := strings.TrimPrefix(capName, "-")
		if _, exists := ServerCapabilities[name]; !exists {
			c.send(ServerMessage(c.server.config.ServerName, CmdCap,
				c.replyTarget(), "NAK", capList))
			return
		}
	}

	c.send(ServerMessage(c.server.config.ServerName, CmdCap,
		c.replyTarget(), "ACK", capList))

	c.Lock()
	for _, capName := range requestedCaps {
		if strings.HasPrefix(capName, "-") {
			c.capabilities.DisableCapability(capName[1:])
		} else {
			c.capabilities.EnableCapability(capName)
		}
	}
	c.Unlock()
}

// handleCapEND ends the capability negotiation. Registration itself is
// gated on NICK and USER only, so this is a checkpoint and nothing more.
func (c *Client) handleCapEND() {
	c.capabilities.Negotiating = false
	c.capabilities.RequestedCaps = nil
}

// replyTarget is the nick used in CAP and SASL replies; "*" before the
// client has one.
func (c *Client) replyTarget() string {
	if c.nickname != "" {
		return c.nickname
	}
	return "*"
}
