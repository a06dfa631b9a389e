package irc

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// handleTopic queries or sets a channel topic.
func (c *Client) handleTopic(params []string) {
	if len(params) < 1 {
		c.sendNumeric(ERR_NEEDMOREPARAMS, CmdTopic, "Not enough parameters")
		return
	}

	channelName := params[0]
	channel := c.server.getChannel(channelName)
	if channel == nil {
		c.sendNumeric(ERR_NOSUCHCHANNEL, channelName, "No such channel")
		return
	}

	// Query.
	if len(params) == 1 {
		channel.RLock()
		topic := channel.topic
		channel.RUnlock()

		if topic != "" {
			c.sendNumeric(RPL_TOPIC, channel.name, topic)
		} else {
			c.sendNumeric(RPL_NOTOPIC, channel.name, "No topic is set")
		}
		return
	}

	newTopic := params[1]

	channel.Lock()
	if channel.hasMode(ChanModeTopicLock) &&
		!channel.isOperator(c.nickname) && !c.Modes.Operator {
		channel.Unlock()
		c.sendNumeric(ERR_CHANOPRIVSNEEDED, channel.name, "You're not a channel operator")
		return
	}

	channel.topic = newTopic
	channel.broadcast(UserMessage(c.nickUhost(), CmdTopic, channel.name, newTopic))
	channel.Unlock()
}

// handleNames replies with the member list of a channel.
func (c *Client) handleNames(params []string) {
	if len(params) < 1 {
		c.sendNumeric(RPL_ENDOFNAMES, "*", "End of NAMES list")
		return
	}

	for _, channelName := range strings.Split(params[0], ",") {
		channel := c.server.getChannel(channelName)
		if channel != nil {
			channel.RLock()
			names := channel.namesList()
			channel.RUnlock()
			c.sendNumeric(RPL_NAMREPLY, "=", channel.name, names)
		}
		c.sendNumeric(RPL_ENDOFNAMES, channelName, "End of NAMES list")
	}
}

// handleList lists channels, skipping secret ones the caller is not on.
func (c *Client) handleList(_ []string) {
	c.sendNumeric(RPL_LISTSTART, "Channel", "Users  Name")

	canon := canonicalNick(c.nickname)
	for _, channel := range c.server.listChannels() {
		channel.RLock()
		_, isMember := channel.members[canon]
		secret := channel.hasMode(ChanModeSecret)
		count := len(channel.members)
		topic := channel.topic
		name := channel.name
		channel.RUnlock()

		if secret && !isMember {
			continue
		}

		// The topic parameter is omitted entirely when unset.
		if topic != "" {
			c.sendNumeric(RPL_LIST, name, fmt.Sprintf("%d", count), topic)
		} else {
			c.sendNumeric(RPL_LIST, name, fmt.Sprintf("%d", count))
		}
	}

	c.sendNumeric(RPL_LISTEND, "End of LIST")
}

// handleWho lists channel members with H (here) or G (gone) flags.
func (c *Client) handleWho(params []string) {
	if len(params) < 1 {
		c.sendNumeric(ERR_NEEDMOREPARAMS, CmdWho, "Not enough parameters")
		return
	}

	mask := params[0]
	channel := c.server.getChannel(mask)
	if channel != nil {
		channel.RLock()
		members := channel.orderedMembers()
		ops := make(map[*Client]bool, len(members))
		voiced := make(map[*Client]bool, len(members))
		for _, member := range members {
			ops[member] = channel.isOperator(member.nickname)
			voiced[member] = channel.isVoiced(member.nickname)
		}
		channel.RUnlock()

		for _, member := range members {
			flags := "H"
			if away, _ := member.isAway(); away {
				flags = "G"
			}
			if member.Modes.Operator {
				flags += "*"
			}
			if ops[member] {
				flags += "@"
			} else if voiced[member] {
				flags += "+"
			}

			c.sendNumeric(RPL_WHOREPLY, channel.name, member.username,
				member.hostname, c.server.config.ServerName, member.nickname,
				flags, "0 "+member.realname)
		}
	}

	c.sendNumeric(RPL_ENDOFWHO, mask, "End of WHO list")
}

// handleWhois reports details about one user. The first parameter is the
// target.
func (c *Client) handleWhois(params []string) {
	if len(params) < 1 {
		c.sendNumeric(ERR_NONICKNAMEGIVEN, "No nickname given")
		return
	}

	target := params[0]
	targetClient := c.server.lookupClient(target)
	if targetClient == nil {
		c.sendNumeric(ERR_NOSUCHNICK, target, "No such nick/channel")
		c.sendNumeric(RPL_ENDOFWHOIS, target, "End of WHOIS list")
		return
	}

	c.sendNumeric(RPL_WHOISUSER, targetClient.nickname, targetClient.username,
		targetClient.hostname, "*", targetClient.realname)

	// Channel list with @/+ prefixes.
	targetClient.RLock()
	channels := make([]*Channel, 0, len(targetClient.channels))
	for _, channel := range targetClient.channels {
		channels = append(channels, channel)
	}
	accountName := targetClient.accountName
	authenticated := targetClient.authenticated
	targetClient.RUnlock()

	if len(channels) > 0 {
		var list strings.Builder
		for _, channel := range channels {
			if list.Len() > 0 {
				list.WriteString(" ")
			}
			channel.RLock()
			if channel.isOperator(targetClient.nickname) {
				list.WriteString("@")
			} else if channel.isVoiced(targetClient.nickname) {
				list.WriteString("+")
			}
			name := channel.name
			channel.RUnlock()
			list.WriteString(name)
		}
		c.sendNumeric(RPL_WHOISCHANNELS, targetClient.nickname, list.String())
	}

	c.sendNumeric(RPL_WHOISSERVER, targetClient.nickname,
		c.server.config.ServerName, c.server.config.ServerName)

	if targetClient.Modes.Operator {
		c.sendNumeric(RPL_WHOISOPERATOR, targetClient.nickname, "is an IRC operator")
	}

	if authenticated {
		c.sendNumeric(RPL_WHOISACCOUNT, targetClient.nickname, accountName,
			"is logged in as")
	}

	if away, message := targetClient.isAway(); away {
		c.sendNumeric(RPL_AWAY, targetClient.nickname, message)
	}

	c.sendNumeric(RPL_ENDOFWHOIS, targetClient.nickname, "End of WHOIS list")
}

// handleWhowas reports on departed nicknames. The server keeps no nick
// history, so every lookup misses.
func (c *Client) handleWhowas(params []string) {
	if len(params) < 1 {
		c.sendNumeric(ERR_NONICKNAMEGIVEN, "No nickname given")
		return
	}

	nick := params[0]
	c.sendNumeric(ERR_WASNOSUCHNICK, nick, "There was no such nickname")
	c.sendNumeric(RPL_ENDOFWHOWAS, nick, "End of WHOWAS")
}

// handleAway sets or clears the away message.
func (c *Client) handleAway(params []string) {
	if len(params) == 0 || params[0] == "" {
		c.Lock()
		c.awayMessage = ""
		c.Unlock()
		c.sendNumeric(RPL_UNAWAY, "You are no longer marked as being away")
		return
	}

	c.Lock()
	c.awayMessage = params[0]
	c.Unlock()
	c.sendNumeric(RPL_NOWAWAY, "You have been marked as being away")
}

// handleOper grants server operator status against the configured
// credentials.
func (c *Client) handleOper(params []string) {
	if len(params) < 2 {
		c.sendNumeric(ERR_NEEDMOREPARAMS, CmdOper, "Not enough parameters")
		return
	}

	name, password := params[0], params[1]
	if name != c.server.config.OperName || password != c.server.config.OperPassword {
		c.sendNumeric(ERR_PASSWDMISMATCH, "Password incorrect")
		return
	}

	c.Lock()
	c.Modes.Operator = true
	c.Unlock()

	c.send(UserMessage(c.nickUhost(), CmdMode, c.nickname, "+o"))
	c.sendNumeric(RPL_YOUREOPER, "You are now an IRC operator")
}

// handleKill lets an operator disconnect another user.
func (c *Client) handleKill(params []string) {
	if !c.Modes.Operator {
		c.sendNumeric(ERR_NOPRIVILEGES, "Permission Denied - You're not an IRC operator")
		return
	}

	if len(params) < 1 {
		c.sendNumeric(ERR_NEEDMOREPARAMS, CmdKill, "Not enough parameters")
		return
	}

	targetNick := params[0]
	reason := "No reason"
	if len(params) > 1 {
		reason = params[1]
	}

	targetClient := c.server.lookupClient(targetNick)
	if targetClient == nil {
		c.sendNumeric(ERR_NOSUCHNICK, targetNick, "No such nick/channel")
		return
	}

	targetClient.quit(fmt.Sprintf("Killed by %s: %s", c.nickname, reason))
}

// handleVersion reports the server version.
func (c *Client) handleVersion(_ []string) {
	c.sendNumeric(RPL_VERSION, serverVersion, c.server.config.ServerName,
		fmt.Sprintf("%s %s", runtime.GOOS, runtime.GOARCH))
}

// handleAdmin reports administrative contact info.
func (c *Client) handleAdmin(_ []string) {
	cfg := c.server.config
	c.sendNumeric(RPL_ADMINME, cfg.ServerName, "Administrative info")
	c.sendNumeric(RPL_ADMINLOC1, cfg.ServerName+" IRC server")
	c.sendNumeric(RPL_ADMINEMAIL, "Contact the operator "+cfg.OperName)
}

// handleTime reports the server's local time.
func (c *Client) handleTime(_ []string) {
	c.sendNumeric(RPL_TIME, c.server.config.ServerName,
		time.Now().Format(time.RFC1123))
}

// handleInfo reports build information.
func (c *Client) handleInfo(_ []string) {
	c.sendNumeric(RPL_INFO, fmt.Sprintf("%s, running %s", serverVersion, runtime.Version()))
	c.sendNumeric(RPL_INFO, fmt.Sprintf("Server started at %s",
		c.server.stats.StartTime.Format(time.RFC1123)))
	c.sendNumeric(RPL_ENDOFINFO, "End of INFO list")
}

// handleUserhost replies with user@host info for up to five nicknames.
func (c *Client) handleUserhost(params []string) {
	if len(params) < 1 {
		c.sendNumeric(ERR_NEEDMOREPARAMS, CmdUserhost, "Not enough parameters")
		return
	}

	var entries []string
	for i, nick := range params {
		if i == 5 {
			break
		}
		target := c.server.lookupClient(nick)
		if target == nil {
			continue
		}
		entry := fmt.Sprintf("%s=+%s@%s", target.nickname, target.username, target.hostname)
		if away, _ := target.isAway(); away {
			entry = fmt.Sprintf("%s=-%s@%s", target.nickname, target.username, target.hostname)
		}
		entries = append(entries, entry)
	}

	c.sendNumeric(RPL_USERHOST, strings.Join(entries, " "))
}

// handleIson replies with the subset of the given nicknames currently
// online.
func (c *Client) handleIson(params []string) {
	if len(params) < 1 {
		c.sendNumeric(ERR_NEEDMOREPARAMS, CmdIson, "Not enough parameters")
		return
	}

	var online []string
	for _, nick := range params {
		if target := c.server.lookupClient(nick); target != nil {
			online = append(online, target.nickname)
		}
	}

	c.sendNumeric(RPL_ISON, strings.Join(online, " "))
}

// handleMotd replies with the message of the day.
func (c *Client) handleMotd(_ []string) {
	c.sendMotd()
}

func (c *Client) sendMotd() {
	cfg := c.server.config
	c.sendNumeric(RPL_MOTDSTART, fmt.Sprintf("- %s Message of the Day -", cfg.ServerName))
	c.sendNumeric(RPL_MOTD, "- "+cfg.MOTD)
	c.sendNumeric(RPL_ENDOFMOTD, "End of MOTD command")
}

// handleLusers reports network statistics.
func (c *Client) handleLusers(_ []string) {
	c.server.RLock()
	users := len(c.server.clients)
	channels := len(c.server.channels)
	operators := 0
	for _, client := range c.server.clients {
		if client.Modes.Operator {
			operators++
		}
	}
	c.server.RUnlock()

	c.sendNumeric(RPL_LUSERCLIENT,
		fmt.Sprintf("There are %d users on 1 server", users))
	if operators > 0 {
		c.sendNumeric(RPL_LUSEROP, fmt.Sprintf("%d", operators), "IRC Operators online")
	}
	if channels > 0 {
		c.sendNumeric(RPL_LUSERCHANNELS, fmt.Sprintf("%d", channels), "channels formed")
	}
	c.sendNumeric(RPL_LUSERME, fmt.Sprintf("I have %d clients and 0 servers", users))
}
