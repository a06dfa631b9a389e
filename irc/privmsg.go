package irc

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Tag names the server understands on PRIVMSG/NOTICE.
const (
	tagMsgid = "msgid"
	tagReply = "+reply"
)

// mentionPattern matches @nick tokens inside a message body.
var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9_\-\[\]\\{}^|]+)`)

// handleRelay routes PRIVMSG and NOTICE. The two share routing; NOTICE
// stays silent on errors and never produces automatic replies.
func (c *Client) handleRelay(m *Message, notice bool) {
	params := m.Params

	if len(params) < 1 {
		if !notice {
			c.sendNumeric(ERR_NORECIPIENT, fmt.Sprintf("No recipient given (%s)", m.Command))
		}
		return
	}
	if len(params) < 2 {
		if !notice {
			c.sendNumeric(ERR_NOTEXTTOSEND, "No text to send")
		}
		return
	}

	target := params[0]
	body := params[1]

	if strings.HasPrefix(target, "#") {
		c.relayToChannel(m.Command, target, body, m.Tags, notice)
		return
	}
	c.relayToUser(m.Command, target, body, m.Tags, notice)
}

// replyToID extracts a +reply client tag as a history id.
func replyToID(tags Tags) *int64 {
	raw := tags.Get(tagReply)
	if raw == "" {
		return nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &id
}

// stampTags attaches msgid (when the message was persisted) and echoes a
// +reply tag. The writer strips these for clients without message-tags.
func stampTags(out *Message, id int64, persisted bool, replyTo *int64) {
	if persisted {
		out.Tags.Set(tagMsgid, strconv.FormatInt(id, 10))
	}
	if replyTo != nil {
		out.Tags.Set(tagReply, strconv.FormatInt(*replyTo, 10))
	}
}

// relayToChannel fans a message out to a channel's members, excluding the
// sender. The mode checks, the history append and the broadcast happen in
// one channel critical section so every member observes the same order.
func (c *Client) relayToChannel(command, target, body string, tags Tags, notice bool) {
	channel := c.server.getChannel(target)
	if channel == nil {
		if !notice {
			c.sendNumeric(ERR_NOSUCHCHANNEL, target, "No such channel")
		}
		return
	}

	canon := canonicalNick(c.nickname)

	channel.Lock()

	_, isMember := channel.members[canon]
	if channel.hasMode(ChanModeNoExternal) && !isMember {
		channel.Unlock()
		if !notice {
			c.sendNumeric(ERR_CANNOTSENDTOCHAN, channel.name, "Cannot send to channel (+n)")
		}
		return
	}
	if channel.hasMode(ChanModeModerated) &&
		!channel.isOperator(c.nickname) && !channel.isVoiced(c.nickname) {
		channel.Unlock()
		if !notice {
			c.sendNumeric(ERR_CANNOTSENDTOCHAN, channel.name, "Cannot send to channel (+m)")
		}
		return
	}

	replyTo := replyToID(tags)
	id, persisted := c.server.store.AppendHistory(c.nickname, channel.name, body, command, true, replyTo)

	out := UserMessage(c.nickUhost(), command, channel.name, body)
	stampTags(out, id, persisted, replyTo)
	channel.broadcastExcept(out, c)

	var mentioned []*Client
	if !notice {
		mentioned = channel.mentionTargets(c, body)
	}
	channel.Unlock()

	for _, member := range mentioned {
		member.send(ServerMessage(c.server.config.ServerName, CmdNotice,
			member.nickname,
			fmt.Sprintf("%s mentioned you in %s: %s", c.nickname, channel.name, body)))
	}
}

// mentionTargets resolves @nick tokens in body to channel members other
// than the sender, each at most once. Callers hold the lock.
func (ch *Channel) mentionTargets(sender *Client, body string) []*Client {
	var out []*Client
	seen := make(map[string]struct{})
	for _, match := range mentionPattern.FindAllStringSubmatch(body, -1) {
		canon := canonicalNick(match[1])
		if _, dup := seen[canon]; dup {
			continue
		}
		seen[canon] = struct{}{}
		member, ok := ch.members[canon]
		if !ok || member == sender {
			continue
		}
		out = append(out, member)
	}
	return out
}

// relayToUser delivers a message directly to another user.
func (c *Client) relayToUser(command, target, body string, tags Tags, notice bool) {
	targetClient := c.server.lookupClient(target)
	if targetClient == nil {
		if !notice {
			c.sendNumeric(ERR_NOSUCHNICK, target, "No such nick/channel")
		}
		return
	}

	replyTo := replyToID(tags)
	id, persisted := c.server.store.AppendHistory(c.nickname, targetClient.nickname, body, command, false, replyTo)

	out := UserMessage(c.nickUhost(), command, targetClient.nickname, body)
	stampTags(out, id, persisted, replyTo)
	targetClient.send(out)

	if !notice {
		if away, message := targetClient.isAway(); away {
			c.sendNumeric(RPL_AWAY, targetClient.nickname, message)
		}
	}
}
