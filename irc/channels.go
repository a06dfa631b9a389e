package irc

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Channel mode flags.
const (
	ChanModeModerated  = 'm' // only ops and voiced users can talk
	ChanModeSecret     = 's' // hidden from LIST for non-members
	ChanModeInviteOnly = 'i' // joining requires an invitation
	ChanModeTopicLock  = 't' // only ops can change the topic
	ChanModeNoExternal = 'n' // members only may send
	ChanModeKey        = 'k' // channel key
	ChanModeLimit      = 'l' // member limit
	ChanModeOperator   = 'o' // channel operator
	ChanModeVoice      = 'v' // voiced member
	ChanModeBan        = 'b' // ban mask
)

// BanEntry records one ban mask on a channel.
type BanEntry struct {
	Mask    string
	Setter  string
	SetTime time.Time
}

// Channel represents an IRC channel. A channel exists only while it has
// members; the last departure destroys it.
type Channel struct {
	sync.RWMutex
	name        string
	topic       string
	members     map[string]*Client // canonical nickname -> client
	memberOrder []string           // canonical nicknames in join order
	modes       map[rune]struct{}  // simple flags: m s i t n
	key         string
	limit       int
	operators   map[string]struct{} // canonical nicknames
	voices      map[string]struct{}
	bans        map[string]*BanEntry // mask -> entry
	invited     map[string]struct{}  // canonical nicknames
	deleted     bool
}

func newChannel(name string) *Channel {
	return &Channel{
		name:      name,
		members:   make(map[string]*Client),
		modes:     make(map[rune]struct{}),
		operators: make(map[string]struct{}),
		voices:    make(map[string]struct{}),
		bans:      make(map[string]*BanEntry),
		invited:   make(map[string]struct{}),
	}
}

// hasMode reports a simple flag. Callers hold the lock.
func (ch *Channel) hasMode(mode rune) bool {
	_, ok := ch.modes[mode]
	return ok
}

// addMember appends a member in insertion order. Callers hold the lock.
func (ch *Channel) addMember(c *Client) {
	canon := canonicalNick(c.nickname)
	if _, ok := ch.members[canon]; ok {
		return
	}
	ch.members[canon] = c
	ch.memberOrder = append(ch.memberOrder, canon)
}

// removeMember drops a member and any operator/voice/invite state.
// Callers hold the lock.
func (ch *Channel) removeMember(nick string) {
	canon := canonicalNick(nick)
	if _, ok := ch.members[canon]; !ok {
		return
	}
	delete(ch.members, canon)
	delete(ch.operators, canon)
	delete(ch.voices, canon)
	for i, n := range ch.memberOrder {
		if n == canon {
			ch.memberOrder = append(ch.memberOrder[:i], ch.memberOrder[i+1:]...)
			break
		}
	}
}

// renameMember rekeys a member after a nick change. Callers hold the lock.
func (ch *Channel) renameMember(oldNick, newNick string) {
	oldCanon, newCanon := canonicalNick(oldNick), canonicalNick(newNick)
	client, ok := ch.members[oldCanon]
	if !ok {
		return
	}
	delete(ch.members, oldCanon)
	ch.members[newCanon] = client
	for i, n := range ch.memberOrder {
		if n == oldCanon {
			ch.memberOrder[i] = newCanon
			break
		}
	}
	if _, ok := ch.operators[oldCanon]; ok {
		delete(ch.operators, oldCanon)
		ch.operators[newCanon] = struct{}{}
	}
	if _, ok := ch.voices[oldCanon]; ok {
		delete(ch.voices, oldCanon)
		ch.voices[newCanon] = struct{}{}
	}
}

// orderedMembers returns members in join order. Callers hold the lock.
func (ch *Channel) orderedMembers() []*Client {
	out := make([]*Client, 0, len(ch.memberOrder))
	for _, canon := range ch.memberOrder {
		if member, ok := ch.members[canon]; ok {
			out = append(out, member)
		}
	}
	return out
}

// broadcast enqueues a message to every member. Callers hold the lock so
// all members observe the same per-channel order.
func (ch *Channel) broadcast(m *Message) {
	for _, member := range ch.orderedMembers() {
		member.send(m)
	}
}

// broadcastExcept enqueues a message to every member but one. Callers hold
// the lock.
func (ch *Channel) broadcastExcept(m *Message, skip *Client) {
	for _, member := range ch.orderedMembers() {
		if member == skip {
			continue
		}
		member.send(m)
	}
}

// isOperator reports channel operator status. Callers hold the lock.
func (ch *Channel) isOperator(nick string) bool {
	_, ok := ch.operators[canonicalNick(nick)]
	return ok
}

// isVoiced reports voice status. Callers hold the lock.
func (ch *Channel) isVoiced(nick string) bool {
	_, ok := ch.voices[canonicalNick(nick)]
	return ok
}

// matchesBan checks a hostmask against the ban list. Callers hold the lock.
func (ch *Channel) matchesBan(hostmask string) bool {
	for mask := range ch.bans {
		if wildcardMatch(hostmask, mask) {
			return true
		}
	}
	return false
}

// modeString renders the channel's current modes for RPL_CHANNELMODEIS.
// Callers hold the lock.
func (ch *Channel) modeString() (string, []string) {
	modeStr := "+"
	var args []string
	for _, mode := range []rune{ChanModeInviteOnly, ChanModeModerated, ChanModeNoExternal,
		ChanModeSecret, ChanModeTopicLock} {
		if ch.hasMode(mode) {
			modeStr += string(mode)
		}
	}
	if ch.key != "" {
		modeStr += string(ChanModeKey)
		args = append(args, ch.key)
	}
	if ch.limit > 0 {
		modeStr += string(ChanModeLimit)
		args = append(args, strconv.Itoa(ch.limit))
	}
	return modeStr, args
}

// handleJoin joins the client to each named channel, applying the access
// checks in a fixed order: ban, invite-only, key, limit.
func (c *Client) handleJoin(params []string) {
	if len(params) < 1 {
		c.sendNumeric(ERR_NEEDMOREPARAMS, CmdJoin, "Not enough parameters")
		return
	}

	channelNames := strings.Split(params[0], ",")
	var channelKeys []string
	if len(params) > 1 {
		channelKeys = strings.Split(params[1], ",")
	}

	for i, channelName := range channelNames {
		var key string
		if i < len(channelKeys) {
			key = channelKeys[i]
		}
		c.joinChannel(channelName, key)
	}
}

func (c *Client) joinChannel(channelName, key string) {
	if !isValidChannelName(channelName) {
		c.sendNumeric(ERR_NOSUCHCHANNEL, channelName, "No such channel")
		return
	}

	for {
		channel, created := c.server.getOrCreateChannel(channelName)

		channel.Lock()
		if channel.deleted {
			// Lost a race with the channel being destroyed; take a fresh
			// one.
			channel.Unlock()
			continue
		}

		canon := canonicalNick(c.nickname)
		if _, already := channel.members[canon]; already {
			channel.Unlock()
			return
		}

		if !created {
			if channel.matchesBan(c.nickUhost()) {
				channel.Unlock()
				c.sendNumeric(ERR_BANNEDFROMCHAN, channel.name, "Cannot join channel (+b)")
				return
			}
			if channel.hasMode(ChanModeInviteOnly) {
				if _, ok := channel.invited[canon]; !ok {
					channel.Unlock()
					c.sendNumeric(ERR_INVITEONLYCHAN, channel.name, "Cannot join channel (+i)")
					return
				}
			}
			if channel.key != "" && channel.key != key {
				channel.Unlock()
				c.sendNumeric(ERR_BADCHANNELKEY, channel.name, "Cannot join channel (+k)")
				return
			}
			if channel.limit > 0 && len(channel.members) >= channel.limit {
				channel.Unlock()
				c.sendNumeric(ERR_CHANNELISFULL, channel.name, "Cannot join channel (+l)")
				return
			}
		}

		channel.addMember(c)
		delete(channel.invited, canon)
		if created {
			// The first joiner owns the channel.
			channel.operators[canon] = struct{}{}
		}

		channel.broadcast(UserMessage(c.nickUhost(), CmdJoin, channel.name))

		topic := channel.topic
		names := channel.namesList()
		channel.Unlock()

		c.Lock()
		c.channels[canonicalChannel(channel.name)] = channel
		c.Unlock()

		if topic != "" {
			c.sendNumeric(RPL_TOPIC, channel.name, topic)
		} else {
			c.sendNumeric(RPL_NOTOPIC, channel.name, "No topic is set")
		}
		c.sendNumeric(RPL_NAMREPLY, "=", channel.name, names)
		c.sendNumeric(RPL_ENDOFNAMES, channel.name, "End of NAMES list")
		return
	}
}

// namesList renders the member list with @/+ prefixes in join order.
// Callers hold the lock.
func (ch *Channel) namesList() string {
	var names strings.Builder
	for _, member := range ch.orderedMembers() {
		if names.Len() > 0 {
			names.WriteString(" ")
		}
		canon := canonicalNick(member.nickname)
		if _, ok := ch.operators[canon]; ok {
			names.WriteString("@")
		} else if _, ok := ch.voices[canon]; ok {
			names.WriteString("+")
		}
		names.WriteString(member.nickname)
	}
	return names.String()
}

// handlePart removes the client from each named channel.
func (c *Client) handlePart(params []string) {
	if len(params) < 1 {
		c.sendNumeric(ERR_NEEDMOREPARAMS, CmdPart, "Not enough parameters")
		return
	}

	reason := ""
	if len(params) > 1 {
		reason = params[1]
	}

	for _, channelName := range strings.Split(params[0], ",") {
		c.partChannel(channelName, reason)
	}
}

func (c *Client) partChannel(channelName, reason string) {
	channel := c.server.getChannel(channelName)
	if channel == nil {
		c.sendNumeric(ERR_NOSUCHCHANNEL, channelName, "No such channel")
		return
	}

	canon := canonicalNick(c.nickname)

	channel.Lock()
	if _, isMember := channel.members[canon]; !isMember {
		channel.Unlock()
		c.sendNumeric(ERR_NOTONCHANNEL, channel.name, "You're not on that channel")
		return
	}

	partParams := []string{channel.name}
	if reason != "" {
		partParams = append(partParams, reason)
	}
	channel.broadcast(UserMessage(c.nickUhost(), CmdPart, partParams...))
	channel.removeMember(c.nickname)
	empty := len(channel.members) == 0
	channel.Unlock()

	c.Lock()
	delete(c.channels, canonicalChannel(channel.name))
	c.Unlock()

	if empty {
		c.server.dropChannelIfEmpty(channel)
	}
}

// handleMode routes to the channel or user mode handler by target.
func (c *Client) handleMode(params []string) {
	if len(params) < 1 {
		c.sendNumeric(ERR_NEEDMOREPARAMS, CmdMode, "Not enough parameters")
		return
	}

	if strings.HasPrefix(params[0], "#") {
		c.handleChanMode(params)
		return
	}
	c.handleUserMode(params)
}

// handleUserMode queries or changes user modes. Callers may only touch
// their own modes unless they are a server operator, and +o is only ever
// self-granted by an operator.
func (c *Client) handleUserMode(params []string) {
	target := params[0]

	targetClient := c
	if canonicalNick(target) != canonicalNick(c.nickname) {
		if !c.Modes.Operator {
			c.sendNumeric(ERR_USERSDONTMATCH, "Cannot change mode for other users")
			return
		}
		targetClient = c.server.lookupClient(target)
		if targetClient == nil {
			c.sendNumeric(ERR_NOSUCHNICK, target, "No such nick/channel")
			return
		}
	}

	if len(params) == 1 {
		modes := targetClient.Modes.String()
		if modes == "" {
			modes = "+"
		}
		c.sendNumeric(RPL_UMODEIS, modes)
		return
	}

	adding := true
	var applied strings.Builder
	lastSign := rune(0)

	targetClient.Lock()
	for _, mode := range params[1] {
		switch mode {
		case '+':
			adding = true
		case '-':
			adding = false
		case 'o':
			// Operator status is only self-granted by a server operator;
			// anyone may drop their own.
			if adding && !(c.Modes.Operator && targetClient == c) {
				continue
			}
			targetClient.Modes.Operator = adding
			applied.WriteString(signAndMode(&lastSign, adding, mode))
		case 'i', 'w':
			targetClient.Modes.ApplyMode(mode, adding)
			applied.WriteString(signAndMode(&lastSign, adding, mode))
		default:
			targetClient.Unlock()
			c.sendNumeric(ERR_UMODEUNKNOWNFLAG, "Unknown MODE flag")
			return
		}
	}
	targetClient.Unlock()

	if applied.Len() > 0 {
		targetClient.send(UserMessage(c.nickUhost(), CmdMode,
			targetClient.nickname, applied.String()))
	}
}

// signAndMode renders one mode change, emitting the +/- sign only when it
// flips.
func signAndMode(lastSign *rune, adding bool, mode rune) string {
	sign := '+'
	if !adding {
		sign = '-'
	}
	if *lastSign == sign {
		return string(mode)
	}
	*lastSign = sign
	return string(sign) + string(mode)
}

// handleChanMode queries or changes a channel's modes. All applied changes
// coalesce into one MODE broadcast.
func (c *Client) handleChanMode(params []string) {
	target := params[0]

	channel := c.server.getChannel(target)
	if channel == nil {
		c.sendNumeric(ERR_NOSUCHCHANNEL, target, "No such channel")
		return
	}

	if len(params) == 1 {
		channel.RLock()
		modeStr, modeArgs := channel.modeString()
		channel.RUnlock()
		c.sendNumeric(RPL_CHANNELMODEIS, append([]string{channel.name, modeStr}, modeArgs...)...)
		return
	}

	channel.Lock()

	if !channel.isOperator(c.nickname) && !c.Modes.Operator {
		channel.Unlock()
		c.sendNumeric(ERR_CHANOPRIVSNEEDED, channel.name, "You're not a channel operator")
		return
	}

	modeStr := params[1]
	modeArgs := params[2:]
	argIndex := 0
	adding := true

	var appliedModes strings.Builder
	var appliedArgs []string
	lastSign := rune(0)

	applyFlag := func(mode rune, arg string, withArg bool) {
		sign := '+'
		if !adding {
			sign = '-'
		}
		if lastSign != sign {
			appliedModes.WriteRune(sign)
			lastSign = sign
		}
		appliedModes.WriteRune(mode)
		if withArg {
			appliedArgs = append(appliedArgs, arg)
		}
	}

	nextArg := func() (string, bool) {
		if argIndex >= len(modeArgs) {
			return "", false
		}
		arg := modeArgs[argIndex]
		argIndex++
		return arg, true
	}

	for _, mode := range modeStr {
		switch mode {
		case '+':
			adding = true
		case '-':
			adding = false

		case ChanModeModerated, ChanModeSecret, ChanModeInviteOnly,
			ChanModeTopicLock, ChanModeNoExternal:
			if adding {
				if !channel.hasMode(mode) {
					channel.modes[mode] = struct{}{}
					applyFlag(mode, "", false)
				}
			} else if channel.hasMode(mode) {
				delete(channel.modes, mode)
				applyFlag(mode, "", false)
			}

		case ChanModeKey:
			if adding {
				if key, ok := nextArg(); ok {
					channel.key = key
					applyFlag(mode, key, true)
				}
			} else if channel.key != "" {
				channel.key = ""
				applyFlag(mode, "", false)
			}

		case ChanModeLimit:
			if adding {
				if arg, ok := nextArg(); ok {
					if limit, err := strconv.Atoi(arg); err == nil && limit > 0 {
						channel.limit = limit
						applyFlag(mode, arg, true)
					}
				}
			} else if channel.limit > 0 {
				channel.limit = 0
				applyFlag(mode, "", false)
			}

		case ChanModeBan:
			mask, ok := nextArg()
			if !ok {
				if adding {
					// +b with no argument lists the bans.
					masks := make([]*BanEntry, 0, len(channel.bans))
					for _, ban := range channel.bans {
						masks = append(masks, ban)
					}
					if appliedModes.Len() > 0 {
						channel.broadcast(UserMessage(c.nickUhost(), CmdMode,
							append([]string{channel.name, appliedModes.String()}, appliedArgs...)...))
					}
					channel.Unlock()
					for _, ban := range masks {
						c.sendNumeric(RPL_BANLIST, channel.name, ban.Mask,
							ban.Setter, fmt.Sprintf("%d", ban.SetTime.Unix()))
					}
					c.sendNumeric(RPL_ENDOFBANLIST, channel.name, "End of channel ban list")
					return
				}
				continue
			}
			if adding {
				if _, exists := channel.bans[mask]; !exists {
					channel.bans[mask] = &BanEntry{
						Mask:    mask,
						Setter:  c.nickname,
						SetTime: time.Now(),
					}
					applyFlag(mode, mask, true)
				}
			} else if _, exists := channel.bans[mask]; exists {
				delete(channel.bans, mask)
				applyFlag(mode, mask, true)
			}

		case ChanModeOperator:
			if nick, ok := nextArg(); ok {
				canon := canonicalNick(nick)
				if _, isMember := channel.members[canon]; isMember {
					if adding {
						channel.operators[canon] = struct{}{}
					} else {
						delete(channel.operators, canon)
					}
					applyFlag(mode, nick, true)
				}
			}

		case ChanModeVoice:
			if nick, ok := nextArg(); ok {
				canon := canonicalNick(nick)
				if _, isMember := channel.members[canon]; isMember {
					if adding {
						channel.voices[canon] = struct{}{}
					} else {
						delete(channel.voices, canon)
					}
					applyFlag(mode, nick, true)
				}
			}
		}
	}

	if appliedModes.Len() > 0 {
		announce := UserMessage(c.nickUhost(), CmdMode,
			append([]string{channel.name, appliedModes.String()}, appliedArgs...)...)
		channel.broadcast(announce)
	}

	channel.Unlock()
}

// handleInvite invites a user onto a channel.
func (c *Client) handleInvite(params []string) {
	if len(params) < 2 {
		c.sendNumeric(ERR_NEEDMOREPARAMS, CmdInvite, "Not enough parameters")
		return
	}

	targetNick := params[0]
	channelName := params[1]

	channel := c.server.getChannel(channelName)
	if channel == nil {
		c.sendNumeric(ERR_NOSUCHCHANNEL, channelName, "No such channel")
		return
	}

	// Resolve the target before taking the channel lock; registry and
	// channel locks never nest in that direction.
	targetClient := c.server.lookupClient(targetNick)

	canon := canonicalNick(c.nickname)

	channel.Lock()
	if _, isMember := channel.members[canon]; !isMember {
		channel.Unlock()
		c.sendNumeric(ERR_NOTONCHANNEL, channel.name, "You're not on that channel")
		return
	}

	if channel.hasMode(ChanModeInviteOnly) && !channel.isOperator(c.nickname) && !c.Modes.Operator {
		channel.Unlock()
		c.sendNumeric(ERR_CHANOPRIVSNEEDED, channel.name, "You're not a channel operator")
		return
	}

	if targetClient == nil {
		channel.Unlock()
		c.sendNumeric(ERR_NOSUCHNICK, targetNick, "No such nick/channel")
		return
	}

	targetCanon := canonicalNick(targetClient.nickname)
	if _, already := channel.members[targetCanon]; already {
		channel.Unlock()
		c.sendNumeric(ERR_USERONCHANNEL, targetClient.nickname, channel.name, "is already on channel")
		return
	}

	channel.invited[targetCanon] = struct{}{}
	channel.Unlock()

	targetClient.send(UserMessage(c.nickUhost(), CmdInvite, targetClient.nickname, channel.name))
	c.sendNumeric(RPL_INVITING, targetClient.nickname, channel.name)
}

// handleKick ejects a member from a channel.
func (c *Client) handleKick(params []string) {
	if len(params) < 2 {
		c.sendNumeric(ERR_NEEDMOREPARAMS, CmdKick, "Not enough parameters")
		return
	}

	channelName := params[0]
	targetNick := params[1]
	reason := "No reason"
	if len(params) > 2 {
		reason = params[2]
	}

	channel := c.server.getChannel(channelName)
	if channel == nil {
		c.sendNumeric(ERR_NOSUCHCHANNEL, channelName, "No such channel")
		return
	}

	channel.Lock()
	if !channel.isOperator(c.nickname) && !c.Modes.Operator {
		channel.Unlock()
		c.sendNumeric(ERR_CHANOPRIVSNEEDED, channel.name, "You're not a channel operator")
		return
	}

	targetCanon := canonicalNick(targetNick)
	targetClient, onChannel := channel.members[targetCanon]
	if !onChannel {
		channel.Unlock()
		c.sendNumeric(ERR_USERNOTINCHANNEL, targetNick, channel.name, "They aren't on that channel")
		return
	}

	// The sender sees the echo too.
	channel.broadcast(UserMessage(c.nickUhost(), CmdKick, channel.name, targetClient.nickname, reason))
	channel.removeMember(targetClient.nickname)
	empty := len(channel.members) == 0
	channel.Unlock()

	targetClient.Lock()
	delete(targetClient.channels, canonicalChannel(channel.name))
	targetClient.Unlock()

	if empty {
		c.server.dropChannelIfEmpty(channel)
	}
}
