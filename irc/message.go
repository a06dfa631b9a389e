package irc

import (
	"fmt"
	"sort"
	"strings"
)

// Tags holds the IRCv3 message tags of a message. Client-only tag names
// carry their leading "+".
type Tags map[string]string

// Set sets the tag k to v, allocating the map if needed.
func (t *Tags) Set(k, v string) {
	if *t == nil {
		*t = make(Tags)
	}
	(*t)[k] = v
}

// Get returns the value of tag k, or "" when absent.
func (t Tags) Get(k string) string {
	return t[k]
}

// Has reports whether tag k was present on the message.
func (t Tags) Has(k string) bool {
	_, ok := t[k]
	return ok
}

// tagEscaper escapes tag values for transmission per the IRCv3
// message-tags escaping scheme.
var tagEscaper = strings.NewReplacer(
	"\\", "\\\\",
	";", "\\:",
	" ", "\\s",
	"\r", "\\r",
	"\n", "\\n",
)

// tagUnescaper reverses tagEscaper.
var tagUnescaper = strings.NewReplacer(
	"\\:", ";",
	"\\s", " ",
	"\\r", "\r",
	"\\n", "\n",
	"\\\\", "\\",
)

// Message represents an IRC message
type Message struct {
	Tags    Tags
	Prefix  string
	Command string
	Params  []string
}

// NewMessage builds a message with no tags or prefix.
func NewMessage(command string, params ...string) *Message {
	return &Message{Command: command, Params: params}
}

// ParseMessage parses a single IRC line. The trailing CR/LF may be present
// or already stripped. Returns nil for blank lines and lines without a
// command.
func ParseMessage(line string) *Message {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil
	}

	msg := &Message{
		Params: make([]string, 0),
	}

	// Message tags come first, introduced by '@'.
	if line[0] == '@' {
		parts := strings.SplitN(line[1:], " ", 2)
		if len(parts) < 2 {
			return nil
		}
		msg.Tags = parseTags(parts[0])
		line = parts[1]
	}

	// Check if the message has a prefix
	if line == "" {
		return nil
	}
	if line[0] == ':' {
		parts := strings.SplitN(line[1:], " ", 2)
		if len(parts) < 2 {
			return nil
		}
		msg.Prefix = parts[0]
		line = parts[1]
	}

	// Split the rest of the line by spaces
	parts := strings.SplitN(line, " ", 2)
	if parts[0] == "" {
		return nil
	}

	msg.Command = strings.ToUpper(parts[0])
	if len(parts) > 1 {
		paramPart := parts[1]

		// Parse parameters
		for paramPart != "" {
			// The trailing parameter starts with a colon and runs to the
			// end of the line.
			if paramPart[0] == ':' {
				msg.Params = append(msg.Params, paramPart[1:])
				break
			}

			// Otherwise, split by space
			parts := strings.SplitN(paramPart, " ", 2)
			msg.Params = append(msg.Params, parts[0])
			if len(parts) > 1 {
				paramPart = parts[1]
			} else {
				break
			}
		}
	}

	return msg
}

func parseTags(raw string) Tags {
	tags := make(Tags)
	for _, pair := range strings.Split(raw, ";") {
		if pair == "" {
			continue
		}
		eq := strings.IndexByte(pair, '=')
		if eq < 0 {
			tags[pair] = ""
			continue
		}
		tags[pair[:eq]] = tagUnescaper.Replace(pair[eq+1:])
	}
	return tags
}

// String returns the wire representation of the message, without the final
// CRLF. Tags are emitted in sorted order so output is stable.
func (m *Message) String() string {
	var builder strings.Builder

	if len(m.Tags) > 0 {
		builder.WriteString("@")
		names := make([]string, 0, len(m.Tags))
		for name := range m.Tags {
			names = append(names, name)
		}
		sort.Strings(names)
		for i, name := range names {
			if i > 0 {
				builder.WriteString(";")
			}
			builder.WriteString(name)
			if v := m.Tags[name]; v != "" {
				builder.WriteString("=")
				builder.WriteString(tagEscaper.Replace(v))
			}
		}
		builder.WriteString(" ")
	}

	// Add prefix if present
	if m.Prefix != "" {
		builder.WriteString(":")
		builder.WriteString(m.Prefix)
		builder.WriteString(" ")
	}

	// Add command
	builder.WriteString(m.Command)

	textBody := (m.Command == CmdPrivmsg || m.Command == CmdNotice) && len(m.Params) > 1

	// Add parameters
	for i, param := range m.Params {
		builder.WriteString(" ")

		// The last parameter becomes the trailing when it is the text of a
		// PRIVMSG or NOTICE, contains spaces, starts with a colon, or is
		// empty.
		if i == len(m.Params)-1 && (textBody || strings.Contains(param, " ") ||
			strings.HasPrefix(param, ":") || param == "") {
			builder.WriteString(":")
			builder.WriteString(param)
		} else {
			builder.WriteString(param)
		}
	}

	return builder.String()
}

// WithoutTags returns a copy of the message with the tags stripped. Used by
// the writer for connections that did not negotiate message-tags.
func (m *Message) WithoutTags() *Message {
	if len(m.Tags) == 0 {
		return m
	}
	clone := *m
	clone.Tags = nil
	return &clone
}

// ParseHostmask parses a hostmask (nick!user@host)
func ParseHostmask(hostmask string) (nick, user, host string) {
	nickParts := strings.SplitN(hostmask, "!", 2)
	if len(nickParts) < 2 {
		nick = hostmask
		return
	}
	nick = nickParts[0]

	userHostParts := strings.SplitN(nickParts[1], "@", 2)
	if len(userHostParts) < 2 {
		user = nickParts[1]
		return
	}
	user = userHostParts[0]
	host = userHostParts[1]

	return
}

// FormatHostmask formats a hostmask
func FormatHostmask(nick, user, host string) string {
	return fmt.Sprintf("%s!%s@%s", nick, user, host)
}
