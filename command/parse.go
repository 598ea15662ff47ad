package command

import (
	"strings"

	"github.com/onnwee/shoutclip/chat"
)

// Invocation is a recognised command line.
type Invocation struct {
	Channel     string
	Sender      string
	Moderator   bool
	Broadcaster bool
	Name        string // alias used, without prefix
	Argument    string // target login, '@' stripped and lower-cased; empty when missing
}

// Privileged reports whether the sender may run moderator commands.
func (i Invocation) Privileged() bool { return i.Moderator || i.Broadcaster }

// Parser recognises the shoutout command and its aliases.
type Parser struct {
	prefix  string
	aliases map[string]struct{}
}

func NewParser(prefix string, aliases []string) Parser {
	p := Parser{prefix: prefix, aliases: make(map[string]struct{}, len(aliases))}
	for _, a := range aliases {
		p.aliases[strings.ToLower(strings.TrimPrefix(a, prefix))] = struct{}{}
	}
	return p
}

// Parse returns the invocation in m, or false when m is not a shoutout command.
func (p Parser) Parse(m chat.Message) (Invocation, bool) {
	fields := strings.Fields(m.Text)
	if len(fields) == 0 {
		return Invocation{}, false
	}
	head := strings.ToLower(fields[0])
	if !strings.HasPrefix(head, p.prefix) {
		return Invocation{}, false
	}
	name := strings.TrimPrefix(head, p.prefix)
	if _, ok := p.aliases[name]; !ok {
		return Invocation{}, false
	}
	inv := Invocation{
		Channel:     m.Channel,
		Sender:      m.Sender,
		Moderator:   m.Moderator,
		Broadcaster: m.Broadcaster,
		Name:        name,
	}
	if len(fields) > 1 {
		inv.Argument = strings.ToLower(strings.TrimLeft(fields[1], "@"))
	}
	return inv, true
}
