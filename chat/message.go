package chat

import (
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// Message is an inbound chat line with the sender's roles resolved.
type Message struct {
	ID          string
	Channel     string // login, no '#'
	RoomID      string
	SenderID    string
	Sender      string // login
	DisplayName string
	Text        string
	Moderator   bool
	Broadcaster bool
	Time        time.Time
}

// FromPrivateMessage converts a go-twitch-irc PRIVMSG.
func FromPrivateMessage(m twitch.PrivateMessage) Message {
	_, modBadge := m.User.Badges["moderator"]
	_, castBadge := m.User.Badges["broadcaster"]
	return Message{
		ID:          m.ID,
		Channel:     m.Channel,
		RoomID:      m.RoomID,
		SenderID:    m.User.ID,
		Sender:      m.User.Name,
		DisplayName: m.User.DisplayName,
		Text:        m.Message,
		Moderator:   m.Tags["mod"] == "1" || modBadge,
		Broadcaster: castBadge || (m.User.ID != "" && m.User.ID == m.RoomID),
		Time:        m.Time,
	}
}
