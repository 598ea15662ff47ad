// Package chat is the bot's connection to Twitch chat.
//
// Connection is the narrow handle the reconciler and the command handler
// depend on: join, part, say and the live set of joined channels. IRC
// implements it on top of go-twitch-irc and turns inbound PRIVMSG lines into
// typed Message values carrying the sender's moderator and broadcaster roles.
//
// The joined set mirrors what the bot asked the server for. go-twitch-irc
// replays those joins after a reconnect, and every connect fires the OnConnect
// hooks so the reconciler can correct any drift.
package chat
