package main

import (
	"strings"

	"github.com/NicolasHaas/gochat/pkg/protocol"
)

type actionKind int

const (
	actNone actionKind = iota
	actSend
	actTarget
	actWho
	actHelp
	actQuit
	actUsage
)

// action is what one line of user input asks for.
type action struct {
	kind   actionKind
	packet *protocol.Packet
	target string // for actTarget; empty clears the private target
	note   string // for actUsage
}

const helpText = `commands:
  <text>              send to everyone (or to the /to target)
  /pm <user> <text>   private message (aliases /dm, /w)
  /to <user>          send every following line privately to user; /to alone clears
  /who                list online users
  /quit               leave`

// parseInput turns a line typed by the user into an action. target is the
// current private recipient, if any.
func parseInput(line, target string) action {
	line = strings.TrimSpace(line)
	if line == "" {
		return action{kind: actNone}
	}
	if !strings.HasPrefix(line, "/") {
		if target != "" {
			return action{kind: actSend, packet: protocol.DMRequest(target, line)}
		}
		return action{kind: actSend, packet: protocol.ChatRequest(line)}
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch strings.ToLower(cmd) {
	case "/pm", "/dm", "/w":
		to, text, _ := strings.Cut(rest, " ")
		text = strings.TrimSpace(text)
		if to == "" || text == "" {
			return action{kind: actUsage, note: "usage: " + cmd + " <user> <text>"}
		}
		return action{kind: actSend, packet: protocol.DMRequest(to, text)}
	case "/to":
		if rest == target {
			rest = "" // toggle off
		}
		return action{kind: actTarget, target: rest}
	case "/who":
		return action{kind: actWho}
	case "/help", "/?":
		return action{kind: actHelp}
	case "/quit", "/exit":
		return action{kind: actQuit}
	default:
		return action{kind: actUsage, note: "unknown command " + cmd + " (try /help)"}
	}
}

// render formats an incoming packet for the terminal. self is the logged-in
// username.
func render(p *protocol.Packet, self string) string {
	switch p.Type {
	case protocol.TypeChat:
		if p.From == self {
			return "[" + p.Timestamp + "] you: " + p.Text
		}
		return "[" + p.Timestamp + "] " + p.From + ": " + p.Text
	case protocol.TypeDM:
		if p.From == self {
			return "[" + p.Timestamp + "] (pm to " + p.To + ") " + p.Text
		}
		return "[" + p.Timestamp + "] (pm from " + p.From + ") " + p.Text
	case protocol.TypeSystem:
		return "* " + p.Text
	case protocol.TypePresence:
		return "* online: " + strings.Join(p.Users, ", ")
	default:
		return ""
	}
}
