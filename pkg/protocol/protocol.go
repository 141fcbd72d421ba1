// Package protocol defines the chat packets and their newline-delimited JSON
// framing.
//
// Every frame is one UTF-8 JSON object followed by a single '\n'. There is no
// length prefix; a reader splits the stream on newlines.
package protocol

import "encoding/json"

// Type tags a packet variant.
type Type string

const (
	// Client -> server
	TypeRegister Type = "register"
	TypeLogin    Type = "login"
	TypeQuit     Type = "quit"

	// Server -> client
	TypeRegisterResult Type = "register_result"
	TypeLoginResult    Type = "login_result"
	TypeSystem         Type = "system"
	TypePresence       Type = "presence"

	// Both directions
	TypeChat Type = "chat"
	TypeDM   Type = "dm"
)

// Packet is the tagged union carried by every frame. Only the fields relevant
// to Type are set; the rest are omitted on the wire.
type Packet struct {
	Type      Type     `json:"type"`
	Username  string   `json:"username,omitempty"`
	Password  string   `json:"password,omitempty"`
	OK        *bool    `json:"ok,omitempty"`
	Message   string   `json:"message,omitempty"`
	From      string   `json:"from,omitempty"`
	To        string   `json:"to,omitempty"`
	Text      string   `json:"text,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
	Users     []string `json:"users,omitempty"`

	// Malformed is set on the synthetic system packet a Reader produces for
	// a line that is not valid JSON. Never sent.
	Malformed bool `json:"-"`
}

// MarshalJSON always emits "users" on presence packets, even when empty.
func (p Packet) MarshalJSON() ([]byte, error) {
	type alias Packet
	if p.Type != TypePresence {
		return json.Marshal(alias(p))
	}
	users := p.Users
	if users == nil {
		users = []string{}
	}
	return json.Marshal(struct {
		alias
		Users []string `json:"users"`
	}{alias(p), users})
}

// Succeeded reports whether a result packet carries ok=true.
func (p *Packet) Succeeded() bool {
	return p.OK != nil && *p.OK
}

func boolPtr(b bool) *bool { return &b }

// ----- Client -> server -----

func Register(username, password string) *Packet {
	return &Packet{Type: TypeRegister, Username: username, Password: password}
}

func Login(username, password string) *Packet {
	return &Packet{Type: TypeLogin, Username: username, Password: password}
}

// ChatRequest is a broadcast request; the server fills in From and Timestamp.
func ChatRequest(text string) *Packet {
	return &Packet{Type: TypeChat, Text: text}
}

// DMRequest is a direct message request to a single recipient.
func DMRequest(to, text string) *Packet {
	return &Packet{Type: TypeDM, To: to, Text: text}
}

func Quit() *Packet {
	return &Packet{Type: TypeQuit}
}

// ----- Server -> client -----

func RegisterResult(ok bool, message string) *Packet {
	return &Packet{Type: TypeRegisterResult, OK: boolPtr(ok), Message: message}
}

func LoginResult(ok bool, message string) *Packet {
	return &Packet{Type: TypeLoginResult, OK: boolPtr(ok), Message: message}
}

func Chat(from, text, timestamp string) *Packet {
	return &Packet{Type: TypeChat, From: from, Text: text, Timestamp: timestamp}
}

func DM(from, to, text, timestamp string) *Packet {
	return &Packet{Type: TypeDM, From: from, To: to, Text: text, Timestamp: timestamp}
}

func System(text string) *Packet {
	return &Packet{Type: TypeSystem, Text: text}
}

func Presence(users []string) *Packet {
	return &Packet{Type: TypePresence, Users: users}
}
