// internal/message/message.go
// Data exchanged with the chat backend: join requests, the credential handshake,
// broadcast bodies and the envelopes the server relays to every room member.
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

const (
	MaxRoomLength = 100
	MaxNameLength = 50
)

var (
	ErrRoomRequired       = errors.New("room is required")
	ErrNameRequired       = errors.New("name is required")
	ErrRoomTooLong        = errors.New("room exceeds maximum length")
	ErrNameTooLong        = errors.New("name exceeds maximum length")
	ErrRoomInvalid        = errors.New("room contains invalid characters")
	ErrNameInvalid        = errors.New("name contains invalid characters")
	ErrMalformedHandshake = errors.New("malformed handshake")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func init() {
	_ = validate.RegisterValidation("nocontrol", noControlChars)
}

// noControlChars rejects values that would break a query string or a terminal line.
func noControlChars(fl validator.FieldLevel) bool {
	for _, r := range fl.Field().String() {
		if unicode.IsControl(r) {
			return false
		}
	}
	return utf8.ValidString(fl.Field().String())
}

// ConnectionRequest identifies the room to join and the display name to join it with.
type ConnectionRequest struct {
	Room string `json:"room" validate:"required,max=100,nocontrol"`
	Name string `json:"name" validate:"required,max=50,nocontrol"`
}

// NewConnectionRequest trims both values and validates them.
func NewConnectionRequest(room, name string) (ConnectionRequest, error) {
	req := ConnectionRequest{
		Room: strings.TrimSpace(room),
		Name: strings.TrimSpace(name),
	}
	return req, req.Validate()
}

// Validate rejects blank values even when the request was built without NewConnectionRequest.
func (r ConnectionRequest) Validate() error {
	if strings.TrimSpace(r.Room) == "" {
		return ErrRoomRequired
	}
	if strings.TrimSpace(r.Name) == "" {
		return ErrNameRequired
	}
	err := validate.Struct(r)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	// Report the first failing field, room before name.
	fe := verrs[0]
	switch fe.Field() {
	case "Room":
		switch fe.Tag() {
		case "required":
			return ErrRoomRequired
		case "max":
			return ErrRoomTooLong
		default:
			return ErrRoomInvalid
		}
	default:
		switch fe.Tag() {
		case "required":
			return ErrNameRequired
		case "max":
			return ErrNameTooLong
		default:
			return ErrNameInvalid
		}
	}
}

// ConnectionInfo is the credential the server hands out right after the socket opens.
type ConnectionInfo struct {
	ID    int64  `json:"id"`
	Token string `json:"token"`
}

// ParseConnectionInfo decodes a handshake frame. Both fields are mandatory.
func ParseConnectionInfo(payload []byte) (ConnectionInfo, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return ConnectionInfo{}, fmt.Errorf("%w: %v", ErrMalformedHandshake, err)
	}
	if raw == nil {
		return ConnectionInfo{}, fmt.Errorf("%w: not an object", ErrMalformedHandshake)
	}

	var info ConnectionInfo
	idRaw, ok := raw["id"]
	if !ok || bytes.Equal(idRaw, []byte("null")) {
		return ConnectionInfo{}, fmt.Errorf("%w: missing id", ErrMalformedHandshake)
	}
	if err := json.Unmarshal(idRaw, &info.ID); err != nil {
		return ConnectionInfo{}, fmt.Errorf("%w: id: %v", ErrMalformedHandshake, err)
	}
	tokRaw, ok := raw["token"]
	if !ok {
		return ConnectionInfo{}, fmt.Errorf("%w: missing token", ErrMalformedHandshake)
	}
	if err := json.Unmarshal(tokRaw, &info.Token); err != nil {
		return ConnectionInfo{}, fmt.Errorf("%w: token: %v", ErrMalformedHandshake, err)
	}
	if strings.TrimSpace(info.Token) == "" {
		return ConnectionInfo{}, fmt.Errorf("%w: empty token", ErrMalformedHandshake)
	}
	return info, nil
}

// BroadcastRequest is the body of POST /broadcast.
type BroadcastRequest struct {
	Message string `json:"message"`
}

// BulletComment is the body of POST /bullet-comment.
type BulletComment struct {
	Anonymous   bool      `json:"anonymous"`
	FromUser    string    `json:"fromUser"`
	Type        int       `json:"type"`
	Message     string    `json:"message"`
	Emoji       string    `json:"emoji"`
	CreatedTime time.Time `json:"created_time"`
	Recipients  []string  `json:"recipients"`
}

// Envelope is what the server relays to room members for every event.
type Envelope struct {
	Event       string          `json:"event"`
	Room        string          `json:"room"`
	SenderID    int64           `json:"sender_id"`
	SenderName  string          `json:"sender_name"`
	Data        json.RawMessage `json:"data"`
	CreatedTime time.Time       `json:"created_time"`
}

// DecodeEnvelope reports false for anything that is not a server envelope.
func DecodeEnvelope(payload string) (Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return Envelope{}, false
	}
	if env.Event == "" {
		return Envelope{}, false
	}
	return env, true
}

// Text returns the "message" field of the envelope data, if any.
func (e Envelope) Text() string {
	var body struct {
		Message string `json:"message"`
	}
	if len(e.Data) == 0 || json.Unmarshal(e.Data, &body) != nil {
		return ""
	}
	return body.Message
}

// Display renders an inbound payload for a terminal. Non-envelope payloads are shown verbatim.
func Display(payload string) string {
	env, ok := DecodeEnvelope(payload)
	if !ok {
		return payload
	}
	text := env.Text()
	switch env.Event {
	case "info":
		return "* " + text
	case "broadcast":
		return fmt.Sprintf("[%s] %s", env.SenderName, text)
	case "bullet_comment":
		return fmt.Sprintf("~ %s: %s", env.SenderName, text)
	default:
		if text == "" {
			return payload
		}
		return fmt.Sprintf("(%s) %s: %s", env.Event, env.SenderName, text)
	}
}
