package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rx3lixir/codearena/pkg/apperr"
)

// Client -> Server event names
const (
	EventHostRoom         = "host_room"
	EventJoinRoom         = "join_room"
	EventJoinByInviteCode = "join_by_invite_code"
	EventLeaveRoom        = "leave_room"
	EventStartGame        = "start_game"
	EventSendMessage      = "send_message"
	EventSubmitResult     = "submit_result"
)

const (
	MaxChatLength    = 500
	MaxCodeLength    = 64 * 1024
	InviteCodeLength = 6
	maxStatusLength  = 32

	// Hard ceilings on what a host may ask for. Deployments configure
	// tighter ones.
	MaxRoomPlayers = 64
	MaxGameSeconds = 24 * 60 * 60
)

// ClientEvent is one of the typed events a client may send
type ClientEvent interface {
	clientEvent()
}

type HostRoom struct {
	Visibility      string   `json:"visibility,omitempty"`
	MaxPlayers      int      `json:"maxPlayers,omitempty"`
	DurationSeconds int      `json:"durationSeconds,omitempty"`
	Languages       []string `json:"languages,omitempty"`
}

type JoinRoom struct {
	RoomID string `json:"roomId"`
}

type JoinByInviteCode struct {
	Code string `json:"code"`
}

type LeaveRoom struct{}

type StartGame struct{}

type SendMessage struct {
	Text string `json:"text"`
}

// SubmitResult reports the outcome the execution service returned for a
// player's code. Code and Language are optional and only archived.
type SubmitResult struct {
	SessionID       string   `json:"sessionId"`
	SubmissionID    string   `json:"submissionId,omitempty"`
	Status          string   `json:"status"`
	ExecutionTimeMs *float64 `json:"executionTimeMs,omitempty"`
	Language        string   `json:"language,omitempty"`
	Code            string   `json:"code,omitempty"`
}

func (HostRoom) clientEvent()         {}
func (JoinRoom) clientEvent()         {}
func (JoinByInviteCode) clientEvent() {}
func (LeaveRoom) clientEvent()        {}
func (StartGame) clientEvent()        {}
func (SendMessage) clientEvent()      {}
func (SubmitResult) clientEvent()     {}

type clientEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Decode parses and validates a client frame. Every failure is a
// validation error with a message safe to show the client.
func Decode(frame []byte) (ClientEvent, error) {
	var env clientEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeValidation, "Malformed message")
	}

	switch env.Event {
	case EventHostRoom:
		var ev HostRoom
		if err := decodeData(env.Data, &ev); err != nil {
			return nil, err
		}
		if err := ev.validate(); err != nil {
			return nil, err
		}
		return ev, nil

	case EventJoinRoom:
		var ev JoinRoom
		if err := decodeData(env.Data, &ev); err != nil {
			return nil, err
		}
		ev.RoomID = strings.TrimSpace(ev.RoomID)
		if ev.RoomID == "" {
			return nil, apperr.Validation("roomId is required")
		}
		return ev, nil

	case EventJoinByInviteCode:
		var ev JoinByInviteCode
		if err := decodeData(env.Data, &ev); err != nil {
			return nil, err
		}
		ev.Code = strings.ToUpper(strings.TrimSpace(ev.Code))
		if !validInviteCode(ev.Code) {
			return nil, apperr.Validation("Invite code is invalid")
		}
		return ev, nil

	case EventLeaveRoom:
		return LeaveRoom{}, nil

	case EventStartGame:
		return StartGame{}, nil

	case EventSendMessage:
		var ev SendMessage
		if err := decodeData(env.Data, &ev); err != nil {
			return nil, err
		}
		ev.Text = strings.TrimSpace(ev.Text)
		if n := utf8.RuneCountInString(ev.Text); n == 0 || n > MaxChatLength {
			return nil, apperr.Validation(fmt.Sprintf("Message must be between 1 and %d characters", MaxChatLength))
		}
		return ev, nil

	case EventSubmitResult:
		var ev SubmitResult
		if err := decodeData(env.Data, &ev); err != nil {
			return nil, err
		}
		if err := ev.validate(); err != nil {
			return nil, err
		}
		return ev, nil

	case "":
		return nil, apperr.Validation("Event name is required")

	default:
		return nil, apperr.Validation(fmt.Sprintf("Unknown event %q", env.Event))
	}
}

func decodeData(data json.RawMessage, target any) error {
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		data = []byte("{}")
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return apperr.Wrap(err, apperr.CodeValidation, "Invalid event payload")
	}
	return nil
}

func (h HostRoom) validate() error {
	switch h.Visibility {
	case "", "public", "private":
	default:
		return apperr.Validation("Visibility must be public or private")
	}
	if h.MaxPlayers < 0 || h.MaxPlayers > MaxRoomPlayers {
		return apperr.Validation(fmt.Sprintf("maxPlayers must be between 0 and %d", MaxRoomPlayers))
	}
	if h.DurationSeconds < 0 || h.DurationSeconds > MaxGameSeconds {
		return apperr.Validation(fmt.Sprintf("durationSeconds must be between 0 and %d", MaxGameSeconds))
	}
	for _, lang := range h.Languages {
		if strings.TrimSpace(lang) == "" {
			return apperr.Validation("Languages can't contain empty names")
		}
	}
	return nil
}

func (s SubmitResult) validate() error {
	if s.SessionID == "" {
		return apperr.Validation("sessionId is required")
	}
	if s.Status == "" || len(s.Status) > maxStatusLength {
		return apperr.Validation("status is required")
	}
	if len(s.Code) > MaxCodeLength {
		return apperr.Validation("Submitted code is too large")
	}
	if s.Code != "" && s.Language == "" {
		return apperr.Validation("language is required with code")
	}
	if s.ExecutionTimeMs != nil && *s.ExecutionTimeMs < 0 {
		return apperr.Validation("executionTimeMs can't be negative")
	}
	return nil
}

func validInviteCode(code string) bool {
	if len(code) != InviteCodeLength {
		return false
	}
	for _, c := range code {
		if !(c >= 'A' && c <= 'Z') && !(c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}
