package protocol

import (
	"encoding/json"
	"time"
)

// Server -> Client event names
const (
	EventOverviewOfRooms  = "overview_of_rooms"
	EventOverviewRoom     = "overview_room"
	EventCountdown        = "game_starting_countdown"
	EventGameStarted      = "start_game"
	EventNotEnoughPuzzles = "not_enough_puzzles"
	EventError            = "error"
	EventChatMessage      = "chat_message"
	EventPlayerSubmitted  = "player_submitted"
	EventGameCompleted    = "game_completed"
)

const notEnoughPuzzlesMessage = "Create a puzzle and get it approved to play multiplayer"

// ServerEvent is one of the typed events the server sends. The set is
// closed: only types in this package implement it.
type ServerEvent interface {
	frame() Frame
}

// Frame is the JSON envelope written to the connection
type Frame struct {
	Event   string `json:"event"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Encode serializes a server event into a text frame
func Encode(ev ServerEvent) ([]byte, error) {
	return json.Marshal(ev.frame())
}

type RoomSummary struct {
	ID          string `json:"id"`
	MemberCount int    `json:"memberCount"`
}

type OverviewOfRooms struct {
	Rooms []RoomSummary `json:"rooms"`
}

type Member struct {
	Username string    `json:"username"`
	UserID   string    `json:"userId"`
	JoinedAt time.Time `json:"joinedAt"`
}

type RoomConfig struct {
	MaxPlayers      int      `json:"maxPlayers"`
	DurationSeconds int      `json:"durationSeconds"`
	Languages       []string `json:"languages"`
}

type OverviewRoom struct {
	RoomID     string     `json:"roomId"`
	Members    []Member   `json:"members"`
	Host       string     `json:"host"`
	Config     RoomConfig `json:"config"`
	Visibility string     `json:"visibility"`
	InviteCode string     `json:"inviteCode,omitempty"`
}

type Countdown struct {
	RoomID           string `json:"roomId"`
	SecondsRemaining int    `json:"secondsRemaining"`
}

type GameStarted struct {
	SessionID string    `json:"sessionId"`
	RoomID    string    `json:"roomId"`
	PuzzleID  string    `json:"puzzleId"`
	GameURL   string    `json:"gameUrl"`
	EndsAt    time.Time `json:"endsAt"`
}

type NotEnoughPuzzles struct{}

type Error struct {
	Message string
}

type ChatMessage struct {
	RoomID    string    `json:"roomId"`
	Username  string    `json:"username"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

type PlayerSubmitted struct {
	SessionID string `json:"sessionId"`
	Username  string `json:"username"`
	Status    string `json:"status"`
}

type PlayerResult struct {
	Username        string   `json:"username"`
	UserID          string   `json:"userId"`
	HasSubmitted    bool     `json:"hasSubmitted"`
	Forfeited       bool     `json:"forfeited"`
	Status          string   `json:"status,omitempty"`
	SubmissionID    string   `json:"submissionId,omitempty"`
	ExecutionTimeMs *float64 `json:"executionTimeMs,omitempty"`
}

type GameCompleted struct {
	SessionID string         `json:"sessionId"`
	Reason    string         `json:"reason"`
	Results   []PlayerResult `json:"results"`
}

func (e OverviewOfRooms) frame() Frame {
	if e.Rooms == nil {
		e.Rooms = []RoomSummary{}
	}
	return Frame{Event: EventOverviewOfRooms, Data: e}
}

func (e OverviewRoom) frame() Frame { return Frame{Event: EventOverviewRoom, Data: e} }
func (e Countdown) frame() Frame    { return Frame{Event: EventCountdown, Data: e} }
func (e GameStarted) frame() Frame  { return Frame{Event: EventGameStarted, Data: e} }
func (e ChatMessage) frame() Frame  { return Frame{Event: EventChatMessage, Data: e} }

func (e PlayerSubmitted) frame() Frame { return Frame{Event: EventPlayerSubmitted, Data: e} }
func (e GameCompleted) frame() Frame   { return Frame{Event: EventGameCompleted, Data: e} }

func (NotEnoughPuzzles) frame() Frame {
	return Frame{Event: EventNotEnoughPuzzles, Message: notEnoughPuzzlesMessage}
}

func (e Error) frame() Frame {
	return Frame{Event: EventError, Message: e.Message}
}
