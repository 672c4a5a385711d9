package game

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rx3lixir/codearena/internal/auth"
	"github.com/rx3lixir/codearena/internal/presence"
	"github.com/rx3lixir/codearena/internal/protocol"
	"github.com/rx3lixir/codearena/pkg/apperr"
)

const (
	opSubmit     = "submit"
	opDisconnect = "disconnect"
	opReconnect  = "reconnect"
)

// command is a session operation addressed to whichever process owns it
type command struct {
	Op         string        `json:"op"`
	SessionID  string        `json:"sessionId"`
	Identity   auth.Identity `json:"identity"`
	Submission *Submission   `json:"submission,omitempty"`
}

// ListenCommands applies forwarded commands for sessions owned here
func (m *Manager) ListenCommands(ctx context.Context) error {
	if m.commands == nil {
		return nil
	}
	return m.commands.Subscribe(ctx, presence.GameCommands, m.handleCommand)
}

// forwardSubmission only forwards when the store confirms the user's room
// is running this session somewhere
func (m *Manager) forwardSubmission(ctx context.Context, sessionID string, id auth.Identity, sub Submission) error {
	if m.commands == nil {
		return ErrSessionNotFound
	}

	roomID, err := m.rooms.RoomOf(ctx, id.Username)
	if err != nil {
		return err
	}
	if roomID == "" {
		return ErrSessionNotFound
	}

	room, err := m.rooms.GetRoom(ctx, roomID)
	if err != nil {
		if apperr.IsNotFound(err) {
			return ErrSessionNotFound
		}
		return err
	}
	if room.SessionID != sessionID {
		return ErrSessionNotFound
	}
	reclaimed, err := m.ReclaimOrphan(ctx, room)
	if err != nil {
		return err
	}
	if reclaimed {
		return ErrSessionNotFound
	}

	return m.forward(ctx, command{Op: opSubmit, SessionID: sessionID, Identity: id, Submission: &sub})
}

func (m *Manager) forward(ctx context.Context, cmd command) error {
	if m.commands == nil {
		return ErrSessionNotFound
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to encode game command: %w", err)
	}

	return m.commands.Publish(ctx, presence.GameCommands, presence.Event{
		Kind:    presence.KindGameCommand,
		Origin:  m.origin,
		Payload: payload,
	})
}

func (m *Manager) handleCommand(ctx context.Context, ev presence.Event) {
	if ev.Kind != presence.KindGameCommand {
		return
	}

	var cmd command
	if err := json.Unmarshal(ev.Payload, &cmd); err != nil {
		m.log.Warn("dropping malformed game command", "origin", ev.Origin, "error", err)
		return
	}

	s := m.session(cmd.SessionID)
	if s == nil {
		// owned by another process, or already finished
		return
	}

	var err error
	switch cmd.Op {
	case opSubmit:
		if cmd.Submission == nil {
			return
		}
		err = m.record(ctx, s, cmd.Identity, *cmd.Submission)
	case opDisconnect:
		err = m.disconnect(ctx, s, cmd.Identity.Username)
	case opReconnect:
		err = m.PlayerReconnected(ctx, cmd.SessionID, cmd.Identity.Username)
	default:
		m.log.Warn("unknown game command", "op", cmd.Op, "origin", ev.Origin)
		return
	}

	if err != nil {
		m.log.Debug("forwarded game command rejected", "op", cmd.Op, "session_id", cmd.SessionID, "error", err)
		if cmd.Op == opSubmit {
			m.notifier.ToMembers(ctx, s.roomID, []string{cmd.Identity.Username}, protocol.Error{Message: apperr.Message(err)}, nil)
		}
	}
}
