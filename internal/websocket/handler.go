package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/rx3lixir/codearena/internal/auth"
	"github.com/rx3lixir/codearena/internal/game"
	"github.com/rx3lixir/codearena/internal/protocol"
	"github.com/rx3lixir/codearena/internal/registry"
	"github.com/rx3lixir/codearena/pkg/apperr"
)

// Close reasons sent with policy violations
const (
	ReasonUnauthorized     = "unauthorized"
	ReasonUserNotFound     = "user not found"
	ReasonAlreadyConnected = "already connected"
)

// Time a single client event may spend in the room store and broker
const opTimeout = 10 * time.Second

type IdentityResolver interface {
	Resolve(r *http.Request) (auth.Identity, error)
}

// Lobby is the waiting-room manager as driven by a connection
type Lobby interface {
	Connect(ctx context.Context, id auth.Identity) error
	Host(ctx context.Context, id auth.Identity, req protocol.HostRoom) error
	Join(ctx context.Context, id auth.Identity, roomID string) error
	JoinByInviteCode(ctx context.Context, id auth.Identity, code string) error
	Leave(ctx context.Context, id auth.Identity) error
	Start(ctx context.Context, id auth.Identity) error
	Chat(ctx context.Context, id auth.Identity, text string) error
	Disconnect(ctx context.Context, id auth.Identity) error
}

type Submissions interface {
	RecordSubmission(ctx context.Context, sessionID string, id auth.Identity, sub game.Submission) error
}

type Handler struct {
	resolver       IdentityResolver
	registry       *registry.Registry
	lobby          Lobby
	games          Submissions
	originPatterns []string
	log            *slog.Logger

	wg sync.WaitGroup
}

func NewHandler(
	resolver IdentityResolver,
	reg *registry.Registry,
	lobby Lobby,
	games Submissions,
	originPatterns []string,
	log *slog.Logger,
) *Handler {
	return &Handler{
		resolver:       resolver,
		registry:       reg,
		lobby:          lobby,
		games:          games,
		originPatterns: originPatterns,
		log:            log,
	}
}

// ServeHTTP upgrades the request and serves the connection until either
// side closes it
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.log.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	id, err := h.resolver.Resolve(r)
	if err != nil {
		reason := ReasonUnauthorized
		if errors.Is(err, auth.ErrUserNotFound) {
			reason = ReasonUserNotFound
		}
		h.log.Info("rejecting websocket connection", "remote_addr", r.RemoteAddr, "reason", reason)
		_ = conn.Close(websocket.StatusPolicyViolation, reason)
		return
	}

	client := NewClient(id, conn, h.log)
	if err := h.registry.Register(id, client); err != nil {
		h.log.Info("rejecting duplicate connection", "username", id.Username)
		_ = conn.Close(websocket.StatusPolicyViolation, ReasonAlreadyConnected)
		return
	}

	h.wg.Add(1)
	defer h.wg.Done()

	h.log.Info("websocket connected", "username", id.Username, "user_id", id.UserID)

	// the pumps outlive the request context once the connection is hijacked
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		client.writePump(ctx)
	}()

	h.run(ctx, client, func(ctx context.Context) error {
		return h.lobby.Connect(ctx, id)
	})

	client.readPump(ctx, h.dispatch)

	// read loop is done, so no mutation of this connection is in flight
	client.closeWith(websocket.StatusNormalClosure, "")
	if h.registry.Release(id.Username, client) {
		h.run(ctx, nil, func(ctx context.Context) error {
			return h.lobby.Disconnect(ctx, id)
		})
	}

	<-writeDone
	h.log.Info("websocket disconnected", "username", id.Username)
}

// Wait blocks until every connection served by h has been cleaned up
func (h *Handler) Wait() {
	h.wg.Wait()
}

func (h *Handler) dispatch(ctx context.Context, c *Client, frame []byte) {
	ev, err := protocol.Decode(frame)
	if err != nil {
		h.replyError(c, err)
		return
	}

	id := c.identity
	h.run(ctx, c, func(ctx context.Context) error {
		switch e := ev.(type) {
		case protocol.HostRoom:
			return h.lobby.Host(ctx, id, e)
		case protocol.JoinRoom:
			return h.lobby.Join(ctx, id, e.RoomID)
		case protocol.JoinByInviteCode:
			return h.lobby.JoinByInviteCode(ctx, id, e.Code)
		case protocol.LeaveRoom:
			return h.lobby.Leave(ctx, id)
		case protocol.StartGame:
			return h.lobby.Start(ctx, id)
		case protocol.SendMessage:
			return h.lobby.Chat(ctx, id, e.Text)
		case protocol.SubmitResult:
			return h.games.RecordSubmission(ctx, e.SessionID, id, game.Submission{
				SubmissionID:    e.SubmissionID,
				Status:          e.Status,
				ExecutionTimeMs: e.ExecutionTimeMs,
				Language:        e.Language,
				Code:            e.Code,
			})
		default:
			h.log.Error("unhandled client event", "username", id.Username, "event", ev)
			return nil
		}
	})
}

// run executes op with its own timeout and turns a failure into an error
// event for c. A nil c only logs.
func (h *Handler) run(ctx context.Context, c *Client, op func(ctx context.Context) error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := op(opCtx); err != nil {
		if c == nil {
			h.log.Error("connection cleanup failed", "error", err)
			return
		}
		h.replyError(c, err)
	}
}

// replyError sends the error's user-facing message. Errors outside the
// taxonomy are logged since the client only sees a generic message.
func (h *Handler) replyError(c *Client, err error) {
	code := apperr.CodeOf(err)
	if code == "" {
		h.log.Error("unexpected error handling client event", "username", c.identity.Username, "error", err)
	} else {
		h.log.Debug("client event rejected", "username", c.identity.Username, "code", code, "error", err)
	}
	c.sendError(apperr.Message(err))
}
