package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/pixmorph/pixmorph/internal/auth"
	"github.com/pixmorph/pixmorph/internal/domain"
	"github.com/pixmorph/pixmorph/internal/hub"
	"github.com/pixmorph/pixmorph/internal/jobstore"
	"github.com/pixmorph/pixmorph/internal/worker"
)

const (
	authReadTimeout = 10 * time.Second

	// outgoingBuffer bounds per-connection event queueing. When a client
	// falls this far behind, events are dropped; the reconciliation read
	// after reconnect covers the gap.
	outgoingBuffer = 64
)

// Server serves the WebSocket endpoint: auth-first handshake, request
// dispatch against the lifecycle service, and event fan-out from the hub.
type Server struct {
	logger  *slog.Logger
	auth    auth.Authenticator
	service *worker.Service
	hub     *hub.Hub
}

// NewServer creates the WebSocket server.
func NewServer(logger *slog.Logger, authn auth.Authenticator, service *worker.Service, h *hub.Hub) *Server {
	return &Server{logger: logger, auth: authn, service: service, hub: h}
}

// Handler returns the gin handler that upgrades and serves a connection.
func (s *Server) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, _, _, err := ws.UpgradeHTTP(c.Request, c.Writer)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
			return
		}
		go s.serve(conn)
	}
}

// session is the per-connection state after a successful handshake.
type session struct {
	connID   string
	identity *auth.Identity
	conn     net.Conn

	// out serializes all writes: responses from the read loop and event
	// frames from hub publish goroutines.
	out    chan *Frame
	unsubs map[string]func() // channel → hub unsubscribe

	mu     sync.Mutex
	closed bool
}

// send queues a frame. Frames are dropped when the client cannot keep up
// or the session is shutting down.
func (sess *session) send(frame *Frame) {
	if frame == nil {
		return
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return
	}
	select {
	case sess.out <- frame:
	default:
	}
}

func (sess *session) shutdown() {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return
	}
	sess.closed = true
	close(sess.out)
}

func (s *Server) serve(conn net.Conn) {
	defer conn.Close()

	sess, ok := s.handshake(conn)
	if !ok {
		return
	}
	defer func() {
		s.hub.DropConnection(sess.connID)
		for _, unsub := range sess.unsubs {
			unsub()
		}
		sess.shutdown()
		s.logger.Info("websocket disconnected", slog.String("conn_id", sess.connID))
	}()

	go s.writeLoop(sess)
	s.readLoop(sess)
}

// handshake reads and answers the mandatory auth frame. A bad token gets
// an error frame plus a 4401 close so clients know not to retry.
func (s *Server) handshake(conn net.Conn) (*session, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(authReadTimeout))
	data, err := wsutil.ReadClientText(conn)
	if err != nil {
		return nil, false
	}
	_ = conn.SetReadDeadline(time.Time{})

	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.reject(conn, NewErrorFrame("", ErrCodeBadRequest, "invalid auth frame"), ws.StatusProtocolError, "invalid auth frame")
		return nil, false
	}
	if frame.Method != MethodAuth {
		s.reject(conn, NewErrorFrame(frame.ID, ErrCodeBadRequest, "first frame must be auth"), ws.StatusProtocolError, "auth required")
		return nil, false
	}

	var req AuthRequest
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			s.reject(conn, NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid auth data"), ws.StatusProtocolError, "invalid auth data")
			return nil, false
		}
	}

	identity, err := s.auth.Authenticate(context.Background(), req.Token)
	if err != nil {
		s.reject(conn, NewErrorFrame(frame.ID, ErrCodeUnauthorized, "authentication failed"), ws.StatusCode(CloseAuthRejected), "authentication failed")
		return nil, false
	}

	sess := &session{
		connID:   uuid.New().String(),
		identity: identity,
		conn:     conn,
		out:      make(chan *Frame, outgoingBuffer),
		unsubs:   make(map[string]func()),
	}

	resp, err := NewResponseFrame(frame.ID, AuthResponse{
		SessionID: sess.connID,
		Account:   identity.Account,
	})
	if err != nil || writeFrame(conn, resp) != nil {
		return nil, false
	}

	s.logger.Info("websocket authenticated",
		slog.String("conn_id", sess.connID),
		slog.String("account", identity.Account),
	)
	return sess, true
}

func (s *Server) reject(conn net.Conn, errFrame *Frame, status ws.StatusCode, reason string) {
	if err := writeFrame(conn, errFrame); err != nil {
		s.logger.Debug("failed to write rejection frame", slog.String("error", err.Error()))
	}
	body := ws.NewCloseFrameBody(status, reason)
	if err := ws.WriteFrame(conn, ws.NewCloseFrame(body)); err != nil {
		s.logger.Debug("failed to write close frame", slog.String("error", err.Error()))
	}
}

func (s *Server) writeLoop(sess *session) {
	for frame := range sess.out {
		if err := writeFrame(sess.conn, frame); err != nil {
			s.logger.Debug("write failed, dropping connection",
				slog.String("conn_id", sess.connID),
				slog.String("error", err.Error()),
			)
			_ = sess.conn.Close()
			// Drain so hub publishers never block on this connection.
			for range sess.out {
			}
			return
		}
	}
}

func (s *Server) readLoop(sess *session) {
	ctx := context.Background()
	for {
		data, err := wsutil.ReadClientText(sess.conn)
		if err != nil {
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			sess.send(NewErrorFrame("", ErrCodeBadRequest, "invalid frame"))
			continue
		}

		if frame.Type == FramePing {
			sess.send(&Frame{
				ID:        NewFrameID(),
				Type:      FramePong,
				CorrelID:  frame.ID,
				Timestamp: time.Now().UTC(),
			})
			continue
		}
		if frame.Type != FrameRequest {
			continue
		}

		sess.send(s.dispatch(ctx, sess, &frame))
	}
}

func (s *Server) dispatch(ctx context.Context, sess *session, frame *Frame) *Frame {
	owner := sess.identity.Account

	switch frame.Method {
	case MethodJobSubmit:
		var req SubmitRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid job.submit data")
		}
		job, err := s.service.Submit(ctx, owner, req.InputRef, req.Options())
		if err != nil {
			return NewDomainErrorFrame(frame.ID, err)
		}
		return mustResponse(frame.ID, job)

	case MethodJobGet:
		var req JobRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid job.get data")
		}
		job, err := s.service.GetStatus(ctx, owner, req.JobID)
		if err != nil {
			return NewDomainErrorFrame(frame.ID, err)
		}
		return mustResponse(frame.ID, job)

	case MethodJobCancel:
		var req JobRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid job.cancel data")
		}
		job, err := s.service.Cancel(ctx, owner, req.JobID)
		if err != nil {
			return NewDomainErrorFrame(frame.ID, err)
		}
		return mustResponse(frame.ID, job)

	case MethodJobList:
		var req ListRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid job.list data")
		}
		cursor, err := jobstore.DecodeCursor(req.Cursor)
		if err != nil {
			return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid cursor")
		}
		jobs, next, err := s.service.List(ctx, owner, jobstore.Filter{
			Status:   domain.JobStatus(req.Status),
			PageSize: req.PageSize,
			Cursor:   cursor,
		})
		if err != nil {
			return NewDomainErrorFrame(frame.ID, err)
		}
		resp := ListResponse{Jobs: jobs}
		if next != nil {
			resp.NextCursor = jobstore.EncodeCursor(next)
		}
		return mustResponse(frame.ID, resp)

	case MethodBalanceGet:
		balance, err := s.service.Balance(ctx, owner)
		if err != nil {
			return NewDomainErrorFrame(frame.ID, err)
		}
		return mustResponse(frame.ID, BalanceResponse{Account: owner, Balance: balance})

	case MethodSubscribe:
		var req SubscribeRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid subscribe data")
		}
		return s.subscribe(ctx, sess, frame.ID, req.Channel)

	case MethodUnsubscribe:
		var req UnsubscribeRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid unsubscribe data")
		}
		if unsub, ok := sess.unsubs[req.Channel]; ok {
			unsub()
			delete(sess.unsubs, req.Channel)
		}
		return mustResponse(frame.ID, map[string]string{"channel": req.Channel})

	default:
		return NewErrorFrame(frame.ID, ErrCodeMethodNotFound, "unknown method: "+frame.Method)
	}
}

// subscribe wires a hub subscription to the connection. Subscriptions are
// ownership-scoped: a job channel only works for the caller's own jobs and
// the wildcard channel is always the caller's account.
func (s *Server) subscribe(ctx context.Context, sess *session, correlID, channel string) *Frame {
	if _, dup := sess.unsubs[channel]; dup {
		return mustResponse(correlID, map[string]string{"channel": channel})
	}

	var filter hub.Filter
	switch {
	case channel == ChannelMyJobs:
		filter = hub.Filter{Owner: sess.identity.Account}
	case len(channel) > 4 && channel[:4] == "job:":
		jobID := channel[4:]
		if _, err := s.service.GetStatus(ctx, sess.identity.Account, jobID); err != nil {
			return NewDomainErrorFrame(correlID, err)
		}
		filter = hub.Filter{JobID: jobID}
	default:
		return NewErrorFrame(correlID, ErrCodeBadRequest, "unknown channel: "+channel)
	}

	unsub := s.hub.Subscribe(sess.connID, filter, hub.HandlerFunc(func(evt hub.Event) {
		frame, err := NewEventFrame(channel, evt)
		if err != nil {
			return
		}
		sess.send(frame)
	}))
	sess.unsubs[channel] = unsub

	return mustResponse(correlID, map[string]string{"channel": channel})
}

func mustResponse(correlID string, data any) *Frame {
	frame, err := NewResponseFrame(correlID, data)
	if err != nil {
		return NewErrorFrame(correlID, ErrCodeInternal, "failed to encode response")
	}
	return frame
}

func writeFrame(conn net.Conn, frame *Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return wsutil.WriteServerText(conn, data)
}
