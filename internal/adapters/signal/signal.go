package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Pulse/internal/app"
	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var errConnClosed = errors.New("connection closed")

type Options struct {
	ReadLimit    int64
	PingPeriod   time.Duration
	WriteTimeout time.Duration
	SendQueue    int
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 32768
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 54 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.SendQueue <= 0 {
		o.SendQueue = 64
	}
	return o
}

type SignalWSController struct {
	Sessions *app.Manager
	opts     Options
}

func NewSignalWSController(sessions *app.Manager, opts Options) *SignalWSController {
	return &SignalWSController{
		Sessions: sessions,
		opts:     opts.withDefaults(),
	}
}

// WsSignalConn is the transport endpoint of one socket.
// TrySend never blocks: a full queue is backpressure, and the coordinator drops
// the connection instead of waiting for it.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

// Close stops accepting frames. The write pump flushes what is queued and
// then closes the socket.
func (c *WsSignalConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// client is the per-socket state, owned by the read pump goroutine.
type client struct {
	sessionID domain.SessionID
	cookie    domain.ParticipantToken
	conn      *WsSignalConn

	co     *app.Coordinator
	id     core.ConnID
	member domain.Member
	joined bool
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	sessionID := domain.SessionID(c.Param("id"))
	token := domain.ParticipantToken(c.GetString("participant_token"))
	logger := log.With().Str("module", "adapters.signal").Str("session", string(sessionID)).Logger()

	co, err := ctl.Sessions.Acquire(c.Request.Context(), sessionID)
	if err != nil {
		logger.Warn().Err(err).Msg("acquire session")
		c.JSON(StatusFor(err), gin.H{"error": err.Error()})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error().Err(err).Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.opts.ReadLimit)
	logger.Info().Str("token", string(token)).Msg("new WS connection")

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, ctl.opts.SendQueue),
	}
	cl := &client{
		sessionID: sessionID,
		cookie:    token,
		conn:      conn,
		co:        co,
	}

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		ctl.writePump(ctx, conn)
	}()
	go ctl.readPump(ctx, cl)
}

// StatusFor maps coordinator errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrSessionNotFound), errors.Is(err, core.ErrQuestionNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrSessionClosed):
		return http.StatusGone
	case errors.Is(err, core.ErrConfigConflict):
		return http.StatusConflict
	case errors.Is(err, core.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, core.ErrUnknownSymbol), errors.Is(err, core.ErrSlideOutOfRange),
		errors.Is(err, core.ErrInvalidQuestion), errors.Is(err, core.ErrNotConnected),
		errors.Is(err, domain.ErrNoSlides), errors.Is(err, domain.ErrNoReactions),
		errors.Is(err, domain.ErrEmptySymbol):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
