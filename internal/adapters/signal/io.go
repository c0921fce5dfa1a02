package signal

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/Pulse/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ping := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ping.Stop()
		c.Close()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(ctl.opts.WriteTimeout))
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.opts.WriteTimeout)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctl.opts.WriteTimeout)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cl *client) {
	pongWait := ctl.opts.PingPeriod * 10 / 9
	defer func() {
		log.Info().Str("module", "signal").Str("session", string(cl.sessionID)).Msg("readPump closing")
		if cl.joined {
			dctx, cancel := context.WithTimeout(context.Background(), ctl.opts.WriteTimeout)
			_ = cl.co.Disconnect(dctx, cl.id)
			cancel()
		}
		cl.conn.Close()
	}()

	_ = cl.conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.conn.SetPongHandler(func(string) error {
		return cl.conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("session", string(cl.sessionID)).Msg("readPump ctx done")
			return
		default:
			_, data, err := cl.conn.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Error().Err(err).Str("module", "signal").Str("session", string(cl.sessionID)).Msg("readPump read error")
				}
				return
			}
			_ = cl.conn.conn.SetReadDeadline(time.Now().Add(pongWait))
			if err := ctl.handleSignal(ctx, cl, data); err != nil {
				if errors.Is(err, errStopReading) {
					return
				}
				ctl.sendError(cl.conn, err)
			}
		}
	}
}

var errStopReading = errors.New("stop reading")

func (ctl *SignalWSController) handleSignal(ctx context.Context, cl *client, data []byte) error {
	msg, err := protocol.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("bad message")
		return err
	}
	if _, ok := msg.(protocol.Join); !ok && !cl.joined {
		return errNotJoined
	}

	switch m := msg.(type) {
	case protocol.Join:
		return ctl.handleJoin(ctx, cl, m)
	case protocol.Reaction:
		return ctl.handleReaction(ctx, cl, m)
	case protocol.Question:
		return ctl.handleQuestion(ctx, cl, m)
	case protocol.SlideChange:
		return ctl.handleSlideChange(ctx, cl, m)
	case protocol.Ping:
		return ctl.handlePing(ctx, cl)
	case protocol.ApproveQuestion:
		return ctl.handleApprove(ctx, cl, m)
	case protocol.AnswerQuestion:
		return ctl.handleAnswer(ctx, cl, m)
	default:
		return protocol.ErrUnknownMessage
	}
}

func (ctl *SignalWSController) sendError(c *WsSignalConn, err error) {
	ctl.sendJSON(c, protocol.Error{Message: err.Error()})
}

func (ctl *SignalWSController) sendJSON(c *WsSignalConn, m protocol.Outbound) {
	b, err := protocol.Encode(m)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}
