package signal

import (
	"context"
	"errors"

	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/dkeye/Pulse/internal/protocol"
	"github.com/rs/zerolog/log"
)

var (
	errNotJoined     = errors.New("join first")
	errAlreadyJoined = errors.New("already joined")
	errAuthRequired  = errors.New("session token required")
)

func (ctl *SignalWSController) handleJoin(ctx context.Context, cl *client, p protocol.Join) error {
	if cl.joined {
		return errAlreadyJoined
	}
	role, err := domain.ParseRole(p.Role)
	if err != nil {
		return err
	}

	token := cl.cookie
	if p.SessionToken != "" {
		token = domain.ParticipantToken(p.SessionToken)
	} else if cl.co.Config().RequiresAuth {
		return errAuthRequired
	}
	if token == "" {
		token = domain.NewAnonymousToken()
	}
	if err := domain.ValidateToken(token); err != nil {
		return err
	}
	member := domain.Member{Token: token, Role: role}

	id, snap, err := cl.co.Connect(ctx, cl.conn, member)
	if errors.Is(err, core.ErrSessionClosed) {
		// Torn down for idleness between acquire and join; a fresh coordinator
		// picks up from its checkpoint.
		co, aerr := ctl.Sessions.Acquire(ctx, cl.sessionID)
		if aerr != nil {
			return aerr
		}
		cl.co = co
		id, snap, err = co.Connect(ctx, cl.conn, member)
	}
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("session", string(cl.sessionID)).Msg("join")
		return err
	}

	cl.id = id
	cl.member = member
	cl.joined = true
	log.Info().Str("module", "signal").Str("session", string(cl.sessionID)).Str("token", string(token)).
		Str("role", string(role)).Int("slide", snap.CurrentSlide).Msg("join")
	return nil
}

func (ctl *SignalWSController) handleReaction(ctx context.Context, cl *client, p protocol.Reaction) error {
	_, err := cl.co.SubmitReaction(ctx, p.Slide, p.Emoji, cl.member.Token)
	return ctl.checkClosed(err)
}

func (ctl *SignalWSController) handleQuestion(ctx context.Context, cl *client, p protocol.Question) error {
	_, err := cl.co.SubmitQuestion(ctx, p.Slide, p.Text, cl.member.Token)
	return ctl.checkClosed(err)
}

func (ctl *SignalWSController) handleSlideChange(ctx context.Context, cl *client, p protocol.SlideChange) error {
	return ctl.checkClosed(cl.co.ChangeSlide(ctx, p.Slide, cl.member.Role))
}

func (ctl *SignalWSController) handleApprove(ctx context.Context, cl *client, p protocol.ApproveQuestion) error {
	_, err := cl.co.ApproveQuestion(ctx, p.ID, cl.member.Role)
	return ctl.checkClosed(err)
}

func (ctl *SignalWSController) handleAnswer(ctx context.Context, cl *client, p protocol.AnswerQuestion) error {
	_, err := cl.co.AnswerQuestion(ctx, p.ID, cl.member.Role)
	return ctl.checkClosed(err)
}

// checkClosed ends the read loop once the session is gone; the socket is
// already being closed by the coordinator.
func (ctl *SignalWSController) checkClosed(err error) error {
	if errors.Is(err, core.ErrSessionClosed) {
		return errStopReading
	}
	return err
}
