package core

import (
	"github.com/rs/zerolog/log"
)

// Broadcaster fans a frame out to a set of connections.
// Delivery is attempted on every connection independently; failures are
// reported back in PublishResult and never abort the remaining sends.
type Broadcaster struct {
	session string
}

func NewBroadcaster(session string) *Broadcaster {
	return &Broadcaster{session: session}
}

func (b *Broadcaster) Send(conns []Connection, f Frame) PublishResult {
	res := PublishResult{}
	for _, c := range conns {
		if c.Signal == nil {
			res.Dropped = append(res.Dropped, c)
			continue
		}
		if err := c.Signal.TrySend(f); err != nil {
			log.Warn().Err(err).Str("module", "core.broadcaster").Str("session", b.session).Str("conn", c.ID.String()).Msg("send failed")
			res.Dropped = append(res.Dropped, c)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.broadcaster").Str("session", b.session).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}
