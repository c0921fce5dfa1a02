package signal

import "context"

func (ctl *SignalWSController) handlePing(ctx context.Context, cl *client) error {
	return ctl.checkClosed(cl.co.Ping(ctx, cl.id))
}
