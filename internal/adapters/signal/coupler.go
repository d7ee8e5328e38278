// Package signal connects the scheduler to the relay.
package signal

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/Chaos/internal/core"
	"github.com/dkeye/Chaos/internal/wire"
)

// Coupler pumps wire messages between a SignalLink and the scheduler.
type Coupler struct {
	att    core.Attachment
	link   core.SignalLink
	logger zerolog.Logger
}

func NewCoupler(att core.Attachment, link core.SignalLink) *Coupler {
	return &Coupler{
		att:    att,
		link:   link,
		logger: log.With().Str("module", "signal").Logger(),
	}
}

// Run blocks until ctx is done, the link is closed for good or the
// scheduler goes away. The link is closed on return.
func (c *Coupler) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg conc.WaitGroup
	wg.Go(func() {
		defer cancel()
		c.readPump(ctx)
	})
	wg.Go(func() {
		defer cancel()
		c.writePump(ctx)
	})

	<-ctx.Done()
	if err := c.link.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("link close")
	}
	wg.Wait()
	return nil
}

func (c *Coupler) readPump(ctx context.Context) {
	defer c.logger.Info().Msg("readPump closing")
	for {
		data, err := c.link.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, core.ErrLinkClosed) {
				return
			}
			c.logger.Error().Err(err).Msg("readPump read error")
			continue
		}
		if !c.handleFrame(data) {
			return
		}
	}
}

// handleFrame reports false once the scheduler is gone.
func (c *Coupler) handleFrame(data []byte) bool {
	cmd, err := wire.Decode(data)
	if err != nil {
		c.logger.Warn().Err(err).Str("frame", truncate(data, 128)).Msg("bad frame dropped")
		return true
	}
	if err := c.att.Scheduler.Send(cmd); err != nil {
		c.logger.Error().Err(err).Msg("scheduler unreachable")
		return false
	}
	return true
}

func (c *Coupler) writePump(ctx context.Context) {
	defer c.logger.Info().Msg("writePump closing")
	for {
		cmd, err := c.att.Inbox.Receive(ctx)
		if err != nil {
			return
		}
		sc, ok := cmd.(core.SignalCommand)
		if !ok {
			c.logger.Warn().Str("command", fmt.Sprintf("%T", cmd)).Msg("not a wire command")
			continue
		}
		data, err := wire.Encode(sc)
		if err != nil {
			c.logger.Error().Err(err).Msg("writePump encode")
			continue
		}
		if err := c.link.Send(ctx, data); err != nil {
			if ctx.Err() != nil || errors.Is(err, core.ErrLinkClosed) {
				return
			}
			c.logger.Error().Err(err).Msg("writePump write error")
		}
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
