package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/elazharjebbari/alfenna-sub002/internal/messaging"
)

const campaignPollInterval = time.Minute

// runCampaignScheduler starts due campaigns on a fixed poll. Fan-out itself
// goes through the outbox, so the drain loop does the actual sending.
func runCampaignScheduler(ctx context.Context, core *messaging.Core, log zerolog.Logger) {
	ticker := time.NewTicker(campaignPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			started, err := core.Campaigns.ScheduleDue(ctx)
			if err != nil {
				log.Error().Err(err).Msg("campaign scheduling pass failed")
				continue
			}
			if started > 0 {
				log.Info().Int("started", started).Msg("campaigns started")
			}
		}
	}
}
