package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/DIMO-Network/pse-pairing/pkg/ltp"
	"github.com/DIMO-Network/pse-pairing/pkg/sealing"
	"github.com/DIMO-Network/pse-pairing/pkg/status"
	"github.com/DIMO-Network/pse-pairing/pkg/watchdog"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// provisionOnce provisions the verifier certificate.
func provisionOnce(ctx context.Context, comps *components, logger zerolog.Logger) error {
	res, err := comps.provisioner.Run(ctx)
	if err != nil {
		return fmt.Errorf("provisioning failed: %w", err)
	}
	logger.Info().Stringer("gid", res.GID).Int("chainLength", len(res.Chain)).
		Str("decision", res.PlatformInfo.Decision().String()).Msg("Provisioning completed.")
	return nil
}

// pairOnce runs one long-term pairing, provisioning first when nothing is provisioned.
func pairOnce(ctx context.Context, comps *components, logger zerolog.Logger) (*ltp.Result, error) {
	res, err := comps.pairer.Pair(ctx)
	if !errors.Is(err, status.ErrNotProvisioned) {
		return res, err
	}
	logger.Info().Msg("Not provisioned; provisioning before pairing.")
	if err := provisionOnce(ctx, comps, logger); err != nil {
		return nil, err
	}
	return comps.pairer.Pair(ctx)
}

// pairLoop pairs every interval until ctx is done. With a positive watchdogInterval it fails
// once no pairing succeeds for that long, or once a pairing reports another blob instance.
// Re-provisioning therefore ends the loop and the process restarts with the new blob.
func pairLoop(ctx context.Context, comps *components, interval, watchdogInterval time.Duration, logger zerolog.Logger) error {
	group, groupCtx := errgroup.WithContext(ctx)
	var dog *watchdog.Watchdog
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		res, err := pairOnce(groupCtx, comps, logger)
		switch {
		case err != nil:
			logger.Error().Err(err).Str("class", status.KindOf(err).Class().String()).
				Bool("transient", status.IsTransient(err)).Msg("Pairing failed.")
		case watchdogInterval > 0:
			id := sealing.InstanceID(res.Metadata)
			if dog == nil {
				if dog, err = watchdog.New(id, watchdogInterval); err != nil {
					return err
				}
				group.Go(func() error { return dog.Start(groupCtx) })
			}
			if err := dog.Heartbeat(groupCtx, id); err != nil {
				logger.Debug().Err(err).Msg("Watchdog stopped before heartbeat.")
			}
		}
		select {
		case <-groupCtx.Done():
			return group.Wait()
		case <-ticker.C:
		}
	}
}
