package dpsgd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/dpsgd/pkg/dataset"
	"github.com/absmach/dpsgd/pkg/mqtt"
	"github.com/absmach/dpsgd/pkg/orchestration"
	"golang.org/x/sync/errgroup"
)

const simulationLiveliness = 50 * time.Millisecond

// Simulate runs the arbiter and one data holder per configured holder in this
// process, connected through an in-memory broker. data is split evenly across
// the holders in configuration order.
func Simulate(ctx context.Context, cfg Config, data *dataset.Dataset, logger *slog.Logger) (orchestration.Report, error) {
	if err := cfg.Validate(); err != nil {
		return orchestration.Report{}, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	holders := cfg.Arbiter.Holders
	parts, err := data.Partition(len(holders))
	if err != nil {
		return orchestration.Report{}, err
	}

	broker := mqtt.NewMemoryBroker(logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range holders {
		// Extra holders borrow the host section.
		section, err := cfg.Party(name)
		if err != nil {
			section = cfg.Host
		}
		section.InstanceID = name
		section.Liveliness = simulationLiveliness
		role := &partyRole{cfg: cfg, role: name, section: section}

		client, err := broker.Client(cfg.Training.JobID + "-" + name)
		if err != nil {
			return orchestration.Report{}, err
		}
		g.Go(func() error {
			if _, err := role.Run(gctx, Runtime{Logger: logger, PubSub: client, Data: parts[i]}); err != nil {
				return fmt.Errorf("data holder %s: %w", name, err)
			}

			return nil
		})
	}

	client, err := broker.Client(cfg.Training.JobID + "-" + RoleArbiter)
	if err != nil {
		return orchestration.Report{}, err
	}
	report, runErr := (&ArbiterRole{cfg: cfg}).Run(gctx, Runtime{Logger: logger, PubSub: client})

	// Holders return once they see the halt event; a failed arbiter may never
	// send one.
	if runErr != nil {
		cancel()
	}
	if err := g.Wait(); err != nil && runErr == nil && ctx.Err() == nil {
		return report, err
	}

	return report, runErr
}
