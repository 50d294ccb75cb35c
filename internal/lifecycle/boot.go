package lifecycle

import (
	"context"
	"fmt"

	"github.com/dyluth/skillbox/internal/apierr"
)

// Report summarises one boot reconciliation pass.
type Report struct {
	Started        []string `json:"started"`
	AlreadyRunning []string `json:"already_running"`
	Missing        []string `json:"missing"`
	Failed         []string `json:"failed"`
}

// Summary is a one-line description of the report.
func (r *Report) Summary() string {
	return fmt.Sprintf("%d started, %d already running, %d without container, %d failed",
		len(r.Started), len(r.AlreadyRunning), len(r.Missing), len(r.Failed))
}

// ReconcileBoot starts the container of every skill marked start_on_boot.
// Problems with one skill are logged and recorded; only a registry read
// failure aborts the pass.
func (c *Controller) ReconcileBoot(ctx context.Context) (*Report, error) {
	identities, err := c.registry.List(ctx)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, err, "failed to read registry")
	}

	report := &Report{}
	for _, identity := range identities {
		if !identity.StartOnBoot {
			continue
		}
		name := identity.Name

		ctr, found, err := c.findContainer(ctx, name)
		if err != nil {
			c.logger.Warn("failed to look up container at boot", "event", "boot_lookup_failed", "skill", name, "error", err)
			report.Failed = append(report.Failed, name)
			continue
		}
		if !found {
			c.logger.Warn("skill has no container", "event", "boot_container_missing", "skill", name)
			report.Missing = append(report.Missing, name)
			continue
		}
		if ctr.IsRunning() {
			report.AlreadyRunning = append(report.AlreadyRunning, name)
			continue
		}

		if err := c.engine.Start(ctx, ctr.ID); err != nil {
			c.logger.Warn("failed to start container at boot", "event", "boot_start_failed", "skill", name, "container", ctr.ID, "error", err)
			report.Failed = append(report.Failed, name)
			continue
		}
		c.logger.Info("started skill at boot", "event", "boot_started", "skill", name, "container", ctr.ID)
		report.Started = append(report.Started, name)
	}
	return report, nil
}
