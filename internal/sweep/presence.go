package sweep

import (
	"context"
	"log/slog"
	"time"

	"fleetstate/internal/observability"
	"fleetstate/internal/store"
	"fleetstate/internal/transact"
)

// PresenceSweeper demotes devices that stopped reporting. A device is stale
// when it is still flagged connected but its last reading is older than the
// threshold. Each stale device gets one per-user offline notification before
// the bulk update clears its connected state and node affinity.
type PresenceSweeper struct {
	Repo       *store.Repo
	Notify     transact.Notifier
	StaleAfter time.Duration

	now func() time.Time
}

func NewPresenceSweeper(repo *store.Repo, notify transact.Notifier, staleAfter time.Duration) *PresenceSweeper {
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	return &PresenceSweeper{Repo: repo, Notify: notify, StaleAfter: staleAfter, now: time.Now}
}

type presenceEvent struct {
	DeviceID    string `json:"uuid_appareil"`
	Connected   bool   `json:"connecte"`
	LastReading *int64 `json:"derniere_lecture,omitempty"`
}

func (p *PresenceSweeper) Run(ctx context.Context) error {
	cutoff := p.now().Add(-p.StaleAfter).Unix()
	stale, err := p.Repo.StaleConnectedDevices(ctx, cutoff)
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}
	if p.Notify != nil {
		for _, dev := range stale {
			p.Notify.NotifyUser(dev.UserID, transact.EventPresence, presenceEvent{
				DeviceID:    dev.DeviceID,
				Connected:   false,
				LastReading: dev.LastReading,
			})
		}
	}
	// Same cutoff as the select above: a device that reported between the
	// two statements has a newer derniere_lecture and is left alone.
	n, err := p.Repo.MarkDevicesOffline(ctx, cutoff)
	if err != nil {
		return err
	}
	observability.PresenceDemotions.Add(float64(n))
	slog.Info("presence sweep demoted devices", "count", n)
	return nil
}
