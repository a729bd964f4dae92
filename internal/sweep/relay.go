package sweep

import (
	"context"
	"log/slog"
	"time"

	"fleetstate/internal/store"
)

// RelayJanitor drops relay confirmations that are past their expiration, so
// a relay whose authorization lapsed can no longer submit relayed readings.
type RelayJanitor struct {
	Repo *store.Repo

	now func() time.Time
}

func NewRelayJanitor(repo *store.Repo) *RelayJanitor {
	return &RelayJanitor{Repo: repo, now: time.Now}
}

func (j *RelayJanitor) Run(ctx context.Context) error {
	n, err := j.Repo.DeleteExpiredRelays(ctx, j.now().Unix())
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("expired relay confirmations removed", "count", n)
	}
	return nil
}
