package dispatcher

import (
	"context"
	"fmt"

	"locsrc-svr/internal/link"
)

// serving consulta la estacion base actual y la deja en Redis.
func (d *Dispatcher) serving(ctx context.Context, t Target, cmd link.Command) (string, error) {
	bs, err := t.ServingSystem(ctx)
	if err != nil {
		return "", err
	}
	if bs == nil {
		return "no base station", nil
	}

	d.log.Info("serving system", "device", cmd.DeviceID, "bs_id", bs.ID, "lat", bs.Latitude, "lon", bs.Longitude)
	d.store.SaveBaseStation(ctx, cmd.DeviceID, bs.ID, bs.Latitude, bs.Longitude)

	return fmt.Sprintf("bs_id=%d lat=%.6f lon=%.6f", bs.ID, bs.Latitude, bs.Longitude), nil
}
