package main

import (
	"context"
	"log/slog"
	"time"

	"jackdaw/hub/internal/rooms"
	"jackdaw/hub/internal/ws"
)

// RunMetrics logs hub stats every interval until ctx is canceled.
func RunMetrics(ctx context.Context, registry *rooms.Registry, broker *ws.Broker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			activeRooms, participants := registry.Counts()
			subscribers := broker.Subscribers()
			if activeRooms > 0 || subscribers > 0 {
				slog.Info("hub stats",
					"rooms", activeRooms,
					"participants", participants,
					"patchbay_subscribers", subscribers)
			}
		}
	}
}
