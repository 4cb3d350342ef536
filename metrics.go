package main

import (
	"context"
	"log"
	"time"

	"github.com/DMShort/DadLink/internal/voice"
)

// RunMetrics logs voice-plane stats every interval until ctx is canceled.
func RunMetrics(ctx context.Context, router *voice.Router, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			datagrams, bytes, delivered, dropped, sessions := router.Stats()
			if sessions > 0 || datagrams > 0 {
				log.Printf("[metrics] sessions=%d datagrams=%d delivered=%d dropped=%d bytes=%d (%.1f KB/s)",
					sessions, datagrams, delivered, dropped, bytes,
					float64(bytes)/interval.Seconds()/1024)
			}
		}
	}
}
