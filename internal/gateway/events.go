// ABOUTME: Transfer event recording for generate, upload, download and removal
// ABOUTME: Also runs the retention loop that prunes old events

package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/2389/bookdrop/internal/convert"
	"github.com/2389/bookdrop/internal/session"
	"github.com/2389/bookdrop/internal/store"
	"github.com/2389/bookdrop/internal/upload"
)

// recordEvent saves a transfer event. Failures are logged and never reach
// the client; the event log is not needed to serve files.
func (g *Gateway) recordEvent(ctx context.Context, event *store.Event) {
	if err := g.store.AppendEvent(ctx, event); err != nil {
		g.logger.Warn("failed to record transfer event",
			"key", event.SessionKey,
			"action", event.Action,
			"error", err,
		)
	}
}

// recordRemoval is the session store's removal hook.
func (g *Gateway) recordRemoval(snap session.Snapshot, reason session.RemoveReason) {
	g.recordEvent(context.Background(), &store.Event{
		SessionKey: snap.Key,
		Action:     store.ActionRemoved,
		Device:     snap.Device.String(),
		Detail: map[string]any{
			"reason": string(reason),
			"files":  len(snap.Artifacts),
			"urls":   len(snap.URLs),
		},
	})
}

// recordUpload logs one event per stored or failed file of a submission.
func (g *Gateway) recordUpload(ctx context.Context, res *upload.Result) {
	for _, it := range res.Stored {
		action := store.ActionUploaded
		detail := map[string]any{"file": it.Name, "size": it.Size}
		if it.Tool != "" {
			action = store.ActionConverted
			detail["original"] = it.Original
			detail["tool"] = it.Tool
		}
		if it.Replaced {
			detail["replaced"] = true
		}
		g.recordEvent(ctx, &store.Event{
			SessionKey: res.Key,
			Action:     action,
			Device:     res.Device.String(),
			Detail:     detail,
		})
	}

	for _, it := range res.Failed {
		var convErr *convert.ConversionError
		if !errors.As(it.Err, &convErr) {
			continue
		}
		g.recordEvent(ctx, &store.Event{
			SessionKey: res.Key,
			Action:     store.ActionConversionFailed,
			Device:     res.Device.String(),
			Detail: map[string]any{
				"file":      it.Original,
				"tool":      convErr.Tool,
				"exit_code": convErr.ExitCode,
			},
		})
	}

	if res.URL != "" && res.URLAdded {
		g.recordEvent(ctx, &store.Event{
			SessionKey: res.Key,
			Action:     store.ActionUploaded,
			Device:     res.Device.String(),
			Detail:     map[string]any{"url": res.URL},
		})
	}
}

// pruneEvents deletes events older than the configured retention.
func (g *Gateway) pruneEvents(ctx context.Context) {
	retention := g.config.Database.Retention
	if retention <= 0 {
		return
	}
	n, err := g.store.PruneEvents(ctx, g.now().Add(-retention))
	if err != nil {
		g.logger.Warn("failed to prune transfer events", "error", err)
		return
	}
	if n > 0 {
		g.logger.Info("pruned transfer events", "count", n, "retention", retention)
	}
}

// runRetention prunes at startup and then every pruneInterval until ctx ends.
func (g *Gateway) runRetention(ctx context.Context) {
	g.pruneEvents(ctx)

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.pruneEvents(ctx)
		}
	}
}
