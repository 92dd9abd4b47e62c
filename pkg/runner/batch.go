package runner

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/positronic-core/positronic/pkg/brain"
	"github.com/positronic-core/positronic/pkg/llm"
	"github.com/positronic-core/positronic/pkg/models"
	"github.com/positronic-core/positronic/pkg/patch"
)

// batchSkip marks an item dropped by the skip error policy.
var batchSkip = &struct{}{}

// executeBatch fans a structured prompt out over the block's items,
// chunk by chunk, and merges the ordered results into state under the
// block's schema name as a single step completion.
func (a *actor) executeBatch(ctx context.Context, b brain.BatchPrompt) (stopReason, error) {
	if err := a.stepStart(ctx, b.Title); err != nil {
		return stopShutdown, nil
	}
	sc, err := a.stepContext()
	if err != nil {
		return stopNone, err
	}
	items, err := b.Items(sc)
	if err != nil {
		return stopNone, fmt.Errorf("batch %q items: %w", b.Title, err)
	}

	chunkSize := b.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultBatchChunkSize
	}

	results := make([]any, len(items))
	for offset := 0; offset < len(items); offset += chunkSize {
		if stop := a.checkpoint(ctx); stop != stopNone {
			return stop, nil
		}
		end := offset + chunkSize
		if end > len(items) {
			end = len(items)
		}

		g, gctx := errgroup.WithContext(ctx)
		for i := offset; i < end; i++ {
			g.Go(func() error {
				value, err := a.batchItem(gctx, b, sc, items[i])
				if err != nil {
					return err
				}
				results[i] = value
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return stopNone, fmt.Errorf("batch %q: %w", b.Title, err)
		}
	}

	merged := make([]any, 0, len(results))
	for _, value := range results {
		if value == batchSkip {
			continue
		}
		merged = append(merged, value)
	}

	delta, err := patch.MergeAtPath(a.state, b.SchemaName, merged)
	if err != nil {
		return stopNone, fmt.Errorf("merge batch results: %w", err)
	}
	return stopNone, a.stepCompletePatch(ctx, b.Title, delta)
}

// batchItem generates one item's structured result, retrying per the
// block's policy and falling back per its error policy.
func (a *actor) batchItem(ctx context.Context, b brain.BatchPrompt, sc brain.StepContext, item any) (any, error) {
	prompt, err := b.Prompt(item, sc)
	if err != nil {
		return nil, fmt.Errorf("render prompt: %w", err)
	}

	maxRetries := 0
	if b.Retry != nil {
		maxRetries = b.Retry.MaxRetries
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			// Items run concurrently, so the retry event bypasses the
			// actor's state mirror and goes to the journal directly.
			if _, err := a.mgr.monitor.Append(ctx, &models.Event{
				BrainRunID: a.brainRunID,
				Type:       models.EventStepRetry,
				StepTitle:  b.Title,
				Attempt:    attempt,
				Error:      models.SerializeError(lastErr),
			}); err != nil {
				a.logger.Error("failed to journal batch retry", "error", err)
				return nil, lastErr
			}
			if err := a.sleep(ctx, b.Retry.Delay(attempt)); err != nil {
				return nil, lastErr
			}
		}

		result, err := a.mgr.client.GenerateObject(ctx, llm.ObjectRequest{
			Prompt:     prompt,
			SchemaName: b.SchemaName,
			Schema:     b.Schema,
		})
		if err == nil {
			var value any
			if err := json.Unmarshal(result.Object, &value); err != nil {
				return nil, fmt.Errorf("decode item result: %w", err)
			}
			return value, nil
		}
		lastErr = err
	}

	switch b.OnError.Kind {
	case brain.ErrorSkip:
		a.logger.Warn("batch item skipped", "step", b.Title, "error", lastErr)
		return batchSkip, nil
	case brain.ErrorNull:
		a.logger.Warn("batch item nulled", "step", b.Title, "error", lastErr)
		return nil, nil
	case brain.ErrorCustom:
		if b.OnError.Fallback == nil {
			return nil, fmt.Errorf("custom error policy has no fallback: %w", lastErr)
		}
		return b.OnError.Fallback(item, lastErr), nil
	default:
		return nil, lastErr
	}
}
