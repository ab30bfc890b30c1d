package chat

import (
	"context"
	"time"

	"github.com/grokgate/grokgate/internal/apperrors"
	"github.com/grokgate/grokgate/internal/config"
	"github.com/grokgate/grokgate/internal/upstream"
)

// pumpLines feeds stream lines to handle under the three stream
// deadlines. It returns nil on a clean end of stream.
func pumpLines(ctx context.Context, stream *upstream.LineStream, t config.Stream, handle func(string) error) error {
	var totalC <-chan time.Time
	if t.TotalTimeout > 0 {
		totalTimer := time.NewTimer(t.TotalTimeout)
		defer totalTimer.Stop()
		totalC = totalTimer.C
	}

	first := true
	for {
		var idleC <-chan time.Time
		var idleTimer *time.Timer
		stage, wait := "idle", t.IdleTimeout
		if first {
			stage, wait = "first", t.FirstTimeout
		}
		if wait > 0 {
			idleTimer = time.NewTimer(wait)
			idleC = idleTimer.C
		}

		select {
		case line, ok := <-stream.Lines():
			if idleTimer != nil {
				idleTimer.Stop()
			}
			if !ok {
				if err := stream.Err(); err != nil {
					return readError(err)
				}
				return nil
			}
			first = false
			if err := handle(line); err != nil {
				return err
			}

		case <-idleC:
			return &apperrors.StreamTimeoutError{Stage: stage, Seconds: int(wait.Seconds())}

		case <-totalC:
			if idleTimer != nil {
				idleTimer.Stop()
			}
			return &apperrors.StreamTimeoutError{Stage: "total", Seconds: int(t.TotalTimeout.Seconds())}

		case <-ctx.Done():
			if idleTimer != nil {
				idleTimer.Stop()
			}
			return ctx.Err()
		}
	}
}
