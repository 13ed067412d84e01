package marker

import (
	"context"
	"errors"

	"github.com/dizel0110/ITMO-sub000/internal/db"
)

// retry runs fn up to 1+retries times. Quote conflicts and errors that end
// the whole pass are returned at once.
func retry(ctx context.Context, retries int, fn func() error) error {
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if errors.Is(err, db.ErrQuoteConflict) || fatal(ctx, err) {
			return err
		}
	}
	return err
}

// fatal reports whether err must abort the protocol or patient instead of
// skipping one feature.
func fatal(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || db.IsConnectionError(err)
}
