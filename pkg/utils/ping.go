package utils

import (
	"context"
	"time"
)

// pingWithin bounds a connectivity check. A non-positive timeout uses def.
func pingWithin(ctx context.Context, timeout, def time.Duration, ping func(context.Context) error) error {
	if timeout <= 0 {
		timeout = def
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return ping(ctx)
}
