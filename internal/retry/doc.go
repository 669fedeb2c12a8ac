// Package retry provides bounded retry with exponential backoff.
//
// Do drives the retry stage of the request pipeline: an attempt is repeated
// only while ShouldRetry accepts the error, the attempt budget is not spent,
// and the context is live. ExponentialBackoff paces reconnect loops such as
// the discovery watcher.
//
//	err := retry.Do(ctx, &retry.Config{MaxAttempts: 3}, func(attempt int) error {
//	    return dial(ctx)
//	}, &retry.Options{ShouldRetry: isConnectionError})
package retry
