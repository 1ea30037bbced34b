// Package reliability provides the retry primitive used by rmqlink.
//
// A Backoff is an immutable schedule of delays, either finite (Delays) or
// unbounded (Forever, ThenForever). Retry runs an operation, consults a
// predicate on failure, and sleeps for the next scheduled delay before trying
// again. When the schedule runs out the last error is returned unchanged.
//
// Example usage:
//
//	r := Retry{
//	    Backoff: Delays(time.Second, 3*time.Second),
//	    RetryIf: transport.IsConnectivityError,
//	}
//	err := r.Do(ctx, func(ctx context.Context) error {
//	    return dial(ctx)
//	})
package reliability
