package mcpchannel

import (
	"context"
	"fmt"
)

// WithChannel manages channel lifecycle with automatic cleanup.
//
// This helper creates a channel, starts it with the provided options, executes
// the callback function, and ensures proper cleanup via Stop() when done.
//
// If the callback returns an error, it is returned to the caller.
// If Stop() fails, a warning is logged but does not override the callback's error.
//
// Example usage:
//
//	err := mcpchannel.WithChannel(ctx, func(ch mcpchannel.Channel) error {
//	    result, err := ch.Call(ctx, "echo", map[string]any{"x": 1})
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Println(string(result))
//	    return nil
//	},
//	    mcpchannel.WithCommand("./worker"),
//	)
func WithChannel(ctx context.Context, fn func(Channel) error, opts ...Option) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	options := applyOptions(opts)

	log := options.Logger
	if log == nil {
		log = NopLogger()
	}

	ch := NewChannel(opts...)
	if err := ch.Start(ctx); err != nil {
		return fmt.Errorf("failed to start channel: %w", err)
	}

	defer func() {
		// Stop must run even when ctx is already cancelled
		if stopErr := ch.Stop(context.WithoutCancel(ctx)); stopErr != nil {
			log.Warn("failed to stop channel", "error", stopErr)
		}
	}()

	return fn(ch)
}
