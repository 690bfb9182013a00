package generation

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrGenerationTimeout means the provider did not answer within the
	// request deadline. It consumes the current attempt.
	ErrGenerationTimeout = errors.New("generation timeout")

	// ErrProvider is any other provider failure.
	ErrProvider = errors.New("provider error")

	// ErrBudgetExhausted means the tier's token budget is spent.
	ErrBudgetExhausted = errors.New("tier token budget exhausted")
)

// classify wraps a driver error with ErrGenerationTimeout or ErrProvider.
func classify(kind string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrGenerationTimeout) || errors.Is(err, ErrProvider) {
		return err
	}
	if isTimeout(err) {
		return fmt.Errorf("%s: %w: %w", kind, ErrGenerationTimeout, err)
	}
	return fmt.Errorf("%s: %w: %w", kind, ErrProvider, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
