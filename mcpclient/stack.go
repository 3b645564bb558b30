package mcpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// releaseStack holds scoped resources in acquisition order and releases them
// in reverse. A failing release never stops the ones beneath it.
type releaseStack struct {
	logger *zap.Logger
	items  []releaseItem
}

type releaseItem struct {
	name string
	fn   func() error
}

func newReleaseStack(logger *zap.Logger) *releaseStack {
	return &releaseStack{logger: logger}
}

func (s *releaseStack) push(name string, fn func() error) {
	s.items = append(s.items, releaseItem{name: name, fn: fn})
}

// release pops every item. Shutdown races are logged at debug level and
// dropped; other failures are logged and returned together.
func (s *releaseStack) release() error {
	var errs error
	for i := len(s.items) - 1; i >= 0; i-- {
		item := s.items[i]
		if err := safeRelease(item.fn); err != nil {
			if isShutdownRace(err) {
				s.logger.Debug("ignoring shutdown race during release", zap.String("resource", item.name), zap.Error(err))
				continue
			}
			s.logger.Error("failed to release resource", zap.String("resource", item.name), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("release %s: %w", item.name, err))
		}
	}
	s.items = nil
	return errs
}

func safeRelease(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during release: %v", r)
		}
	}()
	return fn()
}

// isShutdownRace matches errors produced when a transport is torn down while
// a reader or writer on another goroutine is still winding down.
func isShutdownRace(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}
