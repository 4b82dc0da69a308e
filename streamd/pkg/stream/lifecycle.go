package stream

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrInvalidTransition is returned when a lifecycle operation is not legal
// in the stream's current state. The stream is left untouched.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

type ControllerConfig struct {
	Logger *slog.Logger
	Store  *Store
}

func (cfg *ControllerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	return nil
}

// Controller governs stream status transitions:
// active -> paused -> active, active|paused -> cancelled. Cancelled is
// terminal.
type Controller struct {
	log   *slog.Logger
	store *Store
}

func NewController(cfg ControllerConfig) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Controller{log: cfg.Logger, store: cfg.Store}, nil
}

// Pause suspends an active stream. The due date is left as-is; if it passes
// while paused, the stream is immediately due on resume.
func (c *Controller) Pause(id string) (*Stream, error) {
	return c.transition(id, StatusPaused, StatusActive)
}

// Resume reactivates a paused stream.
func (c *Controller) Resume(id string) (*Stream, error) {
	return c.transition(id, StatusActive, StatusPaused)
}

// Cancel terminates the stream irreversibly. The record is retained for
// history.
func (c *Controller) Cancel(id string) (*Stream, error) {
	return c.transition(id, StatusCancelled, StatusActive, StatusPaused)
}

func (c *Controller) transition(id string, to Status, allowedFrom ...Status) (*Stream, error) {
	updated, err := c.store.Update(id, func(s *Stream) error {
		for _, from := range allowedFrom {
			if s.Status == from {
				s.Status = to
				return nil
			}
		}
		return fmt.Errorf("cannot move stream from %s to %s: %w", s.Status, to, ErrInvalidTransition)
	})
	if err != nil {
		return nil, err
	}
	c.log.Info("lifecycle: stream transitioned", "stream_id", id, "status", to)
	return updated, nil
}
