package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"ghostclick/internal/bridge"
	"ghostclick/internal/events"
	"ghostclick/internal/store"
)

// Service connects the playback events to an Engine.
type Service struct {
	engine *Engine
	macros *store.MacroRepository
	bus    *bridge.Bus
	logger *zap.Logger

	ctx  context.Context
	wg   sync.WaitGroup
	subs []bridge.Subscription
}

func NewService(engine *Engine, macros *store.MacroRepository, bus *bridge.Bus, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{engine: engine, macros: macros, bus: bus, logger: logger, ctx: context.Background()}
}

// Init subscribes to PLAY_MACRO and the playback control events. Playbacks
// started by events run on ctx.
func (s *Service) Init(ctx context.Context) error {
	s.ctx = ctx
	s.subs = append(s.subs,
		bridge.On(s.bus, events.PlayMacroEvent, func(ev events.PlayMacro) {
			if err := s.Start(s.ctx, ev.MacroID); err != nil {
				s.logError("play", err)
			}
		}),
		bridge.On(s.bus, events.StopPlaybackEvent, func(bridge.Empty) {
			if err := s.engine.Stop(); err != nil {
				s.logError("stop", err)
			}
		}),
		bridge.On(s.bus, events.PausePlaybackEvent, func(bridge.Empty) {
			if err := s.engine.Pause(s.ctx); err != nil {
				s.logError("pause", err)
			}
		}),
		bridge.On(s.bus, events.ResumePlaybackEvent, func(bridge.Empty) {
			if err := s.engine.Resume(s.ctx); err != nil {
				s.logError("resume", err)
			}
		}),
	)
	return nil
}

func (s *Service) logError(op string, err error) {
	if errors.Is(err, ErrAlreadyPlaying) || errors.Is(err, ErrNotPlaying) {
		s.logger.Warn("Ignored playback request", zap.String("op", op), zap.Error(err))
		return
	}
	s.logger.Error("Playback operation failed", zap.String("op", op), zap.Error(err))
}

// Start loads the macro and plays it in the background.
func (s *Service) Start(ctx context.Context, macroID string) error {
	m, err := s.macros.FindByID(ctx, macroID)
	if err != nil {
		return fmt.Errorf("load macro %s: %w", macroID, err)
	}
	if m == nil {
		bridge.Emit(s.bus, events.PlaybackErrorEvent, events.PlaybackError{
			MacroID: macroID,
			Error:   store.ErrMacroNotFound.Error(),
		})
		return fmt.Errorf("%w: %s", store.ErrMacroNotFound, macroID)
	}
	if s.engine.IsPlaying() {
		return ErrAlreadyPlaying
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.engine.Play(ctx, *m); err != nil {
			s.logError("play", err)
		}
	}()
	return nil
}

// Wait blocks until background playbacks have returned.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Close stops any playback, waits for it and removes the subscriptions.
func (s *Service) Close() {
	for _, sub := range s.subs {
		sub.Cancel()
	}
	s.subs = nil
	_ = s.engine.Stop()
	s.wg.Wait()
}
