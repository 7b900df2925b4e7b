package store

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"ghostclick/internal/model"
)

// ErrNoRecording is returned by AppendStep when no recording journal exists.
var ErrNoRecording = errors.New("no recording state")

// RecordingStateRepository owns the durable recording journal.
type RecordingStateRepository struct {
	kv     KV
	logger *zap.Logger
	mu     sync.Mutex
}

func NewRecordingStateRepository(kv KV, logger *zap.Logger) *RecordingStateRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecordingStateRepository{kv: kv, logger: logger}
}

// Get returns the journal, or nil when none is stored.
func (r *RecordingStateRepository) Get(ctx context.Context) (*model.RecordingState, error) {
	var st model.RecordingState
	ok, err := r.kv.Get(ctx, RecordingStateKey, &st)
	if err != nil || !ok {
		return nil, err
	}
	return &st, nil
}

func (r *RecordingStateRepository) Save(ctx context.Context, st model.RecordingState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.save(ctx, st)
}

func (r *RecordingStateRepository) save(ctx context.Context, st model.RecordingState) error {
	st.Version = model.StateVersion
	if st.MacroSteps == nil {
		st.MacroSteps = []model.Step{}
	}
	if err := r.kv.Set(ctx, RecordingStateKey, st); err != nil {
		return err
	}
	r.logger.Debug("Saved recording state",
		zap.Bool("is_recording", st.IsRecording),
		zap.String("session_id", st.SessionID),
		zap.Int("steps", len(st.MacroSteps)))
	return nil
}

// Update applies fn to the stored journal (or a zero one) and writes the
// whole record back.
func (r *RecordingStateRepository) Update(ctx context.Context, fn func(*model.RecordingState)) (model.RecordingState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var st model.RecordingState
	if _, err := r.kv.Get(ctx, RecordingStateKey, &st); err != nil {
		return st, err
	}
	fn(&st)
	st.Version = model.StateVersion
	err := r.save(ctx, st)
	return st, err
}

func (r *RecordingStateRepository) Clear(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.kv.Remove(ctx, RecordingStateKey); err != nil {
		return err
	}
	r.logger.Debug("Cleared recording state")
	return nil
}

func (r *RecordingStateRepository) IsRecording(ctx context.Context) (bool, error) {
	st, err := r.Get(ctx)
	if err != nil || st == nil {
		return false, err
	}
	return st.IsRecording, nil
}

// AppendStep adds step to the journal's buffer.
func (r *RecordingStateRepository) AppendStep(ctx context.Context, step model.Step) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var st model.RecordingState
	ok, err := r.kv.Get(ctx, RecordingStateKey, &st)
	if err != nil {
		return err
	}
	if !ok {
		r.logger.Warn("Cannot add step: no recording state", zap.String("step_id", step.ID))
		return ErrNoRecording
	}
	st.MacroSteps = append(st.MacroSteps, step)
	return r.save(ctx, st)
}

// PlaybackStateRepository owns the durable playback progress record.
type PlaybackStateRepository struct {
	kv     KV
	logger *zap.Logger
	mu     sync.Mutex
}

func NewPlaybackStateRepository(kv KV, logger *zap.Logger) *PlaybackStateRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PlaybackStateRepository{kv: kv, logger: logger}
}

// Get returns the progress record, or nil when none is stored.
func (r *PlaybackStateRepository) Get(ctx context.Context) (*model.PlaybackState, error) {
	var st model.PlaybackState
	ok, err := r.kv.Get(ctx, PlaybackStateKey, &st)
	if err != nil || !ok {
		return nil, err
	}
	return &st, nil
}

func (r *PlaybackStateRepository) Save(ctx context.Context, st model.PlaybackState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.save(ctx, st)
}

func (r *PlaybackStateRepository) save(ctx context.Context, st model.PlaybackState) error {
	st.Version = model.StateVersion
	if err := r.kv.Set(ctx, PlaybackStateKey, st); err != nil {
		return err
	}
	r.logger.Debug("Saved playback state",
		zap.Bool("is_playing", st.IsPlaying),
		zap.Bool("is_paused", st.IsPaused),
		zap.String("macro_id", st.MacroID),
		zap.String("step_id", st.CurrentStepID))
	return nil
}

// Update applies fn to the stored record (or a zero one) and writes the whole
// record back.
func (r *PlaybackStateRepository) Update(ctx context.Context, fn func(*model.PlaybackState)) (model.PlaybackState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var st model.PlaybackState
	if _, err := r.kv.Get(ctx, PlaybackStateKey, &st); err != nil {
		return st, err
	}
	fn(&st)
	st.Version = model.StateVersion
	err := r.save(ctx, st)
	return st, err
}

func (r *PlaybackStateRepository) Clear(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.kv.Remove(ctx, PlaybackStateKey); err != nil {
		return err
	}
	r.logger.Debug("Cleared playback state")
	return nil
}

func (r *PlaybackStateRepository) IsPlaying(ctx context.Context) (bool, error) {
	st, err := r.Get(ctx)
	if err != nil || st == nil {
		return false, err
	}
	return st.IsPlaying, nil
}
