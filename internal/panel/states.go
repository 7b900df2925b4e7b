package panel

import (
	"context"

	"ghostclick/internal/model"
	"ghostclick/internal/store"
)

// StoreStates reads the durable records straight from the shared store.
type StoreStates struct {
	playback  *store.PlaybackStateRepository
	recording *store.RecordingStateRepository
}

func NewStoreStates(playback *store.PlaybackStateRepository, recording *store.RecordingStateRepository) *StoreStates {
	return &StoreStates{playback: playback, recording: recording}
}

func (s *StoreStates) Playback(ctx context.Context) (*model.PlaybackState, error) {
	return s.playback.Get(ctx)
}

func (s *StoreStates) Recording(ctx context.Context) (*model.RecordingState, error) {
	return s.recording.Get(ctx)
}
