package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"ghostclick/internal/model"
)

var (
	ErrMacroNotFound = errors.New("macro not found")
	ErrStepNotFound  = errors.New("step not found")
	ErrEmptyName     = errors.New("macro name is empty")
	ErrNameTaken     = errors.New("macro name already in use")
)

// MacroOption configures a MacroRepository.
type MacroOption func(*MacroRepository)

// OnSave registers a hook run after every successful Save, Rename or
// UpdateStep with the stored macro.
func OnSave(fn func(model.Macro)) MacroOption {
	return func(r *MacroRepository) { r.onSave = fn }
}

// OnDelete registers a hook run after a macro is deleted.
func OnDelete(fn func(id string)) MacroOption {
	return func(r *MacroRepository) { r.onDelete = fn }
}

// WithClock overrides the time source used for UpdatedAt stamps.
func WithClock(now func() time.Time) MacroOption {
	return func(r *MacroRepository) { r.now = now }
}

// MacroRepository owns the durable macro collection. The collection is kept
// in insertion order.
type MacroRepository struct {
	kv       KV
	logger   *zap.Logger
	now      func() time.Time
	onSave   func(model.Macro)
	onDelete func(string)
	mu       sync.Mutex
}

func NewMacroRepository(kv KV, logger *zap.Logger, opts ...MacroOption) *MacroRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &MacroRepository{kv: kv, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *MacroRepository) load(ctx context.Context) ([]model.Macro, error) {
	var macros []model.Macro
	if _, err := r.kv.Get(ctx, MacrosKey, &macros); err != nil {
		return nil, err
	}
	return macros, nil
}

func (r *MacroRepository) store(ctx context.Context, macros []model.Macro) error {
	if macros == nil {
		macros = []model.Macro{}
	}
	return r.kv.Set(ctx, MacrosKey, macros)
}

// Save inserts m, or replaces the macro with the same id. A replacement keeps
// the stored CreatedAt.
func (r *MacroRepository) Save(ctx context.Context, m model.Macro) (model.Macro, error) {
	r.mu.Lock()
	macros, err := r.load(ctx)
	if err != nil {
		r.mu.Unlock()
		return m, err
	}

	idx := indexOf(macros, m.ID)
	if idx >= 0 {
		m.CreatedAt = macros[idx].CreatedAt
		macros[idx] = m
	} else {
		macros = append(macros, m)
	}
	err = r.store(ctx, macros)
	r.mu.Unlock()
	if err != nil {
		return m, err
	}

	if idx >= 0 {
		r.logger.Info("Updated macro", zap.String("macro_id", m.ID), zap.Int("steps", len(m.Steps)))
	} else {
		r.logger.Info("Saved new macro", zap.String("macro_id", m.ID), zap.Int("steps", len(m.Steps)))
	}
	if r.onSave != nil {
		r.onSave(m)
	}
	return m, nil
}

// All returns every macro in insertion order.
func (r *MacroRepository) All(ctx context.Context) ([]model.Macro, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(ctx)
}

func (r *MacroRepository) ByDomain(ctx context.Context, domain string) ([]model.Macro, error) {
	all, err := r.All(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.Macro
	for _, m := range all {
		if m.Domain == domain {
			out = append(out, m)
		}
	}
	return out, nil
}

// FindByID returns the macro with id, or nil.
func (r *MacroRepository) FindByID(ctx context.Context, id string) (*model.Macro, error) {
	all, err := r.All(ctx)
	if err != nil {
		return nil, err
	}
	if i := indexOf(all, id); i >= 0 {
		return &all[i], nil
	}
	return nil, nil
}

// FindByName returns the first macro named name, or nil.
func (r *MacroRepository) FindByName(ctx context.Context, name string) (*model.Macro, error) {
	all, err := r.All(ctx)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].Name == name {
			return &all[i], nil
		}
	}
	return nil, nil
}

func (r *MacroRepository) IsNameUnique(ctx context.Context, name string) (bool, error) {
	m, err := r.FindByName(ctx, name)
	return m == nil, err
}

// Delete removes the macro with id and reports whether it existed. The order
// of the remaining macros is unchanged.
func (r *MacroRepository) Delete(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	macros, err := r.load(ctx)
	if err != nil {
		r.mu.Unlock()
		return false, err
	}
	idx := indexOf(macros, id)
	if idx < 0 {
		r.mu.Unlock()
		r.logger.Warn("Macro not found for deletion", zap.String("macro_id", id))
		return false, nil
	}
	kept := make([]model.Macro, 0, len(macros)-1)
	kept = append(kept, macros[:idx]...)
	kept = append(kept, macros[idx+1:]...)
	err = r.store(ctx, kept)
	r.mu.Unlock()
	if err != nil {
		return false, err
	}

	r.logger.Info("Deleted macro", zap.String("macro_id", id))
	if r.onDelete != nil {
		r.onDelete(id)
	}
	return true, nil
}

// Rename gives the macro a new name. The name is trimmed and must be
// non-empty and not used by any other macro.
func (r *MacroRepository) Rename(ctx context.Context, id, name string) (model.Macro, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Macro{}, ErrEmptyName
	}
	return r.modify(ctx, id, func(macros []model.Macro, m *model.Macro) error {
		for _, other := range macros {
			if other.ID != id && other.Name == name {
				return fmt.Errorf("%w: %q", ErrNameTaken, name)
			}
		}
		m.Name = name
		return nil
	})
}

// UpdateStep applies fn to one step of a macro in place.
func (r *MacroRepository) UpdateStep(ctx context.Context, macroID, stepID string, fn func(*model.Step)) (model.Macro, error) {
	return r.modify(ctx, macroID, func(_ []model.Macro, m *model.Macro) error {
		i := m.StepIndex(stepID)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
		}
		fn(&m.Steps[i])
		m.Steps[i].ID = stepID
		m.Steps[i].Name = model.TruncateName(m.Steps[i].Name)
		return nil
	})
}

func (r *MacroRepository) modify(ctx context.Context, id string, fn func([]model.Macro, *model.Macro) error) (model.Macro, error) {
	r.mu.Lock()
	macros, err := r.load(ctx)
	if err != nil {
		r.mu.Unlock()
		return model.Macro{}, err
	}
	idx := indexOf(macros, id)
	if idx < 0 {
		r.mu.Unlock()
		return model.Macro{}, fmt.Errorf("%w: %s", ErrMacroNotFound, id)
	}
	m := macros[idx]
	m.Steps = append([]model.Step(nil), m.Steps...)
	if err := fn(macros, &m); err != nil {
		r.mu.Unlock()
		return model.Macro{}, err
	}
	m.UpdatedAt = model.Millis(r.now())
	macros[idx] = m
	err = r.store(ctx, macros)
	r.mu.Unlock()
	if err != nil {
		return model.Macro{}, err
	}

	if r.onSave != nil {
		r.onSave(m)
	}
	return m, nil
}

// ClearAll empties the collection.
func (r *MacroRepository) ClearAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store(ctx, nil); err != nil {
		return err
	}
	r.logger.Info("Cleared all macros")
	return nil
}

func indexOf(macros []model.Macro, id string) int {
	for i := range macros {
		if macros[i].ID == id {
			return i
		}
	}
	return -1
}
