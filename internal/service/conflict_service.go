package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"voice-sync/internal/domain"
	"voice-sync/internal/merge"
	"voice-sync/internal/repository"
)

type ConflictService struct {
	store  repository.Store
	local  domain.Device
	logger *zap.SugaredLogger
	now    func() time.Time
}

func NewConflictService(store repository.Store, local domain.Device, logger *zap.SugaredLogger) *ConflictService {
	return &ConflictService{
		store:  store,
		local:  local,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *ConflictService) Counts(ctx context.Context) (domain.ConflictCounts, error) {
	return s.store.CountUnresolved(ctx)
}

// List returns conflicts of kind, or of every kind when kind is empty.
func (s *ConflictService) List(ctx context.Context, kind domain.ConflictKind, includeResolved bool) ([]domain.Conflict, error) {
	kinds := domain.ConflictKinds
	if kind != "" {
		kinds = []domain.ConflictKind{kind}
	}

	var all []domain.Conflict
	for _, k := range kinds {
		conflicts, err := s.store.ListConflicts(ctx, k, includeResolved)
		if err != nil {
			return nil, err
		}
		all = append(all, conflicts...)
	}
	return all, nil
}

// Find locates a conflict by id or id prefix. Every kind is searched and a
// prefix matching more than one record, of any kinds, is ambiguous.
func (s *ConflictService) Find(ctx context.Context, prefix string) (domain.Conflict, error) {
	prefix = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(prefix), "-", ""))
	if prefix == "" {
		return nil, errors.Mark(errors.New("conflict id is required"), domain.ErrNotFound)
	}

	var matches []domain.Conflict
	for _, kind := range domain.ConflictKinds {
		found, err := s.store.FindConflictsByPrefix(ctx, kind, prefix)
		if err != nil {
			return nil, err
		}
		matches = append(matches, found...)
	}

	switch len(matches) {
	case 0:
		return nil, errors.Mark(errors.Newf("no conflict matches %q", prefix), domain.ErrNotFound)
	case 1:
		return matches[0], nil
	}

	candidates := make([]string, 0, len(matches))
	for _, m := range matches {
		candidates = append(candidates, fmt.Sprintf("%s (%s)", m.ConflictID(), m.Kind()))
	}
	err := errors.Newf("prefix %q matches %d conflicts", prefix, len(matches))
	return nil, errors.WithHint(errors.Mark(err, domain.ErrAmbiguousPrefix),
		"use a longer prefix: "+strings.Join(candidates, ", "))
}

// Resolve applies choice to the conflict identified by prefix. For a merge
// without mergedText the stored texts are auto-merged, failing with
// ErrCannotAutoMerge when both sides changed.
func (s *ConflictService) Resolve(ctx context.Context, prefix string, choice domain.ResolutionChoice, mergedText *string) (*domain.ResolveResult, error) {
	c, err := s.Find(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if c.Resolved() != nil {
		return nil, errors.Mark(errors.Newf("conflict %s is already resolved", c.ConflictID()), domain.ErrInvalidChoice)
	}
	if !domain.ChoiceAllowed(c, choice) {
		err := errors.Newf("choice %q is not valid for a %s conflict", choice, c.Kind())
		return nil, errors.WithHint(errors.Mark(err, domain.ErrInvalidChoice), "valid choices: "+joinChoices(c.AllowedChoices()))
	}

	res := &domain.Resolution{
		ConflictID: c.ConflictID(),
		Kind:       c.Kind(),
		Choice:     choice,
		ResolvedBy: s.local,
		ResolvedAt: s.now(),
	}

	switch c := c.(type) {
	case *domain.ContentConflict:
		var text string
		switch choice {
		case domain.ChoiceKeepLocal:
			text = c.LocalContent
		case domain.ChoiceKeepRemote:
			text = c.RemoteContent
		case domain.ChoiceMerge:
			if mergedText != nil {
				text = *mergedText
			} else if text, err = merge.AutoMerge(c.LocalContent, c.RemoteContent, c.BaseContent); err != nil {
				return nil, errors.Wrapf(err, "resolve %s", c.ID)
			}
		}
		res.NoteContent = &text

	case *domain.DeleteConflict:
		if choice == domain.ChoiceKeepBoth {
			content := c.SurvivingContent
			res.NoteContent = &content
			res.Restore = true
		}

	case *domain.RenameConflict:
		name := c.LocalName
		if choice == domain.ChoiceKeepRemote {
			name = c.RemoteName
		}
		res.TagName = &name
	}

	if err := s.store.ResolveConflict(ctx, res); err != nil {
		return nil, err
	}

	s.logger.Infow("conflict resolved", "conflict_id", res.ConflictID, "kind", res.Kind, "choice", choice)
	return &domain.ResolveResult{
		ConflictID: res.ConflictID,
		Kind:       res.Kind,
		Choice:     choice,
		EntityID:   c.EntityID(),
		ResolvedAt: res.ResolvedAt,
	}, nil
}

func joinChoices(choices []domain.ResolutionChoice) string {
	parts := make([]string, len(choices))
	for i, c := range choices {
		parts[i] = string(c)
	}
	return strings.Join(parts, ", ")
}

// PreviewContent renders a unified diff of a content conflict's two sides.
func PreviewContent(c *domain.ContentConflict) string {
	diff, err := merge.DiffPreview(c.LocalContent, c.RemoteContent)
	if err != nil {
		return fmt.Sprintf("(diff unavailable: %v)", err)
	}
	return diff
}
