package app

import (
	"errors"
	"strings"

	"tasktally/internal/domain"
)

var ErrEmptyTitle = errors.New("title is required")

// Edit carries the user-editable fields of a task. Nil fields are left as
// they are.
type Edit struct {
	Title *string `json:"title,omitempty"`
	Notes *string `json:"notes,omitempty"`
	Tag   *string `json:"tag,omitempty"`
}

// ApplyEdit builds the full replacement for t. Title and notes are trimmed,
// an empty tag clears the tag, and identity, creation time, completion state
// and completion count are carried over unchanged.
func ApplyEdit(t domain.Task, e Edit) (domain.Task, error) {
	out := t
	if e.Title != nil {
		out.Title = strings.TrimSpace(*e.Title)
	}
	if strings.TrimSpace(out.Title) == "" {
		return domain.Task{}, ErrEmptyTitle
	}
	if e.Notes != nil {
		out.Notes = strings.TrimSpace(*e.Notes)
	}
	if e.Tag != nil {
		out.Tag = strings.TrimSpace(*e.Tag)
	}
	return out, nil
}
