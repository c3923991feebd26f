package store

import "tasktally/internal/domain"

// FilterTasks returns the tasks visible under f, in collection order. The
// result never aliases the input. Unrecognized filters behave like "all".
func FilterTasks(tasks []domain.Task, f domain.Filter) []domain.Task {
	out := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		switch f {
		case domain.FilterActive:
			if t.Completed {
				continue
			}
		case domain.FilterCompleted:
			if !t.Completed {
				continue
			}
		}
		out = append(out, t)
	}
	return out
}
