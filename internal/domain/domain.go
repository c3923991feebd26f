package domain

import "strings"

// Task is a single to-do record.
type Task struct {
	ID              string `json:"id" yaml:"id"`
	Title           string `json:"title" yaml:"title"`
	Completed       bool   `json:"completed" yaml:"completed"`
	CreatedAt       int64  `json:"createdAt" yaml:"created_at" doc:"creation time in ms since epoch"`
	Tag             string `json:"tag,omitempty" yaml:"tag,omitempty"`
	Notes           string `json:"notes,omitempty" yaml:"notes,omitempty"`
	CompletionCount uint32 `json:"completionCount" yaml:"completion_count"`
}

type Filter string

const (
	FilterAll       Filter = "all"
	FilterActive    Filter = "active"
	FilterCompleted Filter = "completed"
)

// ParseFilter maps unknown values to FilterAll.
func ParseFilter(s string) Filter {
	switch Filter(strings.ToLower(strings.TrimSpace(s))) {
	case FilterActive:
		return FilterActive
	case FilterCompleted:
		return FilterCompleted
	default:
		return FilterAll
	}
}

// Valid reports whether f is one of the three known filters.
func (f Filter) Valid() bool {
	return f == FilterAll || f == FilterActive || f == FilterCompleted
}

// State is the persisted part of the store.
type State struct {
	Tasks  []Task `json:"tasks" yaml:"tasks"`
	Filter Filter `json:"filter,omitempty" yaml:"filter,omitempty"`
}

// Document is the versioned envelope written under the storage key.
type Document struct {
	Version int   `json:"version" yaml:"version"`
	State   State `json:"state" yaml:"state"`
}

type Stats struct {
	Total            int            `json:"total"`
	Active           int            `json:"active"`
	Completed        int            `json:"completed"`
	TotalCompletions uint64         `json:"total_completions"`
	ByTag            map[string]int `json:"by_tag"`
}

// ComputeStats derives aggregate counts from a task collection.
func ComputeStats(tasks []Task) Stats {
	s := Stats{Total: len(tasks), ByTag: map[string]int{}}
	for _, t := range tasks {
		if t.Completed {
			s.Completed++
		} else {
			s.Active++
		}
		s.TotalCompletions += uint64(t.CompletionCount)
		if t.Tag != "" {
			s.ByTag[t.Tag]++
		}
	}
	return s
}

type Event struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts" format:"date-time"`
	Type     string `json:"type"`
	EntityID string `json:"entity_id,omitempty"`
	Payload  string `json:"payload_json"`
}
