package server

import (
	"encoding/json"
	"fmt"

	"tasktally/internal/domain"
)

// Request payloads

type CreateTaskRequest struct {
	Title string `json:"title" minLength:"1" example:"Buy milk"`
	Tag   string `json:"tag,omitempty" example:"Shopping"`
}

// ReplaceTaskRequest is a full task minus its id, which comes from the path.
type ReplaceTaskRequest struct {
	Title           string `json:"title"`
	Completed       bool   `json:"completed"`
	CreatedAt       int64  `json:"createdAt" doc:"creation time in ms since epoch"`
	Tag             string `json:"tag,omitempty"`
	Notes           string `json:"notes,omitempty"`
	CompletionCount uint32 `json:"completionCount"`
}

type EditTaskRequest struct {
	Title *string `json:"title,omitempty"`
	Notes *string `json:"notes,omitempty"`
	Tag   *string `json:"tag,omitempty" doc:"empty string clears the tag"`
}

type SetFilterRequest struct {
	Filter string `json:"filter" enum:"all,active,completed"`
}

// Response payloads

type TaskResponse struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Completed       bool   `json:"completed"`
	CreatedAt       int64  `json:"createdAt" doc:"creation time in ms since epoch"`
	Tag             string `json:"tag,omitempty"`
	Notes           string `json:"notes,omitempty"`
	CompletionCount uint32 `json:"completionCount"`
}

type TaskListResponse struct {
	Filter string         `json:"filter" enum:"all,active,completed"`
	Items  []TaskResponse `json:"items"`
}

type FilterResponse struct {
	Filter string `json:"filter" enum:"all,active,completed"`
}

type ClearCompletedResponse struct {
	Removed int `json:"removed"`
}

type StatsResponse struct {
	Total            int            `json:"total"`
	Active           int            `json:"active"`
	Completed        int            `json:"completed"`
	TotalCompletions uint64         `json:"total_completions"`
	ByTag            map[string]int `json:"by_tag"`
}

type TagsResponse struct {
	Tags []string `json:"tags"`
}

type EventResponse struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts" format:"date-time"`
	Type     string         `json:"type"`
	EntityID string         `json:"entity_id,omitempty"`
	Payload  map[string]any `json:"payload"`

	// PayloadError is set when the stored payload is not a JSON object.
	PayloadError string `json:"payload_error,omitempty"`
}

type EventListResponse struct {
	Items []EventResponse `json:"items"`
}

// Conversion helpers

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse(t)
}

func mapTasks(items []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}

func (r ReplaceTaskRequest) task(id string) domain.Task {
	return domain.Task{
		ID:              id,
		Title:           r.Title,
		Completed:       r.Completed,
		CreatedAt:       r.CreatedAt,
		Tag:             r.Tag,
		Notes:           r.Notes,
		CompletionCount: r.CompletionCount,
	}
}

func statsResponse(s domain.Stats) StatsResponse {
	return StatsResponse(s)
}

func eventResponse(e domain.Event) EventResponse {
	resp := EventResponse{
		ID:       e.ID,
		TS:       e.TS,
		Type:     e.Type,
		EntityID: e.EntityID,
	}
	payload, err := decodeJSONMap(e.Payload)
	if err != nil {
		resp.PayloadError = err.Error()
	}
	resp.Payload = payload
	return resp
}

func decodeJSONMap(raw string) (map[string]any, error) {
	out := map[string]any{}
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{}, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}
