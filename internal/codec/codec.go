package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"tasktally/internal/domain"
)

// CurrentVersion is written by Encode. Version 0 is the unversioned layout
// produced by the mobile client before versioning existed.
const CurrentVersion = 1

var ErrUnsupportedVersion = errors.New("unsupported document version")

// Encode serializes the full store state as a versioned document.
func Encode(st domain.State) ([]byte, error) {
	doc := domain.Document{Version: CurrentVersion, State: normalize(st)}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return data, nil
}

// Decode accepts the versioned envelope ({"state":...,"version":n}), an
// envelope without version, or a bare {"tasks":...,"filter":...} object.
func Decode(data []byte) (domain.Document, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return domain.Document{}, fmt.Errorf("invalid document json: %w", err)
	}
	if raw == nil {
		return domain.Document{}, errors.New("invalid document: null")
	}
	var doc domain.Document
	if v, ok := raw["version"]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &doc.Version); err != nil {
			return domain.Document{}, fmt.Errorf("invalid document version: %w", err)
		}
	}
	if doc.Version > CurrentVersion || doc.Version < 0 {
		return domain.Document{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, doc.Version)
	}
	body := data
	if st, ok := raw["state"]; ok {
		body = st
	}
	if err := json.Unmarshal(body, &doc.State); err != nil {
		return domain.Document{}, fmt.Errorf("invalid document state: %w", err)
	}
	doc.State = normalize(doc.State)
	return doc, nil
}

// EncodeYAML renders the state for human-readable export.
func EncodeYAML(st domain.State) ([]byte, error) {
	return yaml.Marshal(domain.Document{Version: CurrentVersion, State: normalize(st)})
}

func normalize(st domain.State) domain.State {
	if st.Tasks == nil {
		st.Tasks = []domain.Task{}
	}
	if st.Filter != "" {
		st.Filter = domain.ParseFilter(string(st.Filter))
	}
	return st
}

func isNull(raw json.RawMessage) bool {
	return string(raw) == "null"
}
