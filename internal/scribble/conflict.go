package scribble

import (
	"github.com/scribbler-labs/scribbler/backend/internal/codec"
	"github.com/scribbler-labs/scribbler/backend/internal/keyspace"
)

// partState pairs a draft part's freshly encoded form with the cached record
// it would replace, if any.
type partState struct {
	part    keyspace.Part
	draft   string
	encoded string
	digest  string
	cached  *partRow
}

// dirty reports whether the draft content differs from what the cache holds.
// A part with no cached record is dirty whenever the draft carries content.
func (s partState) dirty() bool {
	if s.cached == nil {
		return s.draft != ""
	}
	return s.digest != s.cached.Hash
}

// evaluateParts encodes each draft part and matches it to the cached rows.
func evaluateParts(draft Draft, cached map[keyspace.Part]*partRow) []partState {
	states := make([]partState, 0, len(keyspace.ContentParts))
	for _, part := range keyspace.ContentParts {
		content := draft.Part(part)
		encoded := codec.Encode(content)
		states = append(states, partState{
			part:    part,
			draft:   content,
			encoded: encoded,
			digest:  codec.Digest(encoded),
			cached:  cached[part],
		})
	}
	return states
}

func anyDirty(states []partState) bool {
	for _, state := range states {
		if state.dirty() {
			return true
		}
	}
	return false
}

// buildConflict decodes the server's current content for each dirty part.
// Only dirty parts appear in the payload; the client merges those and
// resubmits against the server version.
func buildConflict(states []partState) (ConflictPayload, error) {
	payload := ConflictPayload{}
	for _, state := range states {
		if !state.dirty() {
			continue
		}
		serverContent := ""
		if state.cached != nil {
			decoded, err := decodeRow(state.cached)
			if err != nil {
				return nil, err
			}
			serverContent = decoded
		}
		payload[state.part] = serverContent
	}
	return payload, nil
}

// decodeRow returns the original text of a stored part record.
func decodeRow(row *partRow) (string, error) {
	if row == nil || row.Content == "" {
		return "", nil
	}
	if !row.Encoded {
		return row.Content, nil
	}
	return codec.Decode(row.Content)
}
