package scribble

import (
	"errors"
	"fmt"
	"strings"

	"github.com/scribbler-labs/scribbler/backend/internal/keyspace"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidUserID indicates an empty or oversized user identifier.
	ErrInvalidUserID = errors.New("scribble: invalid user id")
	// ErrInvalidSID indicates an empty or oversized scribble identifier.
	ErrInvalidSID = errors.New("scribble: invalid sid")
)

// UserID is a validated owner identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying identifier.
func (id UserID) String() string { return string(id) }

// SID is a validated scribble identifier. New sids are time-ordered so a
// user's scribbles sort by creation.
type SID string

// NewSID validates raw input and returns a SID.
func NewSID(rawInput string) (SID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidSID, maxIdentifierLength)
	}
	return SID(trimmed), nil
}

// String returns the underlying identifier.
func (id SID) String() string { return string(id) }

// Scribble is the versioned multi-part document held by the cache.
type Scribble struct {
	SID       string `json:"sid"`
	Name      string `json:"name"`
	Version   int64  `json:"version"`
	JS        string `json:"js"`
	CSS       string `json:"css"`
	HTML      string `json:"html"`
	CreatedMS int64  `json:"created"`
	UpdatedMS int64  `json:"updated"`
}

// Draft is the client-supplied payload for create, update and sync calls.
// SID and Version are optional on create and required on update.
type Draft struct {
	SID     string `json:"sid"`
	Name    string `json:"name"`
	Version int64  `json:"version"`
	JS      string `json:"js"`
	CSS     string `json:"css"`
	HTML    string `json:"html"`
}

// Part returns the draft content for a named content part.
func (d Draft) Part(part keyspace.Part) string {
	switch part {
	case keyspace.PartJS:
		return d.JS
	case keyspace.PartCSS:
		return d.CSS
	case keyspace.PartHTML:
		return d.HTML
	}
	return ""
}

// ConflictPayload carries, for each dirty part only, the server's current
// decoded content so the client can merge and resubmit.
type ConflictPayload map[keyspace.Part]string

// UpdateResult is the outcome of an update: either the stored scribble, or
// the caller's draft plus a conflict payload when the update was refused.
type UpdateResult struct {
	Scribble Scribble        `json:"scribble"`
	Conflict ConflictPayload `json:"conflict,omitempty"`
}

// InConflict reports whether the update was refused with server content.
func (r UpdateResult) InConflict() bool { return len(r.Conflict) > 0 }

// metaRow is the persisted metadata record for one scribble.
type metaRow struct {
	RecordKey string `gorm:"column:record_key;primaryKey;size:512;not null"`
	UserID    string `gorm:"column:user_id;size:190;not null;index"`
	SID       string `gorm:"column:sid;size:190;not null"`
	Name      string `gorm:"column:name;size:512;not null"`
	Version   int64  `gorm:"column:version;not null;default:1"`
	CreatedMS int64  `gorm:"column:created_ms;not null"`
	UpdatedMS int64  `gorm:"column:updated_ms;not null;default:0"`
}

func (metaRow) TableName() string {
	return "scribble_meta"
}

// partRow is one persisted content part: the encoded blob, whether it is
// compressed, and the digest of the encoded form.
type partRow struct {
	RecordKey string `gorm:"column:record_key;primaryKey;size:512;not null"`
	UserID    string `gorm:"column:user_id;size:190;not null;index"`
	SID       string `gorm:"column:sid;size:190;not null"`
	Part      string `gorm:"column:part;size:8;not null"`
	Hash      string `gorm:"column:hash;size:64;not null"`
	Encoded   bool   `gorm:"column:gzip;not null;default:true"`
	Content   string `gorm:"column:content;type:text;not null"`
}

func (partRow) TableName() string {
	return "scribble_parts"
}

// indexRow is one member of a user's scribble-id set.
type indexRow struct {
	IndexKey string `gorm:"column:index_key;primaryKey;size:256;not null"`
	SID      string `gorm:"column:sid;primaryKey;size:190;not null"`
	UserID   string `gorm:"column:user_id;size:190;not null;index"`
}

func (indexRow) TableName() string {
	return "scribble_index"
}

// Models lists the tables the cache persists, for schema migration.
func Models() []any {
	return []any{&metaRow{}, &partRow{}, &indexRow{}}
}
