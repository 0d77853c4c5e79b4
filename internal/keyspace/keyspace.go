// Package keyspace derives the record keys for a user's cached scribbles.
// The key layout mirrors the persisted shape: one index key per user, and
// four records per scribble (meta plus the three content parts).
package keyspace

import "fmt"

// Part names a stored record under a scribble's base key.
type Part string

const (
	PartMeta Part = "meta"
	PartJS   Part = "js"
	PartCSS  Part = "css"
	PartHTML Part = "html"
)

// ContentParts lists the three content-bearing parts in canonical order.
var ContentParts = []Part{PartJS, PartCSS, PartHTML}

// PartFilenames maps each content part to its durable-store filename.
var PartFilenames = map[Part]string{
	PartJS:   "index.js",
	PartCSS:  "index.css",
	PartHTML: "index.html",
}

// UserIndexKey derives the key of the set holding a user's scribble ids.
func UserIndexKey(userID string) string {
	return fmt.Sprintf("user:%s:scribbles", userID)
}

// ScribbleBaseKey derives the key prefix shared by a scribble's records.
func ScribbleBaseKey(userID, sid string) string {
	return fmt.Sprintf("scribble:%s:%s", userID, sid)
}

// RecordKey derives the full key of one of a scribble's four records.
func RecordKey(userID, sid string, part Part) string {
	return fmt.Sprintf("%s:%s", ScribbleBaseKey(userID, sid), part)
}
