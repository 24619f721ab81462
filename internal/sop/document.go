// Package sop defines the procedure document model: the JSON envelope every
// backend persists, id generation, and the parse/encode round trip shared by
// all adapters. Leaf package — no imports from the rest of the module.
package sop

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FileExt is the on-disk extension for document files across all backends.
const FileExt = ".json"

// idSuffixLen is how many characters of a random UUID are appended to
// generated ids. A full UUID is overkill — ids already carry a millisecond
// timestamp, the suffix only disambiguates within one clock tick.
const idSuffixLen = 8

// Meta is the document metadata envelope. SopID must always equal the
// document's top-level id. Extra preserves metadata keys this program does
// not interpret, so a round trip through any backend never drops them.
type Meta struct {
	SopID string
	Title string
	Extra map[string]json.RawMessage
}

// Document is one procedure document. Body is the arbitrary JSON payload,
// kept raw — this layer never interprets it.
type Document struct {
	ID      string          `json:"id"`
	Meta    Meta            `json:"meta"`
	SavedAt time.Time       `json:"savedAt"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// metaWire mirrors the JSON shape of the interpreted metadata keys.
type metaWire struct {
	SopID string `json:"sopId"`
	Title string `json:"title,omitempty"`
}

// MarshalJSON flattens Extra alongside the interpreted keys.
func (m Meta) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(m.Extra)+2)
	for k, v := range m.Extra {
		fields[k] = v
	}

	sopID, err := json.Marshal(m.SopID)
	if err != nil {
		return nil, err
	}

	fields["sopId"] = sopID

	if m.Title != "" {
		title, titleErr := json.Marshal(m.Title)
		if titleErr != nil {
			return nil, titleErr
		}

		fields["title"] = title
	}

	return json.Marshal(fields)
}

// UnmarshalJSON splits interpreted keys from passthrough keys.
func (m *Meta) UnmarshalJSON(data []byte) error {
	var w metaWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	delete(fields, "sopId")
	delete(fields, "title")

	if len(fields) == 0 {
		fields = nil
	}

	*m = Meta{SopID: w.SopID, Title: w.Title, Extra: fields}

	return nil
}

// NewID generates a document id unique within the store: millisecond
// timestamp plus a short random suffix. Cross-process collision within one
// millisecond is treated as practically impossible, not defended against.
func NewID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:idSuffixLen]

	return fmt.Sprintf("sop-%d-%s", now.UnixMilli(), suffix)
}

// Normalize prepares a document for persistence: assigns an id if absent,
// forces meta.sopId to agree with it, and stamps SavedAt. Returns an error
// only when the document carries an id that contradicts its metadata —
// that is caller confusion, not something to paper over.
func (d *Document) Normalize(now time.Time) error {
	if d.ID == "" {
		if d.Meta.SopID != "" {
			d.ID = d.Meta.SopID
		} else {
			d.ID = NewID(now)
		}
	}

	if d.Meta.SopID != "" && d.Meta.SopID != d.ID {
		return fmt.Errorf("sop: id %q does not match meta.sopId %q", d.ID, d.Meta.SopID)
	}

	d.Meta.SopID = d.ID
	d.SavedAt = now.UTC().Truncate(time.Millisecond)

	return nil
}

// Parse decodes and validates one stored document. Entries that do not
// carry an id (or whose metadata disagrees with it) are rejected here, which
// is what lets ListAll skip corrupt files one at a time.
func Parse(data []byte) (*Document, error) {
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("sop: decoding document: %w", err)
	}

	if d.ID == "" && d.Meta.SopID != "" {
		d.ID = d.Meta.SopID
	}

	if d.ID == "" {
		return nil, fmt.Errorf("sop: document missing id")
	}

	if d.Meta.SopID != "" && d.Meta.SopID != d.ID {
		return nil, fmt.Errorf("sop: id %q does not match meta.sopId %q", d.ID, d.Meta.SopID)
	}

	d.Meta.SopID = d.ID

	return &d, nil
}

// Encode renders the document as pretty-printed JSON, the on-file format for
// every backend. Trailing newline so stored files diff cleanly.
func (d *Document) Encode() ([]byte, error) {
	var buf bytes.Buffer

	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")

	if err := enc.Encode(d); err != nil {
		return nil, fmt.Errorf("sop: encoding document %s: %w", d.ID, err)
	}

	return buf.Bytes(), nil
}

// FileName returns the backend file name for a document id.
func FileName(id string) string {
	return id + FileExt
}

// IDFromFileName reverses FileName. Returns "" for names that are not
// document files (wrong extension, hidden files).
func IDFromFileName(name string) string {
	if !strings.HasSuffix(name, FileExt) || strings.HasPrefix(name, ".") {
		return ""
	}

	return strings.TrimSuffix(name, FileExt)
}
