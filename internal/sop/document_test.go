package sop

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIDShape(t *testing.T) {
	now := time.UnixMilli(1700000000123)

	id := NewID(now)
	assert.True(t, strings.HasPrefix(id, "sop-1700000000123-"), "id %q", id)

	parts := strings.Split(id, "-")
	require.Len(t, parts, 3)
	assert.Len(t, parts[2], 8)

	// Two ids generated at the same instant must still differ.
	assert.NotEqual(t, id, NewID(now))
}

func TestNormalizeAssignsID(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	doc := &Document{Meta: Meta{Title: "Restart the ingest worker"}}
	require.NoError(t, doc.Normalize(now))

	assert.NotEmpty(t, doc.ID)
	assert.Equal(t, doc.ID, doc.Meta.SopID)
	assert.Equal(t, now, doc.SavedAt)
}

func TestNormalizeKeepsExistingID(t *testing.T) {
	doc := &Document{ID: "sop-1-aaaa", Meta: Meta{Title: "x"}}
	require.NoError(t, doc.Normalize(time.Now()))
	assert.Equal(t, "sop-1-aaaa", doc.ID)
	assert.Equal(t, "sop-1-aaaa", doc.Meta.SopID)
}

func TestNormalizePromotesSopID(t *testing.T) {
	doc := &Document{Meta: Meta{SopID: "sop-2-bbbb"}}
	require.NoError(t, doc.Normalize(time.Now()))
	assert.Equal(t, "sop-2-bbbb", doc.ID)
}

func TestNormalizeRejectsMismatch(t *testing.T) {
	doc := &Document{ID: "sop-1-aaaa", Meta: Meta{SopID: "sop-2-bbbb"}}
	err := doc.Normalize(time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}

func TestParseValidDocument(t *testing.T) {
	data := []byte(`{
  "id": "sop-5-cccc",
  "meta": {"sopId": "sop-5-cccc", "title": "Rotate credentials", "owner": "infra"},
  "savedAt": "2026-01-02T03:04:05Z",
  "body": {"steps": [1, 2, 3]}
}`)

	doc, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, "sop-5-cccc", doc.ID)
	assert.Equal(t, "Rotate credentials", doc.Meta.Title)
	assert.JSONEq(t, `"infra"`, string(doc.Meta.Extra["owner"]))
	assert.JSONEq(t, `{"steps": [1, 2, 3]}`, string(doc.Body))
}

func TestParseBackfillsIDFromMeta(t *testing.T) {
	doc, err := Parse([]byte(`{"meta": {"sopId": "sop-7-dddd"}}`))
	require.NoError(t, err)
	assert.Equal(t, "sop-7-dddd", doc.ID)
}

func TestParseRejectsMissingID(t *testing.T) {
	_, err := Parse([]byte(`{"meta": {"title": "no id anywhere"}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing id")
}

func TestParseRejectsMismatchedIDs(t *testing.T) {
	_, err := Parse([]byte(`{"id": "a", "meta": {"sopId": "b"}}`))
	require.Error(t, err)
}

func TestParseRejectsInvalidJSON(t *testing.T) {
	_, err := Parse([]byte(`{truncated`))
	require.Error(t, err)
}

func TestMetaRoundTripPreservesExtraKeys(t *testing.T) {
	in := []byte(`{"sopId": "sop-9-eeee", "title": "t", "reviewedBy": "alex", "tags": ["a", "b"]}`)

	var m Meta
	require.NoError(t, json.Unmarshal(in, &m))
	assert.Equal(t, "sop-9-eeee", m.SopID)
	assert.Equal(t, "t", m.Title)
	require.Len(t, m.Extra, 2)

	out, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, string(in), string(out))
}

func TestMetaMarshalOmitsEmptyTitle(t *testing.T) {
	out, err := json.Marshal(Meta{SopID: "sop-1-ffff"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"sopId": "sop-1-ffff"}`, string(out))
}

func TestEncodeParseRoundTrip(t *testing.T) {
	doc := &Document{
		ID:      "sop-3-abcd",
		Meta:    Meta{SopID: "sop-3-abcd", Title: "Failover runbook"},
		SavedAt: time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC),
		Body:    json.RawMessage(`{"note": "keep calm"}`),
	}

	data, err := doc.Encode()
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(data), "\n"))

	got, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, got.ID)
	assert.Equal(t, doc.Meta.Title, got.Meta.Title)
	assert.True(t, doc.SavedAt.Equal(got.SavedAt))
}

func TestFileNameRoundTrip(t *testing.T) {
	assert.Equal(t, "sop-1-aaaa.json", FileName("sop-1-aaaa"))
	assert.Equal(t, "sop-1-aaaa", IDFromFileName("sop-1-aaaa.json"))
	assert.Empty(t, IDFromFileName("README.md"))
	assert.Empty(t, IDFromFileName(".hidden.json"))
}
