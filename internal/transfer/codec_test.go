package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/armorylog/armorylog/internal/storage"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// memImporter keeps records by collection and id
type memImporter struct {
	data  map[string]map[string]string
	order []string
	err   error
}

func newMemImporter() *memImporter {
	return &memImporter{data: make(map[string]map[string]string)}
}

func (m *memImporter) Upsert(ctx context.Context, collection string, records []Record) error {
	if m.err != nil {
		return m.err
	}
	m.order = append(m.order, collection)
	if m.data[collection] == nil {
		m.data[collection] = make(map[string]string)
	}
	for _, rec := range records {
		m.data[collection][gjson.GetBytes(rec, "id").String()] = string(rec)
	}
	return nil
}

func testCodec(importer Importer) *Codec {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	c := NewCodec(importer, logger)
	c.SetClock(func() time.Time {
		return time.Date(2026, 3, 14, 15, 9, 26, 0, time.FixedZone("CET", 3600))
	})
	return c
}

func TestExport(t *testing.T) {
	codec := testCodec(newMemImporter())

	env := codec.Export(Dataset{
		Firearms: []Record{Record(`{"id":"f1"}`)},
	})

	assert.Equal(t, "1.0", env.Version)
	assert.Equal(t, "2026-03-14T14:09:26Z", env.Timestamp)
	assert.Len(t, env.Data.Firearms, 1)
	assert.NotNil(t, env.Data.Ammunition)
	assert.NotNil(t, env.Data.RangeVisits)

	data, err := Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"version": "1.0",
		"timestamp": "2026-03-14T14:09:26Z",
		"data": {"firearms": [{"id":"f1"}], "ammunition": [], "rangeVisits": []}
	}`, string(data))
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	importer := newMemImporter()
	codec := testCodec(importer)

	data, err := Marshal(codec.Export(Dataset{
		Firearms: []Record{Record(`{"id":"f1","make":"Glock"}`)},
	}))
	require.NoError(t, err)

	require.NoError(t, codec.Import(ctx, data))
	assert.JSONEq(t, `{"id":"f1","make":"Glock"}`, importer.data[Firearms]["f1"])
	// Empty collections are not handed to the importer.
	assert.Equal(t, []string{Firearms}, importer.order)
}

func TestImportOrder(t *testing.T) {
	ctx := context.Background()
	importer := newMemImporter()
	codec := testCodec(importer)

	doc := `{"version":"1.0","timestamp":"x","data":{
		"rangeVisits":[{"id":"r1"}],
		"ammunition":[{"id":"a1"}],
		"firearms":[{"id":"f1"}]}}`
	require.NoError(t, codec.Import(ctx, []byte(doc)))
	assert.Equal(t, []string{Firearms, Ammunition, RangeVisits}, importer.order)
}

func TestImportRejectsInvalidDocuments(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `{"version":`},
		{"array", `[1,2,3]`},
		{"missing version", `{"data":{"firearms":[]}}`},
		{"missing data", `{"version":"1.0","timestamp":"2026-01-01T00:00:00Z"}`},
		{"data not an object", `{"version":"1.0","data":[]}`},
		{"no collections", `{"version":"1.0","data":{}}`},
		{"collection not an array", `{"version":"1.0","data":{"firearms":{"id":"f1"}}}`},
		{"record without id", `{"version":"1.0","data":{"firearms":[{"id":"f1"},{"make":"x"}]}}`},
		{"numeric id", `{"version":"1.0","data":{"ammunition":[{"id":3}]}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			importer := newMemImporter()
			err := testCodec(importer).Import(ctx, []byte(tt.doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidFormat)
			assert.Empty(t, importer.order, "nothing may be written")
		})
	}
}

func TestImportAcceptsPresentButEmptyCollection(t *testing.T) {
	importer := newMemImporter()
	err := testCodec(importer).Import(context.Background(), []byte(`{"version":"1.0","data":{"firearms":[]}}`))
	assert.NoError(t, err)
	assert.Empty(t, importer.order)
}

func TestImportPropagatesImporterErrors(t *testing.T) {
	importer := newMemImporter()
	importer.err = errors.New("write failed")

	err := testCodec(importer).Import(context.Background(), []byte(`{"version":"1.0","data":{"firearms":[{"id":"f1"}]}}`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidFormat)
	assert.ErrorIs(t, err, importer.err)
}

func TestWriteAndReadFile(t *testing.T) {
	ctx := context.Background()
	fs := storage.NewFilesystem(afero.NewMemMapFs())
	codec := testCodec(newMemImporter())

	env := codec.Export(Dataset{RangeVisits: []Record{Record(`{"id":"r1"}`)}})
	path, err := WriteFile(ctx, fs, "/exports", env)
	require.NoError(t, err)
	assert.Equal(t, "/exports/armorylog-export-2026-03-14.json", path)

	raw, err := ReadFile(ctx, fs, path)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, env.Version, decoded.Version)
	assert.Equal(t, env.Timestamp, decoded.Timestamp)
	assert.Len(t, decoded.Data.RangeVisits, 1)
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "armorylog-export-2025-12-31.json",
		FileName(time.Date(2025, 12, 31, 23, 0, 0, 0, time.UTC)))
}
