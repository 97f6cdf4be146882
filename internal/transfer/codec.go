package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/armorylog/armorylog/internal/storage"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// Version is the schema version written into every export.
const Version = "1.0"

// Collection names, as they appear in the envelope.
const (
	Firearms    = "firearms"
	Ammunition  = "ammunition"
	RangeVisits = "rangeVisits"
)

// ErrInvalidFormat is returned for documents that are not exports.
var ErrInvalidFormat = errors.New("invalid import file format")

// Record is one opaque JSON object. It must carry a string "id".
type Record = json.RawMessage

// Dataset is the full content of an export.
type Dataset struct {
	Firearms    []Record `json:"firearms"`
	Ammunition  []Record `json:"ammunition"`
	RangeVisits []Record `json:"rangeVisits"`
}

// Envelope is the export document.
type Envelope struct {
	Version   string  `json:"version"`
	Timestamp string  `json:"timestamp"`
	Data      Dataset `json:"data"`
}

// Importer persists imported records. Records sharing an id with an existing
// record overwrite it; new ids are added. Nothing else is touched.
type Importer interface {
	Upsert(ctx context.Context, collection string, records []Record) error
}

// Codec converts between datasets and export documents.
type Codec struct {
	importer Importer
	logger   *logrus.Logger
	now      func() time.Time
}

// NewCodec creates a Codec importing through importer.
func NewCodec(importer Importer, logger *logrus.Logger) *Codec {
	if logger == nil {
		logger = logrus.New()
	}
	return &Codec{
		importer: importer,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides the timestamp source.
func (c *Codec) SetClock(now func() time.Time) {
	c.now = now
}

// Export builds an envelope for ds. It performs no I/O.
func (c *Codec) Export(ds Dataset) *Envelope {
	return &Envelope{
		Version:   Version,
		Timestamp: c.now().UTC().Format(time.RFC3339),
		Data: Dataset{
			Firearms:    nonNil(ds.Firearms),
			Ammunition:  nonNil(ds.Ammunition),
			RangeVisits: nonNil(ds.RangeVisits),
		},
	}
}

func nonNil(recs []Record) []Record {
	if recs == nil {
		return []Record{}
	}
	return recs
}

// Marshal encodes env as indented JSON.
func Marshal(env *Envelope) ([]byte, error) {
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode export: %w", err)
	}
	return data, nil
}

// Parse decodes and validates an export document.
func Parse(raw []byte) (*Envelope, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: not valid JSON", ErrInvalidFormat)
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return nil, fmt.Errorf("%w: not a JSON object", ErrInvalidFormat)
	}
	if v := doc.Get("version"); !v.Exists() || v.String() == "" {
		return nil, fmt.Errorf("%w: missing version", ErrInvalidFormat)
	}
	data := doc.Get("data")
	if !data.Exists() || !data.IsObject() {
		return nil, fmt.Errorf("%w: missing data", ErrInvalidFormat)
	}

	present := false
	for _, name := range []string{Firearms, Ammunition, RangeVisits} {
		col := data.Get(name)
		if !col.Exists() {
			continue
		}
		if !col.IsArray() {
			return nil, fmt.Errorf("%w: %s is not an array", ErrInvalidFormat, name)
		}
		present = true
	}
	if !present {
		return nil, fmt.Errorf("%w: no collections", ErrInvalidFormat)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}

	for name, recs := range env.Data.collections() {
		for i, rec := range recs {
			id := gjson.GetBytes(rec, "id")
			if id.Type != gjson.String || id.String() == "" {
				return nil, fmt.Errorf("%w: %s[%d] has no id", ErrInvalidFormat, name, i)
			}
		}
	}
	return &env, nil
}

func (d Dataset) collections() map[string][]Record {
	return map[string][]Record{
		Firearms:    d.Firearms,
		Ammunition:  d.Ammunition,
		RangeVisits: d.RangeVisits,
	}
}

// Import validates raw as a whole and then upserts firearms, ammunition and
// range visits, in that order. A malformed document writes nothing.
func (c *Codec) Import(ctx context.Context, raw []byte) error {
	env, err := Parse(raw)
	if err != nil {
		c.logger.WithError(err).Warn("Rejected import document")
		return err
	}

	order := []struct {
		name string
		recs []Record
	}{
		{Firearms, env.Data.Firearms},
		{Ammunition, env.Data.Ammunition},
		{RangeVisits, env.Data.RangeVisits},
	}
	for _, col := range order {
		if len(col.recs) == 0 {
			continue
		}
		if err := c.importer.Upsert(ctx, col.name, col.recs); err != nil {
			c.logger.WithError(err).WithField("collection", col.name).Error("Failed to import collection")
			return fmt.Errorf("failed to import %s: %w", col.name, err)
		}
	}

	c.logger.WithFields(logrus.Fields{
		"version":      env.Version,
		"firearms":     len(env.Data.Firearms),
		"ammunition":   len(env.Data.Ammunition),
		"range_visits": len(env.Data.RangeVisits),
	}).Info("Import completed")
	return nil
}

// FileName returns the export file name for the given day.
func FileName(t time.Time) string {
	return fmt.Sprintf("armorylog-export-%s.json", t.UTC().Format("2006-01-02"))
}

// WriteFile marshals env into dir and returns the written path.
func WriteFile(ctx context.Context, fs storage.Filesystem, dir string, env *Envelope) (string, error) {
	data, err := Marshal(env)
	if err != nil {
		return "", err
	}

	ts, err := time.Parse(time.RFC3339, env.Timestamp)
	if err != nil {
		ts = time.Now()
	}

	if err := fs.MkdirAll(ctx, dir); err != nil {
		return "", err
	}
	path := filepath.Join(dir, FileName(ts))
	if err := fs.WriteFile(ctx, path, data); err != nil {
		return "", err
	}
	return path, nil
}

// ReadFile returns the raw content of an export file.
func ReadFile(ctx context.Context, fs storage.Filesystem, path string) ([]byte, error) {
	return fs.ReadFile(ctx, path)
}
