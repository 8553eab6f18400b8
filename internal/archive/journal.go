package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/atmx/amm-engine/internal/model"
)

// ObjectWriter stores one object under key.
type ObjectWriter interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) error
}

// Journal archives a market's complete trade journal as JSON lines, one
// trade per line in sequence order.
type Journal struct {
	w      ObjectWriter
	prefix string
	now    func() time.Time
}

// NewJournal creates a Journal writing under prefix.
func NewJournal(w ObjectWriter, prefix string) *Journal {
	return &Journal{w: w, prefix: prefix, now: time.Now}
}

// Archive uploads trades and returns the object key.
func (j *Journal) Archive(ctx context.Context, marketID string, trades []model.Trade) (string, error) {
	var buf bytes.Buffer
	if err := EncodeJSONL(&buf, trades); err != nil {
		return "", err
	}
	key := path.Join(j.prefix, "markets", marketID,
		fmt.Sprintf("trades-%s.jsonl", j.now().UTC().Format("20060102T150405Z")))
	if err := j.w.Put(ctx, key, &buf, "application/x-ndjson"); err != nil {
		return "", err
	}
	return key, nil
}

// EncodeJSONL writes one JSON object per line.
func EncodeJSONL(w io.Writer, trades []model.Trade) error {
	enc := json.NewEncoder(w)
	for i := range trades {
		if err := enc.Encode(&trades[i]); err != nil {
			return fmt.Errorf("archive: encode trade %s: %w", trades[i].ID, err)
		}
	}
	return nil
}
