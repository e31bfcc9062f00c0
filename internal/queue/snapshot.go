package queue

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/clawinfra/storedesk/internal/record"
)

// LayoutVersion is the version written into every persisted snapshot.
//
// Version history:
//
//	0 - bare JSON array of records (no envelope)
//	1 - {"version":1,"records":[...]}
const LayoutVersion = 1

// ErrUnsupportedVersion is returned for snapshots written by a newer layout.
var ErrUnsupportedVersion = errors.New("unsupported queue layout version")

type snapshot struct {
	Version int             `json:"version"`
	Records []record.Record `json:"records"`
}

func encodeSnapshot(records []record.Record) ([]byte, error) {
	if records == nil {
		records = []record.Record{}
	}
	return json.Marshal(snapshot{Version: LayoutVersion, Records: records})
}

func decodeSnapshot(data []byte) ([]record.Record, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	// Version 0 layout
	if data[0] == '[' {
		var records []record.Record
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, err
		}
		backfillKeys(records)
		return records, nil
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	if snap.Version > LayoutVersion || snap.Version < 1 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, snap.Version)
	}
	backfillKeys(snap.Records)
	return snap.Records, nil
}

// legacyKeySpace namespaces keys derived for records queued without one.
var legacyKeySpace = uuid.MustParse("6f1c4be2-9d0a-4c57-8a55-3e0b7f2d1c90")

// backfillKeys gives keyless records a key derived from their position and
// content. The derivation is stable across reads, so the key a sync pass
// removes by matches the one it replayed, and the next write persists it.
func backfillKeys(records []record.Record) {
	for i := range records {
		if records[i].IdempotencyKey != "" {
			continue
		}
		body, _ := json.Marshal(records[i])
		name := append([]byte(fmt.Sprintf("%d:", i)), body...)
		records[i].IdempotencyKey = uuid.NewSHA1(legacyKeySpace, name).String()
	}
}
