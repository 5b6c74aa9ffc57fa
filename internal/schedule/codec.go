package schedule

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// encodeBlob renders entries as the indented JSON array kept in the blob.
func encodeBlob(entries []Entry) ([]byte, error) {
	if entries == nil {
		entries = []Entry{}
	}
	b, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func decodeBlob(b []byte) ([]Entry, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, nil
	}
	var entries []Entry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("decode schedule blob: %w", err)
	}
	return entries, nil
}
