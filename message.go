package opstream

import "encoding/json"

// Message is the inbound envelope from the log reader: an offset within the
// partition and a UTF-8 JSON payload.
type Message struct {
	Offset int64
	Value  []byte
}

// TypeSequencedOperation is the only payload type persisted to the operation
// store; everything else is idle-routed.
const TypeSequencedOperation = "SequencedOperation"

type envelope struct {
	Type       string         `json:"type"`
	TenantID   string         `json:"tenantId"`
	DocumentID string         `json:"documentId"`
	Operation  *operationWire `json:"operation"`
}

// Operation is a sequenced document operation as it appears on the log and,
// after normalization, in the operation store.
type Operation struct {
	ClientID             string            `json:"clientId"`
	ClientSequenceNumber int64             `json:"clientSequenceNumber"`
	SequenceNumber       int64             `json:"sequenceNumber"`
	Contents             any               `json:"contents"`
	Metadata             map[string]any    `json:"metadata,omitempty"`
	Traces               []json.RawMessage `json:"traces"`
}

// operationWire carries Contents as raw JSON so normalization can stringify
// it verbatim when the back-compat path applies.
type operationWire struct {
	ClientID             string            `json:"clientId"`
	ClientSequenceNumber int64             `json:"clientSequenceNumber"`
	SequenceNumber       int64             `json:"sequenceNumber"`
	Contents             json.RawMessage   `json:"contents"`
	Metadata             map[string]any    `json:"metadata"`
	Traces               []json.RawMessage `json:"traces"`
}

// OperationDocument is the unit written to the operation store, keyed by
// (tenant, document, sequence number).
type OperationDocument struct {
	TenantID   string    `json:"tenantId"`
	DocumentID string    `json:"documentId"`
	Operation  Operation `json:"operation"`
}

// split reports whether the operation's metadata marks it as a split
// operation, whose content record carries the authoritative sequence number.
func (o *Operation) split() bool {
	v, ok := o.Metadata["split"]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// normalize converts a wire operation to its stored form: traces are
// cleared, and operations without metadata have their contents stringified
// for compatibility with older writers.
func (w *operationWire) normalize() Operation {
	op := Operation{
		ClientID:             w.ClientID,
		ClientSequenceNumber: w.ClientSequenceNumber,
		SequenceNumber:       w.SequenceNumber,
		Metadata:             w.Metadata,
		Traces:               []json.RawMessage{},
	}
	if w.Metadata == nil {
		op.Contents = string(w.Contents)
	} else if len(w.Contents) > 0 {
		op.Contents = json.RawMessage(w.Contents)
	}
	return op
}

// DocumentKey routes sequenced operations: one batch group per document.
type DocumentKey struct {
	TenantID   string `json:"tenantId"`
	DocumentID string `json:"documentId"`
}

// DocumentKeyCodec encodes a DocumentKey as its canonical JSON form.
func DocumentKeyCodec() KeyCodec[DocumentKey] {
	return KeyCodec[DocumentKey]{
		Encode: func(k DocumentKey) string {
			encoded, err := json.Marshal(k)
			if err != nil {
				// Two strings cannot fail to marshal.
				panic(err)
			}
			return string(encoded)
		},
		Decode: func(s string) (DocumentKey, error) {
			var k DocumentKey
			if err := json.Unmarshal([]byte(s), &k); err != nil {
				return DocumentKey{}, err
			}
			return k, nil
		},
	}
}

// singletonCodec keys the idle pipeline: every value lands in one group.
func singletonCodec() KeyCodec[struct{}] {
	return KeyCodec[struct{}]{
		Encode: func(struct{}) string { return "" },
		Decode: func(string) (struct{}, error) { return struct{}{}, nil },
	}
}
