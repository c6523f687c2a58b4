// Package pebble provides a pebble-backed document store implementing the
// operation and content store contracts. Operations are keyed by
// (tenant, document, sequence number); inserting an existing key reports a
// duplicate without failing the rest of the batch.
package pebble

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cockroachdb/pebble"
	"go.uber.org/multierr"

	"github.com/birdayz/opstream"
)

type Store struct {
	db *pebble.DB
}

func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func opKey(doc *opstream.OperationDocument) []byte {
	return []byte(fmt.Sprintf("op/%s/%s/%020d", doc.TenantID, doc.DocumentID, doc.Operation.SequenceNumber))
}

func contentKey(ref opstream.ContentRef) []byte {
	return []byte(fmt.Sprintf("content/%s/%s/%s/%020d", ref.TenantID, ref.DocumentID, ref.ClientID, ref.ClientSequenceNumber))
}

// InsertMany writes all documents whose keys are not yet present. Documents
// that already exist are skipped and reported as duplicates after the rest
// of the batch has been written; the caller decides whether replays are
// benign.
func (s *Store) InsertMany(ctx context.Context, docs []*opstream.OperationDocument) error {
	batch := s.db.NewIndexedBatch()
	defer batch.Close()

	var duplicates []string
	for _, doc := range docs {
		key := opKey(doc)

		_, closer, err := batch.Get(key)
		if err == nil {
			closer.Close()
			duplicates = append(duplicates, string(key))
			continue
		}
		if !errors.Is(err, pebble.ErrNotFound) {
			return err
		}

		value, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		if err := batch.Set(key, value, nil); err != nil {
			return err
		}
	}

	if err := batch.Commit(&pebble.WriteOptions{Sync: true}); err != nil {
		return err
	}

	if len(duplicates) > 0 {
		return fmt.Errorf("insert %s: %w", strings.Join(duplicates, ", "), opstream.ErrDuplicateKey)
	}
	return nil
}

// UpdateSequenceNumber upserts the sequence number onto the referenced
// content record.
func (s *Store) UpdateSequenceNumber(ctx context.Context, ref opstream.ContentRef, sequenceNumber int64) error {
	key := contentKey(ref)

	record := map[string]any{}
	value, closer, err := s.db.Get(key)
	if err == nil {
		unmarshalErr := json.Unmarshal(value, &record)
		closer.Close()
		if unmarshalErr != nil {
			return fmt.Errorf("decode content record %s: %w", key, unmarshalErr)
		}
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return err
	}

	record["tenantId"] = ref.TenantID
	record["documentId"] = ref.DocumentID
	record["clientId"] = ref.ClientID
	record["clientSequenceNumber"] = ref.ClientSequenceNumber
	record["sequenceNumber"] = sequenceNumber

	updated, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.db.Set(key, updated, &pebble.WriteOptions{Sync: true})
}

// GetOperation reads one stored operation document, mainly for inspection
// and tests.
func (s *Store) GetOperation(tenantID, documentID string, sequenceNumber int64) (*opstream.OperationDocument, error) {
	key := opKey(&opstream.OperationDocument{
		TenantID:   tenantID,
		DocumentID: documentID,
		Operation:  opstream.Operation{SequenceNumber: sequenceNumber},
	})
	value, closer, err := s.db.Get(key)
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var doc opstream.OperationDocument
	if err := json.Unmarshal(value, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *Store) Close() error {
	var err error
	err = multierr.Append(err, s.db.Flush())
	err = multierr.Append(err, s.db.Close())
	return err
}
