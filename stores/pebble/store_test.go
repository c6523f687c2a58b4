package pebble

import (
	"context"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/birdayz/opstream"
)

func doc(tenant, document string, sequenceNumber int64) *opstream.OperationDocument {
	return &opstream.OperationDocument{
		TenantID:   tenant,
		DocumentID: document,
		Operation: opstream.Operation{
			ClientID:       "c",
			SequenceNumber: sequenceNumber,
			Contents:       "{}",
		},
	}
}

func TestStore_InsertMany(t *testing.T) {
	t.Run("inserts and reads back", func(t *testing.T) {
		s, err := Open(t.TempDir())
		assert.NoError(t, err)
		defer s.Close()

		err = s.InsertMany(context.Background(), []*opstream.OperationDocument{
			doc("T", "D", 1),
			doc("T", "D", 2),
		})
		assert.NoError(t, err)

		got, err := s.GetOperation("T", "D", 2)
		assert.NoError(t, err)
		assert.Equal(t, int64(2), got.Operation.SequenceNumber)
	})

	t.Run("reports duplicates but writes the rest", func(t *testing.T) {
		s, err := Open(t.TempDir())
		assert.NoError(t, err)
		defer s.Close()

		err = s.InsertMany(context.Background(), []*opstream.OperationDocument{doc("T", "D", 1)})
		assert.NoError(t, err)

		// Replay of 1 alongside new 2: duplicate is distinguishable,
		// 2 must land regardless.
		err = s.InsertMany(context.Background(), []*opstream.OperationDocument{
			doc("T", "D", 1),
			doc("T", "D", 2),
		})
		assert.IsError(t, err, opstream.ErrDuplicateKey)

		got, err := s.GetOperation("T", "D", 2)
		assert.NoError(t, err)
		assert.Equal(t, int64(2), got.Operation.SequenceNumber)
	})

	t.Run("duplicates within one batch", func(t *testing.T) {
		s, err := Open(t.TempDir())
		assert.NoError(t, err)
		defer s.Close()

		err = s.InsertMany(context.Background(), []*opstream.OperationDocument{
			doc("T", "D", 1),
			doc("T", "D", 1),
		})
		assert.IsError(t, err, opstream.ErrDuplicateKey)
	})
}

func TestStore_UpdateSequenceNumber(t *testing.T) {
	s, err := Open(t.TempDir())
	assert.NoError(t, err)
	defer s.Close()

	ref := opstream.ContentRef{
		TenantID:             "T",
		DocumentID:           "D",
		ClientID:             "c",
		ClientSequenceNumber: 7,
	}

	// Upserts when the content record has not arrived yet, updates in
	// place when it has.
	assert.NoError(t, s.UpdateSequenceNumber(context.Background(), ref, 41))
	assert.NoError(t, s.UpdateSequenceNumber(context.Background(), ref, 42))

	value, closer, err := s.db.Get(contentKey(ref))
	assert.NoError(t, err)
	defer closer.Close()
	assert.Contains(t, string(value), `"sequenceNumber":42`)
}
