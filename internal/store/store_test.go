package store

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"
)

func hashID(ciphertext []byte) EventID {
	sum := sha256.Sum256(ciphertext)
	var id EventID
	copy(id[:], sum[:16])
	return id
}

func TestMemory_InsertIsIdempotent(t *testing.T) {
	s := NewMemory()
	ct := []byte("ciphertext-1")
	rec := Record{EventID: hashID(ct), Ciphertext: ct, CreatedAt: 10}

	result, err := s.Insert(rec, hashID)
	require.NoError(t, err)
	require.Equal(t, Inserted, result)

	result, err = s.Insert(rec, hashID)
	require.NoError(t, err)
	require.Equal(t, Duplicate, result)

	count, err := s.Count()
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestMemory_InsertRejectsCorruptID(t *testing.T) {
	s := NewMemory()
	ct := []byte("ciphertext-1")
	rec := Record{EventID: EventID{0xFF}, Ciphertext: ct}

	_, err := s.Insert(rec, hashID)
	require.ErrorIs(t, err, ErrCorruptID)
}

func TestMemory_GetNotFound(t *testing.T) {
	s := NewMemory()
	_, err := s.Get(EventID{1})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_IterByCreatedAtOrdersByCreatedAtNotInsertion(t *testing.T) {
	s := NewMemory()
	newer := Record{EventID: hashID([]byte("newer")), Ciphertext: []byte("newer"), CreatedAt: 200}
	older := Record{EventID: hashID([]byte("older")), Ciphertext: []byte("older"), CreatedAt: 100}

	_, err := s.Insert(newer, hashID)
	require.NoError(t, err)
	_, err = s.Insert(older, hashID)
	require.NoError(t, err)

	records, err := s.IterByCreatedAt()
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, int64(100), records[0].CreatedAt)
	require.Equal(t, int64(200), records[1].CreatedAt)
}

func TestMemory_ContainsAndCount(t *testing.T) {
	s := NewMemory()
	ct := []byte("x")
	rec := Record{EventID: hashID(ct), Ciphertext: ct}
	ok, err := s.Contains(rec.EventID)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.Insert(rec, hashID)
	require.NoError(t, err)

	ok, err = s.Contains(rec.EventID)
	require.NoError(t, err)
	require.True(t, ok)
}
