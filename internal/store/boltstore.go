// A Bolt-backed Store, so any on-disk key->blob store can satisfy the same
// Store contract as Memory.
package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"
)

var eventsBucket = []byte("events")

// Bolt is a Store backed by a single-file bbolt database, keyed by EventID.
// IterByCreatedAt simply loads and sorts, since its only consumer (the scan
// queue) already re-derives its own recent/older partition from a full scan
// each tick, so a secondary sorted index would add complexity without
// buying back any real cost.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (creating if absent) a bbolt database at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(eventsBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return &Bolt{db: db}, nil
}

type boltRecord struct {
	AuthorDeviceID string
	CreatedAt      int64
	ReceivedAt     int64
	Ciphertext     []byte
	Signature      []byte
}

func encodeBoltRecord(r Record) []byte {
	buf := new(bytes.Buffer)
	writeString := func(s string) {
		l := make([]byte, 4)
		binary.LittleEndian.PutUint32(l, uint32(len(s)))
		buf.Write(l)
		buf.WriteString(s)
	}
	writeBytes := func(b []byte) {
		l := make([]byte, 4)
		binary.LittleEndian.PutUint32(l, uint32(len(b)))
		buf.Write(l)
		buf.Write(b)
	}
	writeInt64 := func(v int64) {
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, uint64(v))
		buf.Write(b)
	}

	writeString(r.AuthorDeviceID)
	writeInt64(r.CreatedAt)
	writeInt64(r.ReceivedAt)
	writeBytes(r.Ciphertext)
	writeBytes(r.Signature)
	return buf.Bytes()
}

func decodeBoltRecord(id EventID, data []byte) (Record, error) {
	r := Record{EventID: id}
	off := 0
	readString := func() (string, error) {
		if off+4 > len(data) {
			return "", fmt.Errorf("store: corrupt bolt record")
		}
		l := int(binary.LittleEndian.Uint32(data[off : off+4]))
		off += 4
		if off+l > len(data) {
			return "", fmt.Errorf("store: corrupt bolt record")
		}
		s := string(data[off : off+l])
		off += l
		return s, nil
	}
	readBytes := func() ([]byte, error) {
		if off+4 > len(data) {
			return nil, fmt.Errorf("store: corrupt bolt record")
		}
		l := int(binary.LittleEndian.Uint32(data[off : off+4]))
		off += 4
		if off+l > len(data) {
			return nil, fmt.Errorf("store: corrupt bolt record")
		}
		b := make([]byte, l)
		copy(b, data[off:off+l])
		off += l
		if l == 0 {
			return nil, nil
		}
		return b, nil
	}
	readInt64 := func() (int64, error) {
		if off+8 > len(data) {
			return 0, fmt.Errorf("store: corrupt bolt record")
		}
		v := int64(binary.LittleEndian.Uint64(data[off : off+8]))
		off += 8
		return v, nil
	}

	var err error
	if r.AuthorDeviceID, err = readString(); err != nil {
		return Record{}, err
	}
	if r.CreatedAt, err = readInt64(); err != nil {
		return Record{}, err
	}
	if r.ReceivedAt, err = readInt64(); err != nil {
		return Record{}, err
	}
	if r.Ciphertext, err = readBytes(); err != nil {
		return Record{}, err
	}
	if r.Signature, err = readBytes(); err != nil {
		return Record{}, err
	}
	return r, nil
}

func (b *Bolt) Insert(record Record, idFunc IDFunc) (InsertResult, error) {
	if idFunc != nil {
		if idFunc(record.Ciphertext) != record.EventID {
			return 0, ErrCorruptID
		}
	}

	result := Inserted
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(eventsBucket)
		if bucket.Get(record.EventID[:]) != nil {
			result = Duplicate
			return nil
		}
		return bucket.Put(record.EventID[:], encodeBoltRecord(record))
	})
	if err != nil {
		return 0, err
	}
	return result, nil
}

func (b *Bolt) Get(id EventID) (Record, error) {
	var out Record
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(eventsBucket).Get(id[:])
		if data == nil {
			return ErrNotFound
		}
		r, err := decodeBoltRecord(id, data)
		if err != nil {
			return err
		}
		out = r
		return nil
	})
	return out, err
}

func (b *Bolt) IterByCreatedAt() ([]Record, error) {
	var out []Record
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(eventsBucket).ForEach(func(k, v []byte) error {
			var id EventID
			copy(id[:], k)
			r, err := decodeBoltRecord(id, v)
			if err != nil {
				return err
			}
			out = append(out, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return lessEventID(out[i].EventID, out[j].EventID)
	})
	return out, nil
}

func (b *Bolt) Count() (int, error) {
	n := 0
	err := b.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(eventsBucket).Stats().KeyN
		return nil
	})
	return n, err
}

func (b *Bolt) Contains(id EventID) (bool, error) {
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(eventsBucket).Get(id[:]) != nil
		return nil
	})
	return found, err
}

func (b *Bolt) Close() error {
	return b.db.Close()
}
