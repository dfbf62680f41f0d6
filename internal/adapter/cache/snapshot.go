package cache

import (
	"encoding/binary"
	"fmt"
	"math"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketEmbeddings   = []byte("embedding_cache")
	snapshotVersionKey = []byte("_model_version")
)

// Save writes the current entries of modelVersion to db, least recently used
// first, replacing any previous snapshot.
func (c *EmbeddingCache) Save(db *bolt.DB, modelVersion string) (int, error) {
	c.mu.Lock()
	type item struct {
		hash string
		vec  []float32
	}
	items := make([]item, 0, c.ll.Len())
	for el := c.ll.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		if e.key.version == modelVersion {
			items = append(items, item{hash: e.key.hash, vec: e.vec})
		}
	}
	c.mu.Unlock()

	err := db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketEmbeddings) != nil {
			if err := tx.DeleteBucket(bucketEmbeddings); err != nil {
				return err
			}
		}
		b, err := tx.CreateBucket(bucketEmbeddings)
		if err != nil {
			return err
		}
		if err := b.Put(snapshotVersionKey, []byte(modelVersion)); err != nil {
			return err
		}
		for rank, it := range items {
			key := make([]byte, 8)
			binary.BigEndian.PutUint64(key, uint64(rank))
			if err := b.Put(key, encodeSnapshotValue(it.hash, it.vec)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("save embedding cache: %w", err)
	}
	return len(items), nil
}

// Load restores a snapshot written by Save. A snapshot taken under another
// model version is ignored.
func (c *EmbeddingCache) Load(db *bolt.DB, modelVersion string) (int, error) {
	loaded := 0
	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEmbeddings)
		if b == nil {
			return nil
		}
		if string(b.Get(snapshotVersionKey)) != modelVersion {
			return nil
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		return b.ForEach(func(k, v []byte) error {
			if len(k) != 8 {
				return nil
			}
			hash, vec, err := decodeSnapshotValue(v)
			if err != nil {
				return err
			}
			c.add(cacheKey{hash: hash, version: modelVersion}, vec)
			loaded++
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("load embedding cache: %w", err)
	}
	return loaded, nil
}

// SnapshotInfo reports the model version and entry count of the stored
// snapshot. An empty version means there is none.
func SnapshotInfo(db *bolt.DB) (version string, entries int, err error) {
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEmbeddings)
		if b == nil {
			return nil
		}
		version = string(b.Get(snapshotVersionKey))
		return b.ForEach(func(k, _ []byte) error {
			if len(k) == 8 {
				entries++
			}
			return nil
		})
	})
	if err != nil {
		return "", 0, fmt.Errorf("read embedding cache snapshot: %w", err)
	}
	return version, entries, nil
}

func encodeSnapshotValue(hash string, vec []float32) []byte {
	buf := make([]byte, 0, 2+len(hash)+len(vec)*4)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(hash)))
	buf = append(buf, hash...)
	return append(buf, vectorToCacheBytes(vec)...)
}

func decodeSnapshotValue(v []byte) (string, []float32, error) {
	if len(v) < 2 {
		return "", nil, fmt.Errorf("invalid snapshot entry: len=%d", len(v))
	}
	n := int(binary.BigEndian.Uint16(v))
	if len(v) < 2+n {
		return "", nil, fmt.Errorf("invalid snapshot entry: hash length %d exceeds %d", n, len(v)-2)
	}
	vec, err := bytesToVector(v[2+n:])
	if err != nil {
		return "", nil, err
	}
	return string(v[2 : 2+n]), vec, nil
}

func vectorToCacheBytes(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func bytesToVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("invalid embedding cache data: len=%d (not multiple of 4)", len(data))
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, nil
}
