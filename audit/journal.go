package audit

import (
	"encoding/binary"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"preorderd/core/events"
	"preorderd/core/types"
)

var bucketEvents = []byte("events")

// Journal persists every emitted campaign event so external auditors can
// replay the full transition history. It satisfies events.Emitter and can be
// plugged straight into the engine.
type Journal struct {
	db     *bolt.DB
	logger *slog.Logger
}

// Record is one journaled event. Seq is the bolt sequence number and orders
// records totally; ID is a random identifier for external references.
type Record struct {
	ID         string            `json:"id"`
	Seq        uint64            `json:"seq"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	RecordedAt int64             `json:"recordedAt"`
}

// eventPayload is implemented by emitters that wrap a concrete types.Event.
type eventPayload interface {
	Event() *types.Event
}

// NewJournal opens (and migrates) the BoltDB-backed journal.
func NewJournal(path string, logger *slog.Logger) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{db: db, logger: logger}, nil
}

// Close releases the underlying Bolt database handle.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Emit implements events.Emitter. Journal failures are logged rather than
// surfaced: the state transition has already committed and must not be undone
// by an audit-trail hiccup.
func (j *Journal) Emit(evt events.Event) {
	if j == nil || j.db == nil || evt == nil {
		return
	}
	payload, ok := evt.(eventPayload)
	if !ok || payload.Event() == nil {
		return
	}
	event := payload.Event()
	record := Record{
		ID:         uuid.NewString(),
		Type:       event.Type,
		Attributes: event.Attributes,
		RecordedAt: time.Now().Unix(),
	}
	err := j.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketEvents)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		record.Seq = seq
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return bucket.Put(seqKey(seq), data)
	})
	if err != nil {
		j.logger.Error("audit: failed to journal event", slog.String("type", event.Type), slog.Any("error", err))
	}
}

// List returns up to limit records with Seq > afterSeq in ascending order.
func (j *Journal) List(afterSeq uint64, limit int) ([]Record, error) {
	if j == nil || j.db == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	out := make([]Record, 0, limit)
	err := j.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketEvents).Cursor()
		for k, v := cursor.Seek(seqKey(afterSeq + 1)); k != nil && len(out) < limit; k, v = cursor.Next() {
			var record Record
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			out = append(out, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func seqKey(seq uint64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], seq)
	return key[:]
}
