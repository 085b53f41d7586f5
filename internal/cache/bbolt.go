package cache

import (
	"encoding/binary"
	"fmt"
	"time"

	"palaver/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketMessages = []byte("messages")
	bucketRosters  = []byte("rosters")
)

// Store is the durable local cache: one logical copy of every message seen
// per (roomID, messageID), plus a small per-user roster snapshot for
// instant paint before the first network round-trip.
type Store struct {
	db *bbolt.DB
}

func NewStore(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketMessages); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketRosters); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// PutMessages saves messages for a room. Re-putting an already cached
// message overwrites it with identical bytes, so the operation is
// idempotent and the cache stays append-only.
func (s *Store) PutMessages(roomID string, msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		roomBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(roomID))
		if err != nil {
			return fmt.Errorf("failed to create room bucket: %w", err)
		}

		for _, msg := range msgs {
			dbMsg := DBMessage{
				ID:         msg.ID,
				RoomID:     roomID,
				SenderID:   msg.SenderID,
				SenderName: msg.SenderName,
				Text:       msg.Text,
				Timestamp:  msg.Timestamp,
			}
			data, err := dbMsg.MarshalBinary()
			if err != nil {
				return fmt.Errorf("failed to marshal message: %w", err)
			}
			if err := roomBucket.Put(dbMsg.Key(), data); err != nil {
				return fmt.Errorf("failed to put message: %w", err)
			}
		}
		return nil
	})
}

// ListMessages returns all cached messages for a room, ascending by
// (timestamp, id).
func (s *Store) ListMessages(roomID string) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		roomBucket := tx.Bucket(bucketMessages).Bucket([]byte(roomID))
		if roomBucket == nil {
			return nil // no messages for this room
		}
		return roomBucket.ForEach(func(k, v []byte) error {
			msg, err := decodeMessage(v)
			if err != nil {
				return err
			}
			messages = append(messages, msg)
			return nil
		})
	})
	return messages, err
}

// ListMessagesBefore returns up to limit cached messages with timestamp
// strictly before ts, ascending.
func (s *Store) ListMessagesBefore(roomID string, ts int64, limit int) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		roomBucket := tx.Bucket(bucketMessages).Bucket([]byte(roomID))
		if roomBucket == nil {
			return nil
		}

		bound := make([]byte, 8)
		binary.BigEndian.PutUint64(bound, uint64(ts))

		c := roomBucket.Cursor()

		// Walk backwards from the last key strictly below the bound.
		k, v := c.Seek(bound)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		for ; k != nil && len(messages) < limit; k, v = c.Prev() {
			msg, err := decodeMessage(v)
			if err != nil {
				return err
			}
			messages = append(messages, msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Collected newest-first, callers want ascending.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// LastTimestamp returns the newest cached timestamp for a room, or ok=false
// when the room has no cached messages.
func (s *Store) LastTimestamp(roomID string) (ts int64, ok bool, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		roomBucket := tx.Bucket(bucketMessages).Bucket([]byte(roomID))
		if roomBucket == nil {
			return nil
		}
		k, v := roomBucket.Cursor().Last()
		if k == nil {
			return nil
		}
		msg, err := decodeMessage(v)
		if err != nil {
			return err
		}
		ts = msg.Timestamp
		ok = true
		return nil
	})
	return ts, ok, err
}

// PutRoster saves the resolved roster for a user.
func (s *Store) PutRoster(uid string, roomers []models.Roomer) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbRoster := DBRoster{UID: uid, Roomers: make([]DBRoomer, len(roomers))}
		for i, r := range roomers {
			dbRoster.Roomers[i] = DBRoomer{
				UID:         r.UID,
				DisplayName: r.DisplayName,
				PhotoURL:    r.PhotoURL,
				Status:      string(r.Status),
			}
		}
		data, err := dbRoster.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRosters).Put(dbRoster.Key(), data)
	})
}

// GetRoster returns the last cached roster for a user. A user without a
// cached roster yields models.ErrNotFound.
func (s *Store) GetRoster(uid string) ([]models.Roomer, error) {
	var roomers []models.Roomer
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRosters).Get([]byte(uid))
		if data == nil {
			return models.ErrNotFound
		}
		var dbRoster DBRoster
		if err := dbRoster.UnmarshalBinary(data); err != nil {
			return err
		}
		roomers = make([]models.Roomer, len(dbRoster.Roomers))
		for i, r := range dbRoster.Roomers {
			roomers[i] = models.Roomer{
				UID:         r.UID,
				DisplayName: r.DisplayName,
				PhotoURL:    r.PhotoURL,
				Status:      models.RoomerStatus(r.Status),
			}
		}
		return nil
	})
	return roomers, err
}

func decodeMessage(data []byte) (models.Message, error) {
	var dbMsg DBMessage
	if err := dbMsg.UnmarshalBinary(data); err != nil {
		return models.Message{}, err
	}
	return models.Message{
		ID:         dbMsg.ID,
		SenderID:   dbMsg.SenderID,
		SenderName: dbMsg.SenderName,
		Text:       dbMsg.Text,
		Timestamp:  dbMsg.Timestamp,
	}, nil
}
