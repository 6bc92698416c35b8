package storage

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"circle/internal/auth"
	"circle/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketRooms      = []byte("rooms")
	bucketMessages   = []byte("messages")
	bucketMessageIDs = []byte("message_ids")
	bucketTokens     = []byte("tokens")
)

var ErrRoomExists = errors.New("room already exists")

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketRooms, bucketMessages, bucketMessageIDs, bucketTokens} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// CreateRoom stores a new room. It fails with ErrRoomExists if the id is taken.
func (s *BboltStorage) CreateRoom(meta models.RoomMeta) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRooms)
		if b.Get([]byte(meta.ID)) != nil {
			return fmt.Errorf("room %s: %w", meta.ID, ErrRoomExists)
		}
		dbRoom := DBRoom{
			ID:        meta.ID,
			Name:      meta.Name,
			Topic:     meta.Topic,
			Capacity:  meta.Capacity,
			CreatorID: meta.CreatorID,
			CreatedAt: time.Now().Unix(),
		}
		data, err := dbRoom.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbRoom.Key(), data)
	})
}

// GetRoom returns the room metadata or models.ErrNotFound.
func (s *BboltStorage) GetRoom(id string) (models.RoomMeta, error) {
	dbRoom, err := s.getDBRoom(id)
	if err != nil {
		return models.RoomMeta{}, err
	}
	return dbRoom.meta(), nil
}

// ListRooms returns all rooms ordered by id.
func (s *BboltStorage) ListRooms() ([]models.RoomMeta, error) {
	var rooms []models.RoomMeta
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRooms).ForEach(func(k, v []byte) error {
			var dbRoom DBRoom
			if err := dbRoom.UnmarshalBinary(v); err != nil {
				return err
			}
			rooms = append(rooms, dbRoom.meta())
			return nil
		})
	})
	return rooms, err
}

// AppendMessage assigns the next sequence number of the room to record and
// saves it. The stored record is returned.
func (s *BboltStorage) AppendMessage(record models.ChatRecord) (models.ChatRecord, error) {
	if record.RoomID == "" || record.ID == "" {
		return models.ChatRecord{}, errors.New("message missing room or message id")
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		rooms := tx.Bucket(bucketRooms)
		roomKey := []byte(record.RoomID)
		roomData := rooms.Get(roomKey)
		if roomData == nil {
			return fmt.Errorf("room %s: %w", record.RoomID, models.ErrNotFound)
		}
		var dbRoom DBRoom
		if err := dbRoom.UnmarshalBinary(roomData); err != nil {
			return fmt.Errorf("failed to unmarshal room: %w", err)
		}

		msgBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists(roomKey)
		if err != nil {
			return fmt.Errorf("failed to create room bucket: %w", err)
		}
		idBucket, err := tx.Bucket(bucketMessageIDs).CreateBucketIfNotExists(roomKey)
		if err != nil {
			return fmt.Errorf("failed to create room id bucket: %w", err)
		}
		if idBucket.Get([]byte(record.ID)) != nil {
			return fmt.Errorf("message %s already stored", record.ID)
		}

		dbRoom.LastSeq++
		record.Seq = dbRoom.LastSeq

		dbMessage := DBMessage{
			Seq:         record.Seq,
			ID:          record.ID,
			Timestamp:   record.Timestamp,
			RoomID:      record.RoomID,
			UserID:      record.Author.ID,
			DisplayName: record.Author.DisplayName,
			AvatarRef:   record.Author.AvatarRef,
			Text:        record.Text,
		}
		data, err := dbMessage.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := msgBucket.Put(dbMessage.Key(), data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}
		if err := idBucket.Put([]byte(record.ID), dbMessage.Key()); err != nil {
			return fmt.Errorf("failed to index message: %w", err)
		}

		roomData, err = dbRoom.MarshalBinary()
		if err != nil {
			return err
		}
		return rooms.Put(roomKey, roomData)
	})
	if err != nil {
		return models.ChatRecord{}, err
	}
	return record, nil
}

// HasMessage reports whether messageID was stored in roomID.
func (s *BboltStorage) HasMessage(roomID, messageID string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		idBucket := tx.Bucket(bucketMessageIDs).Bucket([]byte(roomID))
		found = idBucket != nil && idBucket.Get([]byte(messageID)) != nil
		return nil
	})
	return found, err
}

// ListMessages returns the messages of roomID with sequence numbers in
// [from, to], oldest first.
func (s *BboltStorage) ListMessages(roomID string, from, to int64) ([]models.ChatRecord, error) {
	var records []models.ChatRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		msgBucket := tx.Bucket(bucketMessages).Bucket([]byte(roomID))
		if msgBucket == nil {
			return nil // No messages for this room
		}

		c := msgBucket.Cursor()
		maxKey := seqKey(to)
		for k, v := c.Seek(seqKey(from)); k != nil && bytes.Compare(k, maxKey) <= 0; k, v = c.Next() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			records = append(records, models.ChatRecord{
				Seq:    dbMsg.Seq,
				ID:     dbMsg.ID,
				RoomID: dbMsg.RoomID,
				Author: models.RoomMember{
					ID:          dbMsg.UserID,
					DisplayName: dbMsg.DisplayName,
					AvatarRef:   dbMsg.AvatarRef,
				},
				Text:      dbMsg.Text,
				Timestamp: dbMsg.Timestamp,
			})
		}
		return nil
	})
	return records, err
}

// RecentMessages returns up to limit of the newest messages of roomID,
// oldest first.
func (s *BboltStorage) RecentMessages(roomID string, limit int) ([]models.ChatRecord, error) {
	room, err := s.getDBRoom(roomID)
	if err != nil {
		return nil, err
	}
	from := room.LastSeq - int64(limit) + 1
	if limit <= 0 || from < 1 {
		from = 1
	}
	return s.ListMessages(roomID, from, room.LastSeq)
}

func (s *BboltStorage) UpsertToken(record auth.TokenRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbToken := &DBToken{
			Hash:        record.Hash,
			UserID:      record.Identity.UserID,
			DisplayName: record.Identity.DisplayName,
			ExpiresAt:   record.ExpiresAt,
		}
		data, err := dbToken.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTokens).Put(dbToken.Key(), data)
	})
}

func (s *BboltStorage) GetToken(hash string) (auth.TokenRecord, error) {
	var dbToken DBToken
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketTokens).Get([]byte(hash))
		if data == nil {
			return models.ErrNotFound
		}
		return dbToken.UnmarshalBinary(data)
	})
	if err != nil {
		return auth.TokenRecord{}, err
	}
	return auth.TokenRecord{
		Hash:      dbToken.Hash,
		Identity:  models.Identity{UserID: dbToken.UserID, DisplayName: dbToken.DisplayName},
		ExpiresAt: dbToken.ExpiresAt,
	}, nil
}

func (s *BboltStorage) DeleteToken(hash string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTokens).Delete([]byte(hash))
	})
}

// PurgeExpiredTokens removes tokens that expired before now and returns how
// many were removed.
func (s *BboltStorage) PurgeExpiredTokens(now time.Time) (int, error) {
	var purged int
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var dbToken DBToken
			if err := dbToken.UnmarshalBinary(v); err != nil {
				return fmt.Errorf("corrupt token record: %w", err)
			}
			if dbToken.ExpiresAt <= now.Unix() {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		purged = len(expired)
		return nil
	})
	return purged, err
}

func (s *BboltStorage) getDBRoom(id string) (DBRoom, error) {
	var dbRoom DBRoom
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRooms).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("room %s: %w", id, models.ErrNotFound)
		}
		return dbRoom.UnmarshalBinary(data)
	})
	return dbRoom, err
}

func (r *DBRoom) meta() models.RoomMeta {
	return models.RoomMeta{
		ID:        r.ID,
		Name:      r.Name,
		Topic:     r.Topic,
		Capacity:  r.Capacity,
		CreatorID: r.CreatorID,
	}
}
