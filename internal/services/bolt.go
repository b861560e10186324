package services

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/MegaGrindStone/horizon-web/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB is the local cache of settled conversations, kept in a BoltDB file. Conversation metadata
// lives in a single bucket keyed by conversation ID; the messages of each conversation live in their
// own bucket, keyed by a sequence number so they iterate in the order they were appended.
type BoltDB struct {
	db *bolt.DB
}

var conversationsBucket = []byte("conversations")

// NewBoltDB opens, or creates with 0600 permissions, the database file at path and makes sure the
// required buckets exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(conversationsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, fmt.Errorf("failed to create buckets: %w", err)
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func messageBucketName(conversationID string) []byte {
	return []byte("conversation-" + conversationID)
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// Conversations lists the cached conversations, most recently updated first, as rows shaped like the
// backend's listing.
func (b BoltDB) Conversations(context.Context) ([]models.Summary, error) {
	type row struct {
		summary     models.Summary
		lastUpdated time.Time
	}

	var rows []row
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(conversationsBucket)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(_, v []byte) error {
			var conv models.Conversation
			if err := json.Unmarshal(v, &conv); err != nil {
				return fmt.Errorf("failed to unmarshal conversation: %w", err)
			}
			r := row{
				summary:     models.Summary{ID: conv.ID, Title: conv.Title},
				lastUpdated: conv.LastUpdated,
			}
			if msgs := tx.Bucket(messageBucketName(conv.ID)); msgs != nil {
				r.summary.NumMessages = msgs.Stats().KeyN
			}
			rows = append(rows, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(rows, func(a, b row) int {
		return b.lastUpdated.Compare(a.lastUpdated)
	})

	summaries := make([]models.Summary, len(rows))
	for i, r := range rows {
		summaries[i] = r.summary
	}
	return summaries, nil
}

// Conversation returns the cached conversation with the given ID together with its messages. An
// unknown ID yields an empty conversation and no error.
func (b BoltDB) Conversation(_ context.Context, id string) (models.Conversation, error) {
	var conv models.Conversation
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(conversationsBucket)
		if bucket == nil {
			return nil
		}
		v := bucket.Get([]byte(id))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &conv); err != nil {
			return fmt.Errorf("failed to unmarshal conversation: %w", err)
		}

		msgs := tx.Bucket(messageBucketName(id))
		if msgs == nil {
			return nil
		}
		return msgs.ForEach(func(_, v []byte) error {
			var msg models.Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			if !msg.Role.Valid() {
				return fmt.Errorf("message %s has unknown role %q", msg.ID, msg.Role)
			}
			conv.Messages = append(conv.Messages, msg)
			return nil
		})
	})
	if err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

// SaveConversation stores conv, replacing any messages cached for it before. An empty title keeps the
// one already stored, since titles are set separately by UpdateTitle.
func (b BoltDB) SaveConversation(_ context.Context, conv models.Conversation) error {
	if conv.ID == "" {
		return errors.New("conversation id is required")
	}
	for _, msg := range conv.Messages {
		if !msg.Role.Valid() {
			return fmt.Errorf("message %s has unknown role %q", msg.ID, msg.Role)
		}
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(conversationsBucket)
		if bucket == nil {
			return errors.New("conversations bucket is missing")
		}

		if conv.Title == "" {
			if v := bucket.Get([]byte(conv.ID)); v != nil {
				var stored models.Conversation
				if err := json.Unmarshal(v, &stored); err != nil {
					return fmt.Errorf("failed to unmarshal conversation: %w", err)
				}
				conv.Title = stored.Title
			}
		}

		name := messageBucketName(conv.ID)
		if tx.Bucket(name) != nil {
			if err := tx.DeleteBucket(name); err != nil {
				return fmt.Errorf("failed to delete message bucket: %w", err)
			}
		}
		msgs, err := tx.CreateBucket(name)
		if err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}
		for _, msg := range conv.Messages {
			seq, err := msgs.NextSequence()
			if err != nil {
				return fmt.Errorf("failed to get next sequence: %w", err)
			}
			v, err := json.Marshal(msg)
			if err != nil {
				return fmt.Errorf("failed to marshal message: %w", err)
			}
			if err := msgs.Put(sequenceKey(seq), v); err != nil {
				return err
			}
		}

		conv.Messages = nil
		v, err := json.Marshal(conv)
		if err != nil {
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}
		return bucket.Put([]byte(conv.ID), v)
	})
}

// UpdateTitle sets the title of a cached conversation. A conversation that is not cached yet is
// created without messages.
func (b BoltDB) UpdateTitle(_ context.Context, id, title string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(conversationsBucket)
		if bucket == nil {
			return errors.New("conversations bucket is missing")
		}

		conv := models.Conversation{ID: id}
		if v := bucket.Get([]byte(id)); v != nil {
			if err := json.Unmarshal(v, &conv); err != nil {
				return fmt.Errorf("failed to unmarshal conversation: %w", err)
			}
		}
		conv.Title = title

		v, err := json.Marshal(conv)
		if err != nil {
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}
		return bucket.Put([]byte(id), v)
	})
}

// DeleteConversation removes a conversation and its messages. Deleting an unknown ID is not an error.
func (b BoltDB) DeleteConversation(_ context.Context, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if bucket := tx.Bucket(conversationsBucket); bucket != nil {
			if err := bucket.Delete([]byte(id)); err != nil {
				return err
			}
		}
		name := messageBucketName(id)
		if tx.Bucket(name) == nil {
			return nil
		}
		return tx.DeleteBucket(name)
	})
}

// Clear removes every cached conversation.
func (b BoltDB) Clear(context.Context) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		var names [][]byte
		err := tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, slices.Clone(name))
			return nil
		})
		if err != nil {
			return err
		}
		for _, name := range names {
			if err := tx.DeleteBucket(name); err != nil {
				return fmt.Errorf("failed to delete bucket %s: %w", name, err)
			}
		}
		_, err = tx.CreateBucket(conversationsBucket)
		return err
	})
}
