package store

import (
	"errors"
	"fmt"
	"sort"
	"time"

	apperrors "github.com/alexjbarnes/morse/internal/errors"
	bolt "go.etcd.io/bbolt"
)

// ChannelType distinguishes one-to-one from group conversations.
type ChannelType string

const (
	ChannelSingle ChannelType = "single"
	ChannelGroup  ChannelType = "group"
)

// Channel is one conversation within an account. LastMessageBody,
// LastMessageDate and UnreadCount are maintained by AppendMessage. Title
// is the display name of a group; one-to-one channels leave it empty.
type Channel struct {
	Name            string      `json:"name"`
	Type            ChannelType `json:"type"`
	Title           string      `json:"title,omitempty"`
	Members         []string    `json:"members,omitempty"`
	Seq             uint64      `json:"seq"`
	CreatedAt       time.Time   `json:"created_at"`
	LastMessageBody string      `json:"last_message_body"`
	LastMessageDate time.Time   `json:"last_message_date"`
	UnreadCount     int         `json:"unread_count"`
}

// GetOrCreateChannel returns the named channel, creating it when absent.
// members only apply on creation. An existing channel of a different type
// is an ErrExists error.
func (s *Store) GetOrCreateChannel(handle, name string, typ ChannelType, members []string) (Channel, error) {
	return s.CreateChannel(handle, Channel{Name: name, Type: typ, Members: members})
}

// CreateChannel is GetOrCreateChannel taking the whole channel, so a
// group's title can be set on creation.
func (s *Store) CreateChannel(handle string, want Channel) (Channel, error) {
	name := want.Name
	if name == "" {
		return Channel{}, storageErr("get or create channel", fmt.Errorf("empty channel name"))
	}

	var ch Channel

	err := s.db.Update(func(tx *bolt.Tx) error {
		ab, err := accountBucket(tx, handle)
		if err != nil {
			return err
		}

		channels := ab.Bucket(channelsBucket)
		if cb := channels.Bucket([]byte(name)); cb != nil {
			if _, err := getJSON(cb, metaKey, &ch); err != nil {
				return err
			}
			if ch.Type != want.Type {
				existing := ch.Type
				ch = Channel{}
				return fmt.Errorf("%w: channel %q is %s, not %s", apperrors.ErrExists, name, existing, want.Type)
			}
			return nil
		}

		seq, err := channels.NextSequence()
		if err != nil {
			return err
		}

		cb, err := channels.CreateBucket([]byte(name))
		if err != nil {
			return err
		}

		if _, err := cb.CreateBucket(messagesBucket); err != nil {
			return err
		}

		ch = Channel{
			Name:      name,
			Type:      want.Type,
			Title:     want.Title,
			Members:   append([]string(nil), want.Members...),
			Seq:       seq,
			CreatedAt: time.Now().UTC(),
		}

		return putJSON(cb, metaKey, ch)
	})

	return ch, storageErr("get or create channel", err)
}

// SetChannelMembers replaces the membership of a group channel and
// returns the updated channel. A non-empty title replaces the old one.
func (s *Store) SetChannelMembers(handle, name, title string, members []string) (Channel, error) {
	var ch Channel

	err := s.db.Update(func(tx *bolt.Tx) error {
		cb, err := channelBucket(tx, handle, name)
		if err != nil {
			return err
		}

		if _, err := getJSON(cb, metaKey, &ch); err != nil {
			return err
		}
		if ch.Type != ChannelGroup {
			return fmt.Errorf("channel %q is not a group", name)
		}
		if len(members) < 2 {
			return fmt.Errorf("group %q needs at least two members", name)
		}

		ch.Members = append([]string(nil), members...)
		if title != "" {
			ch.Title = title
		}

		return putJSON(cb, metaKey, ch)
	})

	return ch, storageErr("set channel members", err)
}

// Channel returns the named channel.
func (s *Store) Channel(handle, name string) (Channel, error) {
	var ch Channel

	err := s.db.View(func(tx *bolt.Tx) error {
		cb, err := channelBucket(tx, handle, name)
		if err != nil {
			return err
		}

		_, err = getJSON(cb, metaKey, &ch)

		return err
	})

	return ch, storageErr("get channel", err)
}

// Channels returns the account's channels in creation order.
func (s *Store) Channels(handle string) ([]Channel, error) {
	var out []Channel

	err := s.db.View(func(tx *bolt.Tx) error {
		ab, err := accountBucket(tx, handle)
		if err != nil {
			return err
		}

		channels := ab.Bucket(channelsBucket)

		return channels.ForEachBucket(func(k []byte) error {
			var ch Channel
			if _, err := getJSON(channels.Bucket(k), metaKey, &ch); err != nil {
				return err
			}

			out = append(out, ch)

			return nil
		})
	})
	if err != nil {
		return nil, storageErr("list channels", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })

	return out, nil
}

// DeleteChannel removes a channel, its messages and their id index entries.
func (s *Store) DeleteChannel(handle, name string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		ab, err := accountBucket(tx, handle)
		if err != nil {
			return err
		}

		channels := ab.Bucket(channelsBucket)

		cb := channels.Bucket([]byte(name))
		if cb == nil {
			return notFound("channel", name)
		}

		ids := ab.Bucket(messageIDsBucket)

		err = cb.Bucket(messagesBucket).ForEach(func(_, v []byte) error {
			var rec messageRecord
			if err := unmarshalRecord(v, &rec); err != nil {
				return err
			}

			return ids.Delete(idKey(rec.Author, rec.ID))
		})
		if err != nil {
			return err
		}

		if err := channels.DeleteBucket([]byte(name)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}

		return nil
	})

	return storageErr("delete channel", err)
}

// MarkChannelRead moves every received message in the channel to read and
// resets the unread count.
func (s *Store) MarkChannelRead(handle, name string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		cb, err := channelBucket(tx, handle, name)
		if err != nil {
			return err
		}

		var ch Channel
		if _, err := getJSON(cb, metaKey, &ch); err != nil {
			return err
		}

		if ch.UnreadCount == 0 {
			return nil
		}

		msgs := cb.Bucket(messagesBucket)
		c := msgs.Cursor()

		// UnreadCount equals the number of received messages, so the walk
		// from the tail stops once it is exhausted.
		var keys [][]byte
		var recs []messageRecord

		remaining := ch.UnreadCount
		for k, v := c.Last(); k != nil && remaining > 0; k, v = c.Prev() {
			var rec messageRecord
			if err := unmarshalRecord(v, &rec); err != nil {
				return err
			}

			if rec.Status != StatusReceived {
				continue
			}

			rec.Status = StatusRead
			keys = append(keys, append([]byte(nil), k...))
			recs = append(recs, rec)
			remaining--
		}

		for i, k := range keys {
			if err := putJSON(msgs, k, recs[i]); err != nil {
				return err
			}
		}

		ch.UnreadCount = 0

		return putJSON(cb, metaKey, ch)
	})

	return storageErr("mark channel read", err)
}
