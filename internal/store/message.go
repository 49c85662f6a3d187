package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexjbarnes/morse/internal/codec"
	apperrors "github.com/alexjbarnes/morse/internal/errors"
	bolt "go.etcd.io/bbolt"
)

// Status is the delivery state of a message.
type Status string

const (
	StatusPending  Status = "pending"
	StatusSent     Status = "sent"
	StatusFailed   Status = "failed"
	StatusReceived Status = "received"
	StatusRead     Status = "read"
)

// defaultPageSize applies when Messages is called without a limit.
const defaultPageSize = 50

// transitions lists the allowed status changes. Everything else is
// rejected with ErrInvalidStatus.
var transitions = map[Status][]Status{
	StatusPending:  {StatusSent, StatusFailed},
	StatusFailed:   {StatusPending},
	StatusReceived: {StatusRead},
}

func validTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}

	return false
}

func validStatus(s Status) bool {
	switch s {
	case StatusPending, StatusSent, StatusFailed, StatusReceived, StatusRead:
		return true
	}

	return false
}

// Message is a persisted message. Everything except Status is immutable
// once appended.
type Message struct {
	ID       string
	Channel  string
	Seq      uint64
	Incoming bool
	Author   string
	Date     time.Time
	Status   Status
	Content  codec.Content
}

// messageRecord is the stored form of a Message. Content is kept as the
// wire codec envelope.
type messageRecord struct {
	ID       string          `json:"id"`
	Channel  string          `json:"channel"`
	Seq      uint64          `json:"seq"`
	Incoming bool            `json:"incoming"`
	Author   string          `json:"author"`
	Date     time.Time       `json:"date"`
	Status   Status          `json:"status"`
	Content  json.RawMessage `json:"content"`
}

// messageRef locates a message from the id index.
type messageRef struct {
	Channel string `json:"channel"`
	Seq     uint64 `json:"seq"`
}

func unmarshalRecord(data []byte, rec *messageRecord) error {
	if err := json.Unmarshal(data, rec); err != nil {
		return fmt.Errorf("decoding message record: %w", err)
	}

	return nil
}

func (r messageRecord) message() (Message, error) {
	m, err := codec.Decode(r.Content)
	if err != nil {
		return Message{}, fmt.Errorf("decoding content of %s: %w", r.ID, err)
	}

	return Message{
		ID:       r.ID,
		Channel:  r.Channel,
		Seq:      r.Seq,
		Incoming: r.Incoming,
		Author:   r.Author,
		Date:     r.Date,
		Status:   r.Status,
		Content:  m.Content,
	}, nil
}

// SummaryOf is the channel summary a message produces when it is the
// last one appended.
func SummaryOf(m Message) (string, time.Time) {
	return codec.Summary(m.Content), m.Date
}

// idKey is the id index key of a message. Ids are chosen by their
// author, so two authors may use the same id.
func idKey(author, id string) []byte {
	return []byte(author + "\x00" + id)
}

// AppendMessage appends msg to the channel and updates the channel
// summary and unread count in the same transaction. If the author already
// has a message with the same id, nothing is written and the existing
// message is returned with an error matching ErrExists.
func (s *Store) AppendMessage(handle, channel string, msg Message) (Message, error) {
	if msg.ID == "" {
		return Message{}, storageErr("append message", fmt.Errorf("empty message id"))
	}
	if msg.Content == nil {
		return Message{}, storageErr("append message", fmt.Errorf("message %s has no content", msg.ID))
	}
	if !validStatus(msg.Status) {
		return Message{}, storageErr("append message", fmt.Errorf("%w: %q", apperrors.ErrInvalidStatus, msg.Status))
	}
	if msg.Date.IsZero() {
		msg.Date = time.Now().UTC()
	}

	content, err := codec.Encode(codec.Message{ID: msg.ID, Content: msg.Content})
	if err != nil {
		return Message{}, storageErr("append message", err)
	}

	var out Message

	err = s.db.Update(func(tx *bolt.Tx) error {
		cb, err := channelBucket(tx, handle, channel)
		if err != nil {
			return err
		}

		ab := tx.Bucket(accountsBucket).Bucket([]byte(handle))
		ids := ab.Bucket(messageIDsBucket)

		if existing := ids.Get(idKey(msg.Author, msg.ID)); existing != nil {
			if out, err = loadByRef(ab, existing); err != nil {
				return err
			}
			return fmt.Errorf("%w: message %s from %q", apperrors.ErrExists, msg.ID, msg.Author)
		}

		msgs := cb.Bucket(messagesBucket)

		seq, err := msgs.NextSequence()
		if err != nil {
			return err
		}

		rec := messageRecord{
			ID:       msg.ID,
			Channel:  channel,
			Seq:      seq,
			Incoming: msg.Incoming,
			Author:   msg.Author,
			Date:     msg.Date,
			Status:   msg.Status,
			Content:  content,
		}
		if err := putJSON(msgs, seqKey(seq), rec); err != nil {
			return err
		}

		if err := putJSON(ids, idKey(msg.Author, msg.ID), messageRef{Channel: channel, Seq: seq}); err != nil {
			return err
		}

		var ch Channel
		if _, err := getJSON(cb, metaKey, &ch); err != nil {
			return err
		}

		msg.Channel = channel
		msg.Seq = seq
		ch.LastMessageBody, ch.LastMessageDate = SummaryOf(msg)
		if msg.Incoming && msg.Status == StatusReceived {
			ch.UnreadCount++
		}

		if err := putJSON(cb, metaKey, ch); err != nil {
			return err
		}

		out = msg

		return nil
	})

	if err != nil && out.ID == "" {
		return Message{}, storageErr("append message", err)
	}
	return out, storageErr("append message", err)
}

func loadByRef(ab *bolt.Bucket, rawRef []byte) (Message, error) {
	var ref messageRef
	if err := json.Unmarshal(rawRef, &ref); err != nil {
		return Message{}, fmt.Errorf("decoding message ref: %w", err)
	}

	cb := ab.Bucket(channelsBucket).Bucket([]byte(ref.Channel))
	if cb == nil {
		return Message{}, notFound("channel", ref.Channel)
	}

	data := cb.Bucket(messagesBucket).Get(seqKey(ref.Seq))
	if data == nil {
		return Message{}, notFound("message", fmt.Sprintf("%s#%d", ref.Channel, ref.Seq))
	}

	var rec messageRecord
	if err := unmarshalRecord(data, &rec); err != nil {
		return Message{}, err
	}

	return rec.message()
}

// Message returns the message author sent with id.
func (s *Store) Message(handle, author, id string) (Message, error) {
	var out Message

	err := s.db.View(func(tx *bolt.Tx) error {
		ab, err := accountBucket(tx, handle)
		if err != nil {
			return err
		}

		ref := ab.Bucket(messageIDsBucket).Get(idKey(author, id))
		if ref == nil {
			return notFound("message", id)
		}

		out, err = loadByRef(ab, ref)

		return err
	})

	return out, storageErr("get message", err)
}

// UpdateMessageStatus changes the status of the message author sent with
// id. Only the transitions pending to sent or failed, failed to pending,
// and received to read are allowed.
func (s *Store) UpdateMessageStatus(handle, author, id string, status Status) (Message, error) {
	var out Message

	err := s.db.Update(func(tx *bolt.Tx) error {
		ab, err := accountBucket(tx, handle)
		if err != nil {
			return err
		}

		rawRef := ab.Bucket(messageIDsBucket).Get(idKey(author, id))
		if rawRef == nil {
			return notFound("message", id)
		}

		var ref messageRef
		if err := json.Unmarshal(rawRef, &ref); err != nil {
			return fmt.Errorf("decoding message ref: %w", err)
		}

		cb := ab.Bucket(channelsBucket).Bucket([]byte(ref.Channel))
		if cb == nil {
			return notFound("channel", ref.Channel)
		}

		msgs := cb.Bucket(messagesBucket)

		var rec messageRecord
		found, err := getJSON(msgs, seqKey(ref.Seq), &rec)
		if err != nil {
			return err
		}
		if !found {
			return notFound("message", id)
		}

		if !validTransition(rec.Status, status) {
			return fmt.Errorf("%w: %s to %s", apperrors.ErrInvalidStatus, rec.Status, status)
		}

		rec.Status = status
		if err := putJSON(msgs, seqKey(ref.Seq), rec); err != nil {
			return err
		}

		if status == StatusRead {
			var ch Channel
			if _, err := getJSON(cb, metaKey, &ch); err != nil {
				return err
			}

			if ch.UnreadCount > 0 {
				ch.UnreadCount--
			}

			if err := putJSON(cb, metaKey, ch); err != nil {
				return err
			}
		}

		out, err = rec.message()

		return err
	})

	return out, storageErr("update message status", err)
}

// Messages returns up to limit messages older than beforeSeq, oldest
// first. A beforeSeq of zero pages from the tail.
func (s *Store) Messages(handle, channel string, beforeSeq uint64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}

	var out []Message

	err := s.db.View(func(tx *bolt.Tx) error {
		cb, err := channelBucket(tx, handle, channel)
		if err != nil {
			return err
		}

		c := cb.Bucket(messagesBucket).Cursor()

		var k, v []byte
		if beforeSeq == 0 {
			k, v = c.Last()
		} else {
			k, _ = c.Seek(seqKey(beforeSeq))
			if k == nil {
				k, v = c.Last()
			} else {
				k, v = c.Prev()
			}
		}

		for ; k != nil && len(out) < limit; k, v = c.Prev() {
			var rec messageRecord
			if err := unmarshalRecord(v, &rec); err != nil {
				return err
			}

			m, err := rec.message()
			if err != nil {
				return err
			}

			out = append(out, m)
		}

		return nil
	})
	if err != nil {
		return nil, storageErr("list messages", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}

	return out, nil
}
