package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/alexjbarnes/morse/internal/codec"
	"github.com/alexjbarnes/morse/internal/crypto"
	apperrors "github.com/alexjbarnes/morse/internal/errors"
	"github.com/alexjbarnes/morse/internal/store"
	"github.com/alexjbarnes/morse/internal/transport"
	"github.com/google/uuid"
)

// Placeholder bodies stored in place of content that could not be read.
const (
	UndecryptableBody = "Message could not be decrypted"
	CorruptedBody     = "Corrupted Message"
)

// errGroupRejected marks group metadata this account will not act on.
var errGroupRejected = errors.New("group rejected")

// HandleInbound stores one message received from the relay. Messages
// that fail to decrypt or decode are stored as placeholder text with
// status failed in the sender's channel, so one bad message never stalls
// its channel. ICE candidates are forwarded to CallSignals without being
// stored, in which case the returned Message is zero. A redelivered
// message returns the stored copy and is not notified again. Only storage
// failures are returned.
func (s *Session) HandleInbound(ctx context.Context, in transport.Inbound) (store.Message, error) {
	if err := s.checkLive(); err != nil {
		return store.Message{}, err
	}

	from, err := crypto.NormalizeHandle(in.From)
	if err != nil {
		s.logger.Warn("dropping message from invalid handle", slog.String("from", in.From))
		return store.Message{}, nil
	}

	date := in.Date
	if date.IsZero() {
		date = s.o.now()
	}

	enc, err := codec.ImportEncrypted(in.Body)
	if err != nil {
		return s.placeholder(from, in.ID, date, CorruptedBody, err)
	}
	if !enc.Date.IsZero() {
		date = enc.Date
	}

	plaintext, err := s.crypto.DecryptFrom(ctx, from, enc.Ciphertext)
	if err != nil {
		return s.placeholder(from, in.ID, date, UndecryptableBody, err)
	}

	msg, err := codec.Decode(plaintext)
	if err != nil {
		return s.placeholder(from, in.ID, date, CorruptedBody, err)
	}

	if codec.IsCallSignal(msg.Content) {
		if s.o.deps.Calls != nil {
			s.o.deps.Calls.HandleCallSignal(from, msg.Content)
		}
		if _, ok := msg.Content.(codec.IceCandidate); ok {
			return store.Message{}, nil
		}
	}

	ch, err := s.inboundChannel(from, msg.Group)
	if errors.Is(err, errGroupRejected) {
		return s.placeholder(from, in.ID, date, CorruptedBody, err)
	}
	if err != nil {
		return store.Message{}, err
	}

	id := firstNonEmpty(msg.ID, in.ID)
	return s.storeInbound(ch, store.Message{
		ID:       id,
		Incoming: true,
		Author:   from,
		Date:     date,
		Status:   store.StatusReceived,
		Content:  msg.Content,
	})
}

// inboundChannel returns the channel a message belongs to, creating it
// on first contact. Group messages are filed by group id. The sender must
// be in both the announced and the stored membership, and the announced
// membership must include this account.
func (s *Session) inboundChannel(from string, group *codec.GroupRef) (store.Channel, error) {
	if group == nil {
		return s.Store().GetOrCreateChannel(s.Handle(), from, store.ChannelSingle, nil)
	}

	if len(group.ID) > maxGroupIDLen {
		return store.Channel{}, fmt.Errorf("%w: group id too long", errGroupRejected)
	}

	members := make([]string, 0, len(group.Members))
	for _, m := range group.Members {
		h, err := crypto.NormalizeHandle(m)
		if err != nil {
			return store.Channel{}, fmt.Errorf("%w: %v", errGroupRejected, err)
		}
		members = append(members, h)
	}
	slices.Sort(members)
	members = slices.Compact(members)
	if !slices.Contains(members, from) || !slices.Contains(members, s.Handle()) {
		return store.Channel{}, fmt.Errorf("%w: membership excludes sender or recipient", errGroupRejected)
	}

	name := groupChannelName(group.ID)
	ch, err := s.Store().Channel(s.Handle(), name)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		return s.Store().CreateChannel(s.Handle(), store.Channel{
			Name:    name,
			Type:    store.ChannelGroup,
			Title:   firstNonEmpty(group.Name, group.ID),
			Members: members,
		})
	case err != nil:
		return store.Channel{}, err
	}

	if ch.Type != store.ChannelGroup {
		return store.Channel{}, fmt.Errorf("%w: %q is not a group", errGroupRejected, name)
	}
	if !slices.Contains(ch.Members, from) {
		return store.Channel{}, fmt.Errorf("%w: %s is not a member of %q", errGroupRejected, from, name)
	}

	if !slices.Equal(ch.Members, members) || (group.Name != "" && group.Name != ch.Title) {
		ch, err = s.Store().SetChannelMembers(s.Handle(), name, group.Name, members)
		if err != nil {
			return store.Channel{}, err
		}
		s.logger.Info("group membership updated",
			slog.String("group", name),
			slog.String("from", from),
			slog.Int("members", len(members)))
	}
	return ch, nil
}

// placeholder stores a failed message in the sender's one-to-one channel.
func (s *Session) placeholder(from, id string, date time.Time, body string, cause error) (store.Message, error) {
	ch, err := s.Store().GetOrCreateChannel(s.Handle(), from, store.ChannelSingle, nil)
	if err != nil {
		return store.Message{}, err
	}

	attrs := []any{
		slog.String("from", from),
		slog.String("channel", ch.Name),
		slog.String("error", cause.Error()),
	}
	switch {
	case errors.Is(cause, apperrors.ErrDecrypt):
		s.logger.Warn("inbound message could not be decrypted", attrs...)
	case errors.Is(cause, errGroupRejected):
		s.logger.Warn("inbound group message rejected", attrs...)
	default:
		s.logger.Warn("inbound message could not be decoded", attrs...)
	}

	return s.storeInbound(ch, store.Message{
		ID:       firstNonEmpty(id, uuid.NewString()),
		Incoming: true,
		Author:   from,
		Date:     date,
		Status:   store.StatusFailed,
		Content:  codec.Text{Body: body},
	})
}

func (s *Session) storeInbound(ch store.Channel, m store.Message) (store.Message, error) {
	stored, err := s.Store().AppendMessage(s.Handle(), ch.Name, m)
	if errors.Is(err, apperrors.ErrExists) {
		s.logger.Debug("duplicate message ignored",
			slog.String("from", m.Author),
			slog.String("id", m.ID))
		return stored, nil
	}
	if err != nil {
		return store.Message{}, err
	}

	if s.o.deps.Notifier != nil {
		if fresh, err := s.Store().Channel(s.Handle(), ch.Name); err == nil {
			ch = fresh
		}
		s.o.deps.Notifier.MessageReceived(s.Handle(), ch, stored)
	}
	return stored, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
