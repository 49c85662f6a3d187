package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/morse/internal/codec"
	"github.com/alexjbarnes/morse/internal/crypto"
	apperrors "github.com/alexjbarnes/morse/internal/errors"
	"github.com/alexjbarnes/morse/internal/media"
	"github.com/alexjbarnes/morse/internal/store"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Session is one signed-in account: its crypto state, media cache and
// relay connection. Every operation on the account goes through it.
type Session struct {
	o       *Orchestrator
	account store.Account
	crypto  *crypto.Session
	media   *media.Manager
	conn    Conn
	logger  *slog.Logger

	deliveries sync.WaitGroup

	mu        sync.Mutex
	loggedOut bool
}

// Handle returns the account handle.
func (s *Session) Handle() string { return s.account.Handle }

// Account returns the account record as of sign-in.
func (s *Session) Account() store.Account { return s.account }

// Store returns the shared store.
func (s *Session) Store() *store.Store { return s.o.deps.Store }

// Media returns the session's media manager.
func (s *Session) Media() *media.Manager { return s.media }

func (s *Session) checkLive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loggedOut {
		return apperrors.ErrLoggedOut
	}
	return nil
}

// Run keeps the relay connection up, stores inbound messages and watches
// the media cache until ctx is cancelled or the session logs out.
func (s *Session) Run(ctx context.Context) error {
	if s.conn == nil {
		return fmt.Errorf("session %s has no connection", s.Handle())
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.conn.Run(ctx) })
	g.Go(func() error { return s.receive(ctx) })
	g.Go(func() error { return s.media.Watch(ctx) })

	err := g.Wait()
	if errors.Is(err, apperrors.ErrLoggedOut) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Session) receive(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in := <-s.conn.Inbound():
			if _, err := s.HandleInbound(ctx, in); err != nil {
				s.logger.Error("storing inbound message",
					slog.String("from", in.From),
					slog.String("error", err.Error()))
			}
		}
	}
}

// Logout stops the connection, discards queued sends, waits for pending
// delivery updates and wipes the crypto state. The account data stays.
// The current account is cleared only if it is this session's.
func (s *Session) Logout() error {
	s.mu.Lock()
	if s.loggedOut {
		s.mu.Unlock()
		return nil
	}
	s.loggedOut = true
	s.mu.Unlock()

	if s.conn != nil {
		s.conn.Logout()
	}
	s.deliveries.Wait()
	s.crypto.Wipe()

	cur, err := s.Store().CurrentAccount()
	switch {
	case err == nil && cur.Handle == s.Handle():
		if err := s.Store().ClearCurrentAccount(); err != nil {
			return err
		}
	case err != nil && !errors.Is(err, apperrors.ErrNoCurrentAccount):
		return err
	}
	s.logger.Info("session ended")
	return nil
}

// StartChat opens the one-to-one channel with peer, verifying the peer's
// card first. With the ratchet enabled, first contact starts a ratchet
// session.
func (s *Session) StartChat(ctx context.Context, peer string) (store.Channel, error) {
	if err := s.checkLive(); err != nil {
		return store.Channel{}, err
	}

	pc, err := s.crypto.LookupPeer(ctx, peer)
	if err != nil {
		return store.Channel{}, err
	}
	if pc.Handle == s.Handle() {
		return store.Channel{}, fmt.Errorf("cannot start a chat with yourself")
	}

	ch, err := s.Store().GetOrCreateChannel(s.Handle(), pc.Handle, store.ChannelSingle, nil)
	if err != nil {
		return store.Channel{}, err
	}

	s.ensureRatchet(ctx, pc.Handle)
	return ch, nil
}

func (s *Session) ensureRatchet(ctx context.Context, peer string) {
	if !s.o.cfg.RatchetEnabled || s.crypto.HasRatchet(peer) {
		return
	}
	if err := s.crypto.RotateSession(ctx, peer); err != nil {
		s.logger.Warn("ratchet not started, falling back to one-shot encryption",
			slog.String("peer", peer),
			slog.String("error", err.Error()))
	}
}

// groupPrefix namespaces group channels. Handles cannot contain ':', so
// a group channel never shares a name with a one-to-one channel.
const groupPrefix = "group:"

// maxGroupIDLen bounds group ids received from peers.
const maxGroupIDLen = 64

func groupChannelName(id string) string { return groupPrefix + id }

func groupID(channel string) string { return strings.TrimPrefix(channel, groupPrefix) }

// CreateGroup creates a group channel titled title with members plus the
// local account. Every member's card must resolve. The channel is named
// after a fresh group id, which every member files the group under.
func (s *Session) CreateGroup(ctx context.Context, title string, members []string) (store.Channel, error) {
	if err := s.checkLive(); err != nil {
		return store.Channel{}, err
	}
	if title == "" {
		return store.Channel{}, fmt.Errorf("group name is required")
	}

	all := []string{s.Handle()}
	for _, m := range members {
		pc, err := s.crypto.LookupPeer(ctx, m)
		if err != nil {
			return store.Channel{}, err
		}
		all = append(all, pc.Handle)
	}
	slices.Sort(all)
	all = slices.Compact(all)
	if len(all) < 2 {
		return store.Channel{}, fmt.Errorf("group needs at least one other member")
	}

	return s.Store().CreateChannel(s.Handle(), store.Channel{
		Name:    groupChannelName(uuid.NewString()),
		Type:    store.ChannelGroup,
		Title:   title,
		Members: all,
	})
}

// RekeyGroup makes the next message to the group carry a fresh key.
func (s *Session) RekeyGroup(name string) error {
	ch, err := s.group(name)
	if err != nil {
		return err
	}
	return s.crypto.RekeyGroup(s.recipients(ch))
}

// AddMembers adds handles to a group. The group is rekeyed and the change
// is announced to the new membership.
func (s *Session) AddMembers(ctx context.Context, name string, handles []string) (store.Channel, error) {
	if err := s.checkLive(); err != nil {
		return store.Channel{}, err
	}

	ch, err := s.group(name)
	if err != nil {
		return store.Channel{}, err
	}

	members := slices.Clone(ch.Members)
	var added []string
	for _, h := range handles {
		pc, err := s.crypto.LookupPeer(ctx, h)
		if err != nil {
			return store.Channel{}, err
		}
		if !slices.Contains(members, pc.Handle) {
			members = append(members, pc.Handle)
			added = append(added, pc.Handle)
		}
	}
	if len(added) == 0 {
		return ch, nil
	}

	return s.changeMembers(ctx, ch, members, codec.GroupUpdate{Added: added})
}

// RemoveMembers removes handles from a group. Removed members get no key
// for anything sent afterwards. The local account cannot remove itself.
func (s *Session) RemoveMembers(ctx context.Context, name string, handles []string) (store.Channel, error) {
	if err := s.checkLive(); err != nil {
		return store.Channel{}, err
	}

	ch, err := s.group(name)
	if err != nil {
		return store.Channel{}, err
	}

	members := slices.Clone(ch.Members)
	var removed []string
	for _, h := range handles {
		handle, err := crypto.NormalizeHandle(h)
		if err != nil {
			return store.Channel{}, err
		}
		if handle == s.Handle() {
			return store.Channel{}, fmt.Errorf("cannot remove yourself from %q", name)
		}
		if i := slices.Index(members, handle); i >= 0 {
			members = slices.Delete(members, i, i+1)
			removed = append(removed, handle)
		}
	}
	if len(removed) == 0 {
		return ch, nil
	}
	if len(members) < 2 {
		return store.Channel{}, fmt.Errorf("group %q needs at least one other member", name)
	}

	return s.changeMembers(ctx, ch, members, codec.GroupUpdate{Removed: removed})
}

// changeMembers stores the new membership, discards the keys of both the
// old and new membership and sends the announcement. The announcement
// carries the new membership to every remaining member.
func (s *Session) changeMembers(ctx context.Context, ch store.Channel, members []string, update codec.GroupUpdate) (store.Channel, error) {
	slices.Sort(members)
	before := s.recipients(ch)

	ch, err := s.Store().SetChannelMembers(s.Handle(), ch.Name, "", members)
	if err != nil {
		return store.Channel{}, err
	}

	if err := s.crypto.RekeyGroup(before); err != nil {
		return ch, err
	}
	if err := s.crypto.RekeyGroup(s.recipients(ch)); err != nil {
		return ch, err
	}

	s.logger.Info("group membership changed",
		slog.String("group", ch.Name),
		slog.Int("added", len(update.Added)),
		slog.Int("removed", len(update.Removed)))

	if _, err := s.send(ctx, ch.Name, update); err != nil {
		return ch, err
	}
	return ch, nil
}

func (s *Session) group(name string) (store.Channel, error) {
	ch, err := s.Store().Channel(s.Handle(), name)
	if err != nil {
		return store.Channel{}, err
	}
	if ch.Type != store.ChannelGroup {
		return store.Channel{}, fmt.Errorf("channel %q is not a group", name)
	}
	return ch, nil
}

// recipients lists the handles a message to ch is encrypted for.
func (s *Session) recipients(ch store.Channel) []string {
	if ch.Type != store.ChannelGroup {
		return []string{ch.Name}
	}
	out := make([]string, 0, len(ch.Members))
	for _, m := range ch.Members {
		if m != s.Handle() {
			out = append(out, m)
		}
	}
	return out
}

// SendText sends a text message to channel.
func (s *Session) SendText(ctx context.Context, channel, body string) (store.Message, error) {
	return s.send(ctx, channel, codec.Text{Body: body})
}

// SendMedia encrypts and uploads a photo or voice clip, then sends the
// message that references it. duration applies to voice clips only.
func (s *Session) SendMedia(ctx context.Context, channel string, kind media.Kind, plaintext []byte, duration float64) (store.Message, error) {
	if err := s.checkLive(); err != nil {
		return store.Message{}, err
	}
	if s.o.cfg.MediaUploadURL == "" {
		return store.Message{}, fmt.Errorf("media upload is not configured")
	}

	blob, err := s.media.Prepare(kind, plaintext)
	if err != nil {
		return store.Message{}, err
	}

	dest, err := url.JoinPath(s.o.cfg.MediaUploadURL, string(kind), blob.Hash)
	if err != nil {
		return store.Message{}, fmt.Errorf("building upload URL: %w", err)
	}

	res, err := s.media.Upload(ctx, blob, dest).Wait(ctx)
	if err != nil {
		return store.Message{}, err
	}

	var content codec.Content
	switch kind {
	case media.KindPhoto:
		content = codec.Photo{Identifier: blob.Hash, URL: res.URL, Secret: blob.Secret}
	case media.KindVoice:
		content = codec.Voice{Identifier: blob.Hash, Duration: duration, URL: res.URL, Secret: blob.Secret}
	default:
		return store.Message{}, fmt.Errorf("unknown media kind %q", kind)
	}

	return s.send(ctx, channel, content)
}

// DownloadMedia fetches the blob a photo or voice message references.
func (s *Session) DownloadMedia(ctx context.Context, m store.Message) (*media.Transfer, error) {
	var ref media.Ref
	switch c := m.Content.(type) {
	case codec.Photo:
		ref = media.Ref{Kind: media.KindPhoto, Hash: c.Identifier, URL: c.URL, Secret: c.Secret}
	case codec.Voice:
		ref = media.Ref{Kind: media.KindVoice, Hash: c.Identifier, URL: c.URL, Secret: c.Secret}
	default:
		return nil, fmt.Errorf("message %s has no media", m.ID)
	}
	return s.media.Download(ctx, ref), nil
}

// SendCall sends call signaling to peer. Offers, answers and updates are
// recorded in the peer's channel; ICE candidates are only transmitted.
func (s *Session) SendCall(ctx context.Context, peer string, c codec.Content) error {
	if !codec.IsCallSignal(c) {
		return fmt.Errorf("%s is not call signaling", c.Type())
	}

	ch, err := s.StartChat(ctx, peer)
	if err != nil {
		return err
	}

	if _, ok := c.(codec.IceCandidate); ok {
		_, err := s.transmit(ctx, ch, uuid.NewString(), c, s.o.now())
		return err
	}

	_, err = s.send(ctx, ch.Name, c)
	return err
}

// RetrySend resends a failed outgoing message. Ids are looked up among
// the account's own messages, so a received message is not found.
func (s *Session) RetrySend(ctx context.Context, id string) (store.Message, error) {
	if err := s.checkLive(); err != nil {
		return store.Message{}, err
	}

	m, err := s.Store().UpdateMessageStatus(s.Handle(), s.Handle(), id, store.StatusPending)
	if err != nil {
		return store.Message{}, err
	}

	ch, err := s.Store().Channel(s.Handle(), m.Channel)
	if err != nil {
		return store.Message{}, err
	}
	return s.dispatch(ctx, ch, m)
}

// send stores content as a pending outgoing message, then transmits it.
// A message that cannot be transmitted is marked failed and can be
// retried with RetrySend.
func (s *Session) send(ctx context.Context, channel string, content codec.Content) (store.Message, error) {
	if err := s.checkLive(); err != nil {
		return store.Message{}, err
	}

	ch, err := s.Store().Channel(s.Handle(), channel)
	if err != nil {
		return store.Message{}, err
	}

	m, err := s.Store().AppendMessage(s.Handle(), ch.Name, store.Message{
		ID:      uuid.NewString(),
		Author:  s.Handle(),
		Date:    s.o.now(),
		Status:  store.StatusPending,
		Content: content,
	})
	if err != nil {
		return store.Message{}, err
	}

	return s.dispatch(ctx, ch, m)
}

func (s *Session) dispatch(ctx context.Context, ch store.Channel, m store.Message) (store.Message, error) {
	if ch.Type == store.ChannelSingle {
		s.ensureRatchet(ctx, ch.Name)
	}

	dones, err := s.transmit(ctx, ch, m.ID, m.Content, m.Date)
	if err != nil {
		s.logger.Warn("send failed", slog.String("id", m.ID), slog.String("error", err.Error()))
		failed, uerr := s.Store().UpdateMessageStatus(s.Handle(), s.Handle(), m.ID, store.StatusFailed)
		if uerr != nil {
			return m, errors.Join(err, uerr)
		}
		return failed, err
	}

	s.mu.Lock()
	if s.loggedOut {
		s.mu.Unlock()
		failed, uerr := s.Store().UpdateMessageStatus(s.Handle(), s.Handle(), m.ID, store.StatusFailed)
		return failed, errors.Join(apperrors.ErrLoggedOut, uerr)
	}
	s.deliveries.Add(1)
	s.mu.Unlock()

	go s.awaitDelivery(m.ID, dones)
	return m, nil
}

// transmit encrypts content for the channel's recipients and queues one
// stanza per recipient.
func (s *Session) transmit(ctx context.Context, ch store.Channel, id string, content codec.Content, date time.Time) ([]<-chan error, error) {
	if s.conn == nil {
		return nil, fmt.Errorf("%w: no connection", apperrors.ErrTransport)
	}

	msg := codec.Message{ID: id, Content: content}
	if ch.Type == store.ChannelGroup {
		msg.Group = &codec.GroupRef{ID: groupID(ch.Name), Name: ch.Title, Members: ch.Members}
	}

	payload, err := codec.Encode(msg)
	if err != nil {
		return nil, err
	}

	peers := s.recipients(ch)
	ct, err := s.crypto.EncryptFor(ctx, peers, payload)
	if err != nil {
		return nil, err
	}

	body, err := codec.EncryptedMessage{Ciphertext: ct, Date: date}.Export()
	if err != nil {
		return nil, err
	}

	dones := make([]<-chan error, 0, len(peers))
	for _, p := range peers {
		dones = append(dones, s.conn.Send(p, id, body))
	}
	return dones, nil
}

// awaitDelivery marks the message sent once every stanza is written, or
// failed if any was discarded.
func (s *Session) awaitDelivery(id string, dones []<-chan error) {
	defer s.deliveries.Done()

	var errs []error
	for _, d := range dones {
		if err := <-d; err != nil {
			errs = append(errs, err)
		}
	}

	status := store.StatusSent
	if len(errs) > 0 {
		status = store.StatusFailed
		s.logger.Warn("message not delivered", slog.String("id", id), slog.String("error", errors.Join(errs...).Error()))
	}

	if _, err := s.Store().UpdateMessageStatus(s.Handle(), s.Handle(), id, status); err != nil {
		s.logger.Error("updating message status",
			slog.String("id", id),
			slog.String("status", string(status)),
			slog.String("error", err.Error()))
	}
}

// MarkRead marks every received message in channel as read.
func (s *Session) MarkRead(channel string) error {
	return s.Store().MarkChannelRead(s.Handle(), channel)
}

// Channels lists the account's channels in creation order.
func (s *Session) Channels() ([]store.Channel, error) {
	return s.Store().Channels(s.Handle())
}

// Messages returns up to limit messages of channel older than beforeSeq,
// oldest first. Zero beforeSeq starts from the newest.
func (s *Session) Messages(channel string, beforeSeq uint64, limit int) ([]store.Message, error) {
	return s.Store().Messages(s.Handle(), channel, beforeSeq, limit)
}
