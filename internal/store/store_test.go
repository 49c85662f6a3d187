package store

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/morse/internal/codec"
	apperrors "github.com/alexjbarnes/morse/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

const testHandle = "alice"

func withAccount(t *testing.T) *Store {
	t.Helper()
	s := testDB(t)
	require.NoError(t, s.CreateAccount(Account{Handle: testHandle, Card: []byte(`{}`), ColorIndex: 3}))
	return s
}

func textMsg(id, body string, incoming bool, at time.Time) Message {
	status := StatusPending
	if incoming {
		status = StatusReceived
	}
	return Message{ID: id, Incoming: incoming, Author: "bob", Date: at, Status: status, Content: codec.Text{Body: body}}
}

// assertSummary checks the channel summary against the last message.
func assertSummary(t *testing.T, s *Store, channel string) {
	t.Helper()

	ch, err := s.Channel(testHandle, channel)
	require.NoError(t, err)

	last, err := s.Messages(testHandle, channel, 0, 1)
	require.NoError(t, err)
	require.Len(t, last, 1)

	body, date := SummaryOf(last[0])
	assert.Equal(t, body, ch.LastMessageBody)
	assert.True(t, date.Equal(ch.LastMessageDate), "summary date %v, last message %v", ch.LastMessageDate, date)
}

// --- Open ---

func TestOpen_CreatesDirectory(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "sub", "morse.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "morse.db")

	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.CreateAccount(Account{Handle: "alice"}))
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	acct, err := s2.Account("alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", acct.Handle)
}

// --- Accounts ---

func TestCreateAccount_Duplicate(t *testing.T) {
	s := withAccount(t)
	err := s.CreateAccount(Account{Handle: testHandle})
	assert.ErrorIs(t, err, apperrors.ErrExists)
	assert.ErrorIs(t, err, apperrors.ErrStorage)
}

func TestAccount_NotFound(t *testing.T) {
	s := testDB(t)
	_, err := s.Account("nobody")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	var se *apperrors.StorageError
	assert.ErrorAs(t, err, &se)
}

func TestAccounts_Listed(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.CreateAccount(Account{Handle: "bob"}))
	require.NoError(t, s.CreateAccount(Account{Handle: "alice"}))

	accts, err := s.Accounts()
	require.NoError(t, err)
	require.Len(t, accts, 2)
	assert.Equal(t, "alice", accts[0].Handle)
	assert.Equal(t, "bob", accts[1].Handle)
}

func TestCurrentAccount_Lifecycle(t *testing.T) {
	s := withAccount(t)

	_, err := s.CurrentAccount()
	assert.ErrorIs(t, err, apperrors.ErrNoCurrentAccount)

	require.NoError(t, s.SetCurrentAccount(testHandle))
	acct, err := s.CurrentAccount()
	require.NoError(t, err)
	assert.Equal(t, testHandle, acct.Handle)
	assert.Equal(t, 3, acct.ColorIndex)

	require.NoError(t, s.ClearCurrentAccount())
	_, err = s.CurrentAccount()
	assert.ErrorIs(t, err, apperrors.ErrNoCurrentAccount)

	assert.ErrorIs(t, s.SetCurrentAccount("nobody"), apperrors.ErrNotFound)
}

func TestUpdateAccount(t *testing.T) {
	s := withAccount(t)

	acct, err := s.Account(testHandle)
	require.NoError(t, err)
	acct.ColorIndex = 7
	require.NoError(t, s.UpdateAccount(acct))

	got, err := s.Account(testHandle)
	require.NoError(t, err)
	assert.Equal(t, 7, got.ColorIndex)
}

func TestIdentity_SaveLoad(t *testing.T) {
	s := withAccount(t)

	_, err := s.LoadIdentity(testHandle)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	require.NoError(t, s.SaveIdentity(testHandle, []byte("sealed")))
	got, err := s.LoadIdentity(testHandle)
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed"), got)
}

func TestDeleteAccount_Cascades(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.CreateAccount(Account{Handle: "a"}))
	require.NoError(t, s.CreateAccount(Account{Handle: "other"}))
	require.NoError(t, s.SetCurrentAccount("a"))

	now := time.Now().UTC()
	for _, name := range []string{"c1", "c2"} {
		_, err := s.GetOrCreateChannel("a", name, ChannelSingle, nil)
		require.NoError(t, err)
		_, err = s.AppendMessage("a", name, Message{ID: name + "-m", Date: now, Status: StatusReceived, Incoming: true, Content: codec.Text{Body: "x"}})
		require.NoError(t, err)
	}
	require.NoError(t, s.SaveIdentity("a", []byte("k")))

	require.NoError(t, s.DeleteAccount("a"))

	_, err := s.Account("a")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, err = s.Channel("a", "c1")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, err = s.Channel("a", "c2")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, err = s.Message("a", "", "c1-m")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, err = s.LoadIdentity("a")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = s.CurrentAccount()
	assert.ErrorIs(t, err, apperrors.ErrNoCurrentAccount)

	// The same handle can be created fresh, with nothing left behind.
	require.NoError(t, s.CreateAccount(Account{Handle: "a"}))
	chans, err := s.Channels("a")
	require.NoError(t, err)
	assert.Empty(t, chans)

	_, err = s.Account("other")
	assert.NoError(t, err)
}

func TestDeleteAccount_KeepsOtherCurrent(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.CreateAccount(Account{Handle: "a"}))
	require.NoError(t, s.CreateAccount(Account{Handle: "b"}))
	require.NoError(t, s.SetCurrentAccount("b"))

	require.NoError(t, s.DeleteAccount("a"))

	acct, err := s.CurrentAccount()
	require.NoError(t, err)
	assert.Equal(t, "b", acct.Handle)

	assert.ErrorIs(t, s.DeleteAccount("a"), apperrors.ErrNotFound)
}

// --- Channels ---

func TestGetOrCreateChannel(t *testing.T) {
	s := withAccount(t)

	ch, err := s.GetOrCreateChannel(testHandle, "team", ChannelGroup, []string{"bob", "carol"})
	require.NoError(t, err)
	assert.Equal(t, ChannelGroup, ch.Type)
	assert.Equal(t, []string{"bob", "carol"}, ch.Members)

	again, err := s.GetOrCreateChannel(testHandle, "team", ChannelGroup, []string{"dave", "erin"})
	require.NoError(t, err)
	assert.Equal(t, ch.Seq, again.Seq)
	assert.Equal(t, []string{"bob", "carol"}, again.Members, "members only apply on creation")

	_, err = s.GetOrCreateChannel(testHandle, "team", ChannelSingle, nil)
	assert.ErrorIs(t, err, apperrors.ErrExists)
	assert.ErrorIs(t, err, apperrors.ErrStorage)

	_, err = s.GetOrCreateChannel("nobody", "x", ChannelSingle, nil)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestCreateChannel_Title(t *testing.T) {
	s := withAccount(t)

	ch, err := s.CreateChannel(testHandle, Channel{Name: "group:g1", Type: ChannelGroup, Title: "climbing", Members: []string{"alice", "bob"}})
	require.NoError(t, err)
	assert.Equal(t, "climbing", ch.Title)

	got, err := s.Channel(testHandle, "group:g1")
	require.NoError(t, err)
	assert.Equal(t, "climbing", got.Title)
}

func TestSetChannelMembers(t *testing.T) {
	s := withAccount(t)
	_, err := s.CreateChannel(testHandle, Channel{Name: "team", Type: ChannelGroup, Title: "team", Members: []string{"alice", "bob"}})
	require.NoError(t, err)
	_, err = s.GetOrCreateChannel(testHandle, "bob", ChannelSingle, nil)
	require.NoError(t, err)

	ch, err := s.SetChannelMembers(testHandle, "team", "", []string{"alice", "bob", "carol"})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "carol"}, ch.Members)
	assert.Equal(t, "team", ch.Title)

	got, err := s.Channel(testHandle, "team")
	require.NoError(t, err)
	assert.Equal(t, ch, got)

	ch, err = s.SetChannelMembers(testHandle, "team", "crew", []string{"alice", "carol"})
	require.NoError(t, err)
	assert.Equal(t, "crew", ch.Title)

	_, err = s.SetChannelMembers(testHandle, "team", "", []string{"alice"})
	assert.Error(t, err)
	_, err = s.SetChannelMembers(testHandle, "bob", "", []string{"alice", "bob"})
	assert.Error(t, err)
	_, err = s.SetChannelMembers(testHandle, "ghost", "", []string{"alice", "bob"})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestChannels_CreationOrder(t *testing.T) {
	s := withAccount(t)
	for _, name := range []string{"zed", "amy", "mike"} {
		_, err := s.GetOrCreateChannel(testHandle, name, ChannelSingle, nil)
		require.NoError(t, err)
	}

	chans, err := s.Channels(testHandle)
	require.NoError(t, err)
	require.Len(t, chans, 3)
	assert.Equal(t, "zed", chans[0].Name)
	assert.Equal(t, "amy", chans[1].Name)
	assert.Equal(t, "mike", chans[2].Name)
}

func TestDeleteChannel_RemovesMessages(t *testing.T) {
	s := withAccount(t)
	_, err := s.GetOrCreateChannel(testHandle, "bob", ChannelSingle, nil)
	require.NoError(t, err)
	_, err = s.AppendMessage(testHandle, "bob", textMsg("m1", "hi", true, time.Now()))
	require.NoError(t, err)

	require.NoError(t, s.DeleteChannel(testHandle, "bob"))

	_, err = s.Message(testHandle, "bob", "m1")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.ErrorIs(t, s.DeleteChannel(testHandle, "bob"), apperrors.ErrNotFound)
}

// --- Messages ---

func TestAppendMessage_SummaryAfterEveryAppend(t *testing.T) {
	s := withAccount(t)
	_, err := s.GetOrCreateChannel(testHandle, "bob", ChannelSingle, nil)
	require.NoError(t, err)

	base := time.Unix(1700000000, 0).UTC()
	contents := []codec.Content{
		codec.Text{Body: "one"},
		codec.Photo{Identifier: "h", URL: "https://m/h", Secret: []byte{1}},
		codec.Voice{Identifier: "v", Duration: 2, URL: "https://m/v"},
		codec.CallOffer{CallUUID: "c", Caller: "bob", SDP: "s"},
		codec.Text{Body: "last"},
	}
	for i, c := range contents {
		_, err := s.AppendMessage(testHandle, "bob", Message{
			ID: fmt.Sprintf("m%d", i), Incoming: true, Date: base.Add(time.Duration(i) * time.Minute),
			Status: StatusReceived, Content: c,
		})
		require.NoError(t, err)
		assertSummary(t, s, "bob")
	}

	ch, err := s.Channel(testHandle, "bob")
	require.NoError(t, err)
	assert.Equal(t, "last", ch.LastMessageBody)
	assert.Equal(t, len(contents), ch.UnreadCount)
}

func TestAppendMessage_ArrivalOrderNotDateOrder(t *testing.T) {
	s := withAccount(t)
	_, err := s.GetOrCreateChannel(testHandle, "bob", ChannelSingle, nil)
	require.NoError(t, err)

	now := time.Now().UTC()
	_, err = s.AppendMessage(testHandle, "bob", textMsg("new", "newer", true, now))
	require.NoError(t, err)
	_, err = s.AppendMessage(testHandle, "bob", textMsg("old", "older", true, now.Add(-time.Hour)))
	require.NoError(t, err)

	msgs, err := s.Messages(testHandle, "bob", 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "new", msgs[0].ID)
	assert.Equal(t, "old", msgs[1].ID)
	assertSummary(t, s, "bob")
}

func TestAppendMessage_DuplicateID(t *testing.T) {
	s := withAccount(t)
	_, err := s.GetOrCreateChannel(testHandle, "bob", ChannelSingle, nil)
	require.NoError(t, err)

	first, err := s.AppendMessage(testHandle, "bob", textMsg("m1", "first", true, time.Now()))
	require.NoError(t, err)

	dup, err := s.AppendMessage(testHandle, "bob", textMsg("m1", "second", true, time.Now()))
	assert.ErrorIs(t, err, apperrors.ErrExists)
	assert.Equal(t, first.Seq, dup.Seq)
	assert.Equal(t, codec.Text{Body: "first"}, dup.Content)

	msgs, err := s.Messages(testHandle, "bob", 0, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	ch, err := s.Channel(testHandle, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, ch.UnreadCount)
}

func TestAppendMessage_SameIDFromAnotherAuthor(t *testing.T) {
	s := withAccount(t)
	for _, name := range []string{"bob", "carol"} {
		_, err := s.GetOrCreateChannel(testHandle, name, ChannelSingle, nil)
		require.NoError(t, err)
	}

	_, err := s.AppendMessage(testHandle, "bob", textMsg("m1", "from bob", true, time.Now()))
	require.NoError(t, err)

	fromCarol := textMsg("m1", "from carol", true, time.Now())
	fromCarol.Author = "carol"
	got, err := s.AppendMessage(testHandle, "carol", fromCarol)
	require.NoError(t, err)
	assert.Equal(t, "carol", got.Channel)

	m, err := s.Message(testHandle, "carol", "m1")
	require.NoError(t, err)
	assert.Equal(t, codec.Text{Body: "from carol"}, m.Content)
	m, err = s.Message(testHandle, "bob", "m1")
	require.NoError(t, err)
	assert.Equal(t, codec.Text{Body: "from bob"}, m.Content)
}

func TestAppendMessage_RejectsUnencodableContent(t *testing.T) {
	s := withAccount(t)
	_, err := s.GetOrCreateChannel(testHandle, "bob", ChannelSingle, nil)
	require.NoError(t, err)

	_, err = s.AppendMessage(testHandle, "bob", Message{ID: "p", Author: "bob", Status: StatusReceived, Incoming: true, Content: codec.Photo{Identifier: "abc"}})
	assert.ErrorIs(t, err, apperrors.ErrMalformed)

	// The channel stays readable.
	_, err = s.AppendMessage(testHandle, "bob", textMsg("t", "fine", true, time.Now()))
	require.NoError(t, err)
	msgs, err := s.Messages(testHandle, "bob", 0, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestAppendMessage_Validation(t *testing.T) {
	s := withAccount(t)
	_, err := s.GetOrCreateChannel(testHandle, "bob", ChannelSingle, nil)
	require.NoError(t, err)

	_, err = s.AppendMessage(testHandle, "bob", Message{Status: StatusSent, Content: codec.Text{}})
	assert.ErrorIs(t, err, apperrors.ErrStorage)

	_, err = s.AppendMessage(testHandle, "bob", Message{ID: "x", Status: StatusSent})
	assert.ErrorIs(t, err, apperrors.ErrStorage)

	_, err = s.AppendMessage(testHandle, "bob", Message{ID: "x", Status: "weird", Content: codec.Text{}})
	assert.ErrorIs(t, err, apperrors.ErrInvalidStatus)

	_, err = s.AppendMessage(testHandle, "nochannel", textMsg("y", "b", false, time.Now()))
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestAppendMessage_ConcurrentSources(t *testing.T) {
	s := withAccount(t)
	_, err := s.GetOrCreateChannel(testHandle, "bob", ChannelSingle, nil)
	require.NoError(t, err)

	const perSource = 25

	var wg sync.WaitGroup
	for _, src := range []string{"inbound", "outbound"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perSource {
				m := textMsg(fmt.Sprintf("%s-%d", src, i), fmt.Sprintf("%s %d", src, i), src == "inbound", time.Now().UTC())
				_, err := s.AppendMessage(testHandle, "bob", m)
				assert.NoError(t, err)
			}
		}()
	}

	// A concurrent reader never sees a summary that disagrees with the
	// tail of the channel.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 50 {
			msgs, err := s.Messages(testHandle, "bob", 0, 1)
			if err != nil || len(msgs) == 0 {
				continue
			}
			ch, err := s.Channel(testHandle, "bob")
			if !assert.NoError(t, err) {
				return
			}
			// The channel can only move forward between the two reads.
			last, err := s.Messages(testHandle, "bob", 0, 1)
			if !assert.NoError(t, err) {
				return
			}
			if last[0].ID == msgs[0].ID {
				body, _ := SummaryOf(msgs[0])
				assert.Equal(t, body, ch.LastMessageBody)
			}
		}
	}()

	wg.Wait()
	<-done

	msgs, err := s.Messages(testHandle, "bob", 0, 1000)
	require.NoError(t, err)
	assert.Len(t, msgs, 2*perSource)
	for i := 1; i < len(msgs); i++ {
		assert.Greater(t, msgs[i].Seq, msgs[i-1].Seq)
	}
	assertSummary(t, s, "bob")

	ch, err := s.Channel(testHandle, "bob")
	require.NoError(t, err)
	assert.Equal(t, perSource, ch.UnreadCount)
}

func TestMessages_Paging(t *testing.T) {
	s := withAccount(t)
	_, err := s.GetOrCreateChannel(testHandle, "bob", ChannelSingle, nil)
	require.NoError(t, err)

	for i := range 10 {
		_, err := s.AppendMessage(testHandle, "bob", textMsg(fmt.Sprintf("m%d", i), "x", false, time.Now()))
		require.NoError(t, err)
	}

	page, err := s.Messages(testHandle, "bob", 0, 4)
	require.NoError(t, err)
	require.Len(t, page, 4)
	assert.Equal(t, "m6", page[0].ID)
	assert.Equal(t, "m9", page[3].ID)

	page, err = s.Messages(testHandle, "bob", page[0].Seq, 4)
	require.NoError(t, err)
	require.Len(t, page, 4)
	assert.Equal(t, "m2", page[0].ID)
	assert.Equal(t, "m5", page[3].ID)

	page, err = s.Messages(testHandle, "bob", page[0].Seq, 4)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "m0", page[0].ID)

	page, err = s.Messages(testHandle, "bob", page[0].Seq, 4)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestUpdateMessageStatus_Transitions(t *testing.T) {
	s := withAccount(t)
	_, err := s.GetOrCreateChannel(testHandle, "bob", ChannelSingle, nil)
	require.NoError(t, err)

	_, err = s.AppendMessage(testHandle, "bob", textMsg("out", "hi", false, time.Now()))
	require.NoError(t, err)
	_, err = s.AppendMessage(testHandle, "bob", textMsg("in", "yo", true, time.Now()))
	require.NoError(t, err)

	m, err := s.UpdateMessageStatus(testHandle, "bob", "out", StatusFailed)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, m.Status)

	_, err = s.UpdateMessageStatus(testHandle, "bob", "out", StatusPending)
	require.NoError(t, err)
	_, err = s.UpdateMessageStatus(testHandle, "bob", "out", StatusSent)
	require.NoError(t, err)

	_, err = s.UpdateMessageStatus(testHandle, "bob", "out", StatusPending)
	assert.ErrorIs(t, err, apperrors.ErrInvalidStatus)
	_, err = s.UpdateMessageStatus(testHandle, "bob", "in", StatusSent)
	assert.ErrorIs(t, err, apperrors.ErrInvalidStatus)

	ch, err := s.Channel(testHandle, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, ch.UnreadCount)

	_, err = s.UpdateMessageStatus(testHandle, "bob", "in", StatusRead)
	require.NoError(t, err)
	ch, err = s.Channel(testHandle, "bob")
	require.NoError(t, err)
	assert.Equal(t, 0, ch.UnreadCount)
	assertSummary(t, s, "bob")

	_, err = s.UpdateMessageStatus(testHandle, "bob", "ghost", StatusSent)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestMarkChannelRead(t *testing.T) {
	s := withAccount(t)
	_, err := s.GetOrCreateChannel(testHandle, "bob", ChannelSingle, nil)
	require.NoError(t, err)

	for i := range 3 {
		_, err := s.AppendMessage(testHandle, "bob", textMsg(fmt.Sprintf("in%d", i), "x", true, time.Now()))
		require.NoError(t, err)
		_, err = s.AppendMessage(testHandle, "bob", textMsg(fmt.Sprintf("out%d", i), "y", false, time.Now()))
		require.NoError(t, err)
	}

	require.NoError(t, s.MarkChannelRead(testHandle, "bob"))

	ch, err := s.Channel(testHandle, "bob")
	require.NoError(t, err)
	assert.Equal(t, 0, ch.UnreadCount)

	msgs, err := s.Messages(testHandle, "bob", 0, 10)
	require.NoError(t, err)
	for _, m := range msgs {
		if m.Incoming {
			assert.Equal(t, StatusRead, m.Status, m.ID)
		} else {
			assert.Equal(t, StatusPending, m.Status, m.ID)
		}
	}
	assertSummary(t, s, "bob")
}

// --- Uploads ---

func TestUploads(t *testing.T) {
	s := withAccount(t)
	idx := s.Uploads(testHandle)

	_, err := idx.Get("abc")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	require.NoError(t, idx.Put(Upload{Hash: "abc", Kind: "photo", URL: "https://m/abc", Secret: []byte{1, 2}, Size: 10}))
	u, err := idx.Get("abc")
	require.NoError(t, err)
	assert.Equal(t, "https://m/abc", u.URL)
	assert.Equal(t, []byte{1, 2}, u.Secret)
	assert.False(t, u.CreatedAt.IsZero())

	require.NoError(t, idx.Delete("abc"))
	_, err = idx.Get("abc")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}
