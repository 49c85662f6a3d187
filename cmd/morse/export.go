package main

import (
	"fmt"
	"io"
	"time"

	"github.com/alexjbarnes/morse/internal/codec"
	"github.com/alexjbarnes/morse/internal/config"
	"github.com/alexjbarnes/morse/internal/crypto"
	"github.com/alexjbarnes/morse/internal/store"
	"gopkg.in/yaml.v3"
)

// exportPage is how many messages are read per store query.
const exportPage = 500

type transcript struct {
	Account  string              `yaml:"account"`
	Exported time.Time           `yaml:"exported"`
	Channels []channelTranscript `yaml:"channels"`
}

type channelTranscript struct {
	Name     string              `yaml:"name"`
	Title    string              `yaml:"title,omitempty"`
	Type     store.ChannelType   `yaml:"type"`
	Members  []string            `yaml:"members,omitempty"`
	Messages []messageTranscript `yaml:"messages"`
}

type messageTranscript struct {
	ID     string       `yaml:"id"`
	Date   time.Time    `yaml:"date"`
	From   string       `yaml:"from"`
	Status store.Status `yaml:"status"`
	Type   codec.Type   `yaml:"type"`
	Text   string       `yaml:"text,omitempty"`
}

// export writes the configured account's conversations as YAML. With
// arguments, only the named channels are written.
func export(args []string, w io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	handle, err := crypto.NormalizeHandle(cfg.Handle)
	if err != nil {
		return err
	}

	st, err := store.Open(store.Path(cfg.DataDir))
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	t, err := buildTranscript(st, handle, args, time.Now())
	if err != nil {
		return err
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(t); err != nil {
		return fmt.Errorf("encoding transcript: %w", err)
	}
	return enc.Close()
}

func buildTranscript(st *store.Store, handle string, names []string, now time.Time) (transcript, error) {
	t := transcript{Account: handle, Exported: now.UTC()}

	var channels []store.Channel
	if len(names) == 0 {
		all, err := st.Channels(handle)
		if err != nil {
			return t, err
		}
		channels = all
	} else {
		for _, name := range names {
			ch, err := st.Channel(handle, name)
			if err != nil {
				return t, err
			}
			channels = append(channels, ch)
		}
	}

	for _, ch := range channels {
		msgs, err := allMessages(st, handle, ch.Name)
		if err != nil {
			return t, err
		}

		ct := channelTranscript{Name: ch.Name, Title: ch.Title, Type: ch.Type, Members: ch.Members}
		for _, m := range msgs {
			mt := messageTranscript{ID: m.ID, Date: m.Date.UTC(), From: m.Author, Status: m.Status}
			if m.Content != nil {
				mt.Type = m.Content.Type()
				mt.Text = codec.Preview(m.Content)
			}
			ct.Messages = append(ct.Messages, mt)
		}
		t.Channels = append(t.Channels, ct)
	}

	return t, nil
}

// allMessages pages backwards through a channel and returns every
// message oldest first.
func allMessages(st *store.Store, handle, channel string) ([]store.Message, error) {
	var out []store.Message
	var before uint64
	for {
		page, err := st.Messages(handle, channel, before, exportPage)
		if err != nil {
			return nil, err
		}
		out = append(page, out...)
		if len(page) < exportPage {
			return out, nil
		}
		before = page[0].Seq
	}
}
