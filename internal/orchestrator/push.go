package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/alexjbarnes/morse/internal/codec"
	"github.com/alexjbarnes/morse/internal/crypto"
	"github.com/tidwall/gjson"
)

const (
	// PushFallback replaces the notification body whenever the payload
	// cannot be decrypted in time.
	PushFallback = "New Message"

	// maxPushBody is the longest notification body shown, in characters.
	maxPushBody = 1000
)

// DecryptPush turns a push payload for the current account into the
// notification text to show. The payload carries the sender handle in
// aps.alert.title and the exported EncryptedMessage in aps.alert.body.
// Any error, or running past the push decrypt budget, yields
// PushFallback.
//
// Decryption uses a fresh crypto session opened from the stored identity,
// so it never consumes ratchet keys of a live session. Ratchet messages
// therefore always fall back.
func (o *Orchestrator) DecryptPush(ctx context.Context, passphrase string, payload []byte) string {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.PushDecryptBudget)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := o.decryptPush(ctx, passphrase, payload)
		done <- result{text, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			o.logger.Debug("push not decrypted", slog.String("error", r.err.Error()))
			return PushFallback
		}
		return r.text
	case <-ctx.Done():
		o.logger.Warn("push decrypt budget exceeded", slog.Duration("budget", o.cfg.PushDecryptBudget))
		return PushFallback
	}
}

func (o *Orchestrator) decryptPush(ctx context.Context, passphrase string, payload []byte) (string, error) {
	if !gjson.ValidBytes(payload) {
		return "", fmt.Errorf("payload is not JSON")
	}
	title := gjson.GetBytes(payload, "aps.alert.title")
	body := gjson.GetBytes(payload, "aps.alert.body")
	if title.Type != gjson.String || body.Type != gjson.String {
		return "", fmt.Errorf("payload lacks aps.alert title or body")
	}

	enc, err := codec.ImportEncrypted(body.Str)
	if err != nil {
		return "", err
	}

	acct, err := o.deps.Store.CurrentAccount()
	if err != nil {
		return "", err
	}
	_, id, err := o.openAccount(acct.Handle, passphrase)
	if err != nil {
		return "", err
	}

	cs := crypto.NewSession(id, o.deps.Cards(id), crypto.Options{}, o.logger)
	defer cs.Wipe()

	plaintext, err := cs.DecryptFrom(ctx, title.Str, enc.Ciphertext)
	if err != nil {
		return "", err
	}

	msg, err := codec.Decode(plaintext)
	if err != nil {
		return "", err
	}

	text := codec.Summary(msg.Content)
	if text == "" {
		return "", fmt.Errorf("%s has no notification text", msg.Content.Type())
	}
	return truncate(text, maxPushBody), nil
}

// truncate shortens s to at most n characters, marking the cut with an
// ellipsis.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-1]) + "…"
}
