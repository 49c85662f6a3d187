// Package orchestrator ties the pieces together: it routes inbound
// transport payloads through decryption and decoding into the store, and
// user actions from the store back out through encryption to the
// transport. All per-account state lives in an explicit Session.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/morse/internal/codec"
	"github.com/alexjbarnes/morse/internal/crypto"
	apperrors "github.com/alexjbarnes/morse/internal/errors"
	"github.com/alexjbarnes/morse/internal/media"
	"github.com/alexjbarnes/morse/internal/store"
	"github.com/alexjbarnes/morse/internal/transport"
)

// numColors is the size of the avatar palette an account's ColorIndex
// selects from.
const numColors = 8

// Registrar publishes a new identity's card.
type Registrar interface {
	SignUp(ctx context.Context, id *crypto.Identity) error
}

// Conn is the per-account relay connection.
type Conn interface {
	Run(ctx context.Context) error
	Send(to, id, body string) <-chan error
	Inbound() <-chan transport.Inbound
	OnWipe(fn func())
	Logout()
}

// CallSignals receives decoded call signaling. Implementations must not
// block.
type CallSignals interface {
	HandleCallSignal(from string, c codec.Content)
}

// Notifier is told about every inbound message after it is stored.
type Notifier interface {
	MessageReceived(account string, ch store.Channel, m store.Message)
}

// Config tunes message handling.
type Config struct {
	RatchetEnabled    bool
	RotateEvery       uint32
	PeerCacheTTL      time.Duration
	PushDecryptBudget time.Duration
	MediaDir          string
	MediaUploadURL    string
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Store     *store.Store
	Registrar Registrar
	// Cards returns the card directory authorized as id.
	Cards func(id *crypto.Identity) crypto.Directory
	// Connect returns an unstarted relay connection for id.
	Connect    func(id *crypto.Identity) Conn
	HTTPClient *http.Client
	Calls      CallSignals
	Notifier   Notifier
}

// Orchestrator creates sessions. It holds no account state of its own.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps, logger *slog.Logger) *Orchestrator {
	if cfg.PushDecryptBudget <= 0 {
		cfg.PushDecryptBudget = 5 * time.Second
	}
	if cfg.MediaDir == "" {
		cfg.MediaDir = filepath.Join(".", "media")
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = http.DefaultClient
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With(slog.String("component", "orchestrator")),
		now:    time.Now,
	}
}

// SignUp creates an identity for handle, publishes its card, stores the
// account with the key sealed under passphrase and makes it current.
func (o *Orchestrator) SignUp(ctx context.Context, handle, passphrase string) (*Session, error) {
	handle, err := crypto.NormalizeHandle(handle)
	if err != nil {
		return nil, err
	}

	if _, err := o.deps.Store.Account(handle); err == nil {
		return nil, fmt.Errorf("account %q: %w", handle, apperrors.ErrExists)
	} else if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}

	id, err := crypto.NewIdentity(handle)
	if err != nil {
		return nil, err
	}

	sealed, err := crypto.SealIdentity(id, passphrase)
	if err != nil {
		id.Wipe()
		return nil, err
	}

	if err := o.deps.Registrar.SignUp(ctx, id); err != nil {
		id.Wipe()
		return nil, err
	}

	card, err := id.Card().Marshal()
	if err != nil {
		id.Wipe()
		return nil, err
	}

	acct := store.Account{
		Handle:     handle,
		Card:       card,
		ColorIndex: rand.IntN(numColors),
		CreatedAt:  o.now(),
	}
	if err := o.deps.Store.CreateAccount(acct); err != nil {
		id.Wipe()
		return nil, err
	}
	if err := o.deps.Store.SaveIdentity(handle, sealed); err != nil {
		id.Wipe()
		return nil, err
	}
	if err := o.deps.Store.SetCurrentAccount(handle); err != nil {
		id.Wipe()
		return nil, err
	}

	o.logger.Info("account created", slog.String("handle", handle))
	return o.newSession(acct, id)
}

// SignIn opens the stored identity for handle and makes it current.
func (o *Orchestrator) SignIn(ctx context.Context, handle, passphrase string) (*Session, error) {
	acct, id, err := o.openAccount(handle, passphrase)
	if err != nil {
		return nil, err
	}
	if err := o.deps.Store.SetCurrentAccount(acct.Handle); err != nil {
		id.Wipe()
		return nil, err
	}

	o.logger.Info("signed in", slog.String("handle", acct.Handle))
	return o.newSession(acct, id)
}

func (o *Orchestrator) openAccount(handle, passphrase string) (store.Account, *crypto.Identity, error) {
	handle, err := crypto.NormalizeHandle(handle)
	if err != nil {
		return store.Account{}, nil, err
	}

	acct, err := o.deps.Store.Account(handle)
	if err != nil {
		return store.Account{}, nil, err
	}

	sealed, err := o.deps.Store.LoadIdentity(handle)
	if err != nil {
		return store.Account{}, nil, err
	}

	id, err := crypto.OpenIdentity(sealed, passphrase)
	if err != nil {
		return store.Account{}, nil, err
	}
	return acct, id, nil
}

// DeleteAccount removes the account and everything stored under it. A
// live session for the account must be logged out first.
func (o *Orchestrator) DeleteAccount(handle string) error {
	handle, err := crypto.NormalizeHandle(handle)
	if err != nil {
		return err
	}
	if err := o.deps.Store.DeleteAccount(handle); err != nil {
		return err
	}
	o.logger.Info("account deleted", slog.String("handle", handle))
	return nil
}

func (o *Orchestrator) newSession(acct store.Account, id *crypto.Identity) (*Session, error) {
	logger := o.logger.With(slog.String("account", acct.Handle))

	mgr, err := media.NewManager(o.cfg.MediaDir, o.deps.HTTPClient, o.deps.Store.Uploads(acct.Handle), logger)
	if err != nil {
		id.Wipe()
		return nil, err
	}

	cs := crypto.NewSession(id, o.deps.Cards(id), crypto.Options{
		CacheTTL:    o.cfg.PeerCacheTTL,
		RotateEvery: o.cfg.RotateEvery,
	}, logger)

	s := &Session{
		o:       o,
		account: acct,
		crypto:  cs,
		media:   mgr,
		logger:  logger,
	}
	if o.deps.Connect != nil {
		s.conn = o.deps.Connect(id)
		s.conn.OnWipe(cs.Wipe)
	}
	return s, nil
}
