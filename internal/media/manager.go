// Package media stores encrypted media blobs in a content-addressed cache
// and moves them to and from the media server with cancellable,
// observable transfers.
package media

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/alexjbarnes/morse/internal/crypto"
	apperrors "github.com/alexjbarnes/morse/internal/errors"
	"github.com/alexjbarnes/morse/internal/store"
)

// Kind segregates cached media on disk.
type Kind string

const (
	KindPhoto Kind = "photo"
	KindVoice Kind = "voice"
)

const (
	cacheDirPerm  = fs.FileMode(0o700)
	cacheFilePerm = fs.FileMode(0o600)

	tmpDir = "tmp"

	// maxResponseBytes bounds the upload acknowledgement body.
	maxResponseBytes = 64 * 1024
)

// Index records completed uploads by plaintext hash.
type Index interface {
	Get(hash string) (store.Upload, error)
	Put(u store.Upload) error
}

// Blob is media ready for upload. When Deduped is set the content was
// uploaded before and URL and Secret come from the index; Ciphertext is
// then empty.
type Blob struct {
	Kind       Kind
	Hash       string
	Ciphertext []byte
	Secret     crypto.Secret
	URL        string
	Deduped    bool
}

// Ref locates remote media for download.
type Ref struct {
	Kind   Kind
	Hash   string
	URL    string
	Secret crypto.Secret
}

// uploadAck is the media server's response to a PUT.
type uploadAck struct {
	SHA256 string `json:"sha256"`
	URL    string `json:"url"`
}

// Manager owns the media cache directory and all in-flight transfers.
type Manager struct {
	root   string
	client *http.Client
	index  Index
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[transferKey]*Transfer
	cached   map[string]Kind
}

// NewManager creates the cache layout under root and indexes the blobs
// already on disk. If client is nil, http.DefaultClient is used.
func NewManager(root string, client *http.Client, index Index, logger *slog.Logger) (*Manager, error) {
	if client == nil {
		client = http.DefaultClient
	}

	m := &Manager{
		root:     root,
		client:   client,
		index:    index,
		logger:   logger.With(slog.String("component", "media")),
		inflight: make(map[transferKey]*Transfer),
		cached:   make(map[string]Kind),
	}

	for _, dir := range []string{string(KindPhoto), string(KindVoice), tmpDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), cacheDirPerm); err != nil {
			return nil, fmt.Errorf("creating media directory: %w", err)
		}
	}

	// Leftover temp files belong to transfers that never finished.
	if entries, err := os.ReadDir(filepath.Join(root, tmpDir)); err == nil {
		for _, e := range entries {
			_ = os.Remove(filepath.Join(root, tmpDir, e.Name()))
		}
	}

	for _, kind := range []Kind{KindPhoto, KindVoice} {
		entries, err := os.ReadDir(filepath.Join(root, string(kind)))
		if err != nil {
			return nil, fmt.Errorf("scanning media cache: %w", err)
		}
		for _, e := range entries {
			if validHash(e.Name()) {
				m.cached[e.Name()] = kind
			}
		}
	}

	return m, nil
}

// HashContent returns the content address of plaintext.
func HashContent(plaintext []byte) string {
	sum := sha256.Sum256(plaintext)
	return hex.EncodeToString(sum[:])
}

func validHash(h string) bool {
	if len(h) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(h)
	return err == nil
}

func validKind(k Kind) bool {
	return k == KindPhoto || k == KindVoice
}

// Path is the content-addressed location of a cached blob.
func (m *Manager) Path(kind Kind, hash string) string {
	return filepath.Join(m.root, string(kind), hash)
}

// Cached reports whether a blob for hash is in the local cache.
func (m *Manager) Cached(hash string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.cached[hash]
	return ok
}

// Prepare readies plaintext for upload. Content uploaded before is
// returned from the index without re-encrypting. Otherwise it is sealed
// under a fresh secret and the ciphertext is written to the cache.
func (m *Manager) Prepare(kind Kind, plaintext []byte) (Blob, error) {
	if !validKind(kind) {
		return Blob{}, fmt.Errorf("unknown media kind %q", kind)
	}

	hash := HashContent(plaintext)

	if m.index != nil {
		u, err := m.index.Get(hash)
		switch {
		case err == nil && u.URL != "":
			m.logger.Debug("media deduplicated", slog.String("hash", hash))
			return Blob{Kind: kind, Hash: hash, Secret: u.Secret, URL: u.URL, Deduped: true}, nil
		case err != nil && !errors.Is(err, apperrors.ErrNotFound):
			return Blob{}, fmt.Errorf("checking upload index: %w", err)
		}
	}

	ciphertext, secret, err := crypto.SealBlob(plaintext)
	if err != nil {
		return Blob{}, err
	}

	if err := m.writeAtomic(kind, hash, ciphertext); err != nil {
		return Blob{}, err
	}

	return Blob{Kind: kind, Hash: hash, Ciphertext: ciphertext, Secret: secret}, nil
}

// writeAtomic writes data to a temp file and renames it into place so a
// partial file is never visible at the content-addressed path.
func (m *Manager) writeAtomic(kind Kind, hash string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Join(m.root, tmpDir), hash+"-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}

	return m.commit(tmp, kind, hash)
}

// commit syncs and renames a finished temp file into the cache.
func (m *Manager) commit(tmp *os.File, kind Kind, hash string) error {
	tmpName := tmp.Name()

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpName, cacheFilePerm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := os.Rename(tmpName, m.Path(kind, hash)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("moving into cache: %w", err)
	}

	m.mu.Lock()
	m.cached[hash] = kind
	m.mu.Unlock()

	return nil
}

// Open decrypts a cached blob and checks it against its content hash.
func (m *Manager) Open(ref Ref) ([]byte, error) {
	if !validKind(ref.Kind) || !validHash(ref.Hash) {
		return nil, fmt.Errorf("invalid media reference")
	}

	ciphertext, err := os.ReadFile(m.Path(ref.Kind, ref.Hash))
	if err != nil {
		return nil, fmt.Errorf("reading cached media: %w", err)
	}

	plaintext, err := crypto.OpenBlob(ciphertext, ref.Secret)
	if err != nil {
		return nil, err
	}

	if HashContent(plaintext) != ref.Hash {
		return nil, fmt.Errorf("%w: cached media does not match its hash", apperrors.ErrVerificationFailed)
	}

	return plaintext, nil
}

// transferKey identifies an in-flight transfer. Uploads and downloads of
// the same hash are separate transfers.
type transferKey struct {
	dir  Direction
	hash string
}

// join returns the in-flight transfer for hash in direction dir, or
// registers a new one and runs it in its own goroutine.
func (m *Manager) join(ctx context.Context, hash string, dir Direction, run func(ctx context.Context, t *Transfer) (Result, error)) *Transfer {
	key := transferKey{dir: dir, hash: hash}

	m.mu.Lock()
	if t, ok := m.inflight[key]; ok {
		m.mu.Unlock()
		m.logger.Debug("joined in-flight transfer", slog.String("hash", hash), slog.String("direction", string(t.Direction)))
		return t
	}

	tctx, cancel := context.WithCancel(ctx)
	t := newTransfer(hash, dir, cancel)
	m.inflight[key] = t
	m.mu.Unlock()

	t.start()

	go func() {
		defer cancel()

		res, err := run(tctx, t)
		if err != nil {
			err = classify(tctx, hash, err)
			m.logger.Warn("media transfer failed",
				slog.String("hash", hash),
				slog.String("direction", string(dir)),
				slog.String("error", err.Error()),
			)
		}

		m.mu.Lock()
		delete(m.inflight, key)
		m.mu.Unlock()

		t.finish(res, err)
	}()

	return t
}

// classify maps a transfer failure to a TransferError.
func classify(ctx context.Context, hash string, err error) error {
	var te *apperrors.TransferError
	if errors.As(err, &te) {
		return err
	}
	if ctx.Err() != nil {
		return &apperrors.TransferError{Kind: apperrors.ErrCancelled, Hash: hash, Err: ctx.Err()}
	}
	if errors.Is(err, apperrors.ErrVerificationFailed) || errors.Is(err, apperrors.ErrDecrypt) {
		return &apperrors.TransferError{Kind: apperrors.ErrVerificationFailed, Hash: hash, Err: err}
	}
	return &apperrors.TransferError{Kind: apperrors.ErrNetworkFailure, Hash: hash, Err: err}
}

// Upload sends blob's ciphertext to destination with an HTTP PUT. It
// succeeds only when the server acknowledges the SHA-256 of exactly the
// bytes sent. Deduplicated blobs complete immediately.
func (m *Manager) Upload(ctx context.Context, blob Blob, destination string) *Transfer {
	if blob.Deduped {
		return completedTransfer(blob.Hash, DirectionUpload, Result{Hash: blob.Hash, URL: blob.URL, Path: m.Path(blob.Kind, blob.Hash)})
	}

	return m.join(ctx, blob.Hash, DirectionUpload, func(ctx context.Context, t *Transfer) (Result, error) {
		return m.upload(ctx, t, blob, destination)
	})
}

func (m *Manager) upload(ctx context.Context, t *Transfer, blob Blob, destination string) (Result, error) {
	body := &progressReader{r: bytes.NewReader(blob.Ciphertext), total: int64(len(blob.Ciphertext)), report: t.report}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, destination, body)
	if err != nil {
		return Result{}, fmt.Errorf("creating request: %w", err)
	}
	req.ContentLength = int64(len(blob.Ciphertext))
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := m.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("uploading: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, fmt.Errorf("reading upload response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, fmt.Errorf("upload returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var ack uploadAck
	if err := json.Unmarshal(respBody, &ack); err != nil {
		return Result{}, &apperrors.TransferError{Kind: apperrors.ErrVerificationFailed, Hash: blob.Hash, Err: fmt.Errorf("decoding acknowledgement: %w", err)}
	}

	sent := sha256.Sum256(blob.Ciphertext)
	if ack.SHA256 != hex.EncodeToString(sent[:]) {
		return Result{}, &apperrors.TransferError{Kind: apperrors.ErrVerificationFailed, Hash: blob.Hash, Err: fmt.Errorf("server acknowledged %q", ack.SHA256)}
	}
	if ack.URL == "" {
		ack.URL = destination
	}

	if m.index != nil {
		err := m.index.Put(store.Upload{
			Hash:   blob.Hash,
			Kind:   string(blob.Kind),
			URL:    ack.URL,
			Secret: blob.Secret,
			Size:   int64(len(blob.Ciphertext)),
		})
		if err != nil {
			// The upload itself succeeded; only dedupe is lost.
			m.logger.Warn("recording upload", slog.String("hash", blob.Hash), slog.String("error", err.Error()))
		}
	}

	m.logger.Info("media uploaded", slog.String("hash", blob.Hash), slog.Int("bytes", len(blob.Ciphertext)))
	return Result{Hash: blob.Hash, URL: ack.URL, Path: m.Path(blob.Kind, blob.Hash)}, nil
}

// Download fetches ref into the cache. The blob is decrypted and checked
// against ref.Hash before it is renamed into its content-addressed path.
// Content already cached completes immediately.
func (m *Manager) Download(ctx context.Context, ref Ref) *Transfer {
	if !validKind(ref.Kind) || !validHash(ref.Hash) {
		t := newTransfer(ref.Hash, DirectionDownload, func() {})
		t.finish(Result{}, &apperrors.TransferError{Kind: apperrors.ErrVerificationFailed, Hash: ref.Hash, Err: fmt.Errorf("invalid media reference")})
		return t
	}

	if m.Cached(ref.Hash) {
		return completedTransfer(ref.Hash, DirectionDownload, Result{Hash: ref.Hash, URL: ref.URL, Path: m.Path(ref.Kind, ref.Hash)})
	}

	return m.join(ctx, ref.Hash, DirectionDownload, func(ctx context.Context, t *Transfer) (Result, error) {
		return m.download(ctx, t, ref)
	})
}

func (m *Manager) download(ctx context.Context, t *Transfer, ref Ref) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
	if err != nil {
		return Result{}, fmt.Errorf("creating request: %w", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("downloading: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("download returned status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Join(m.root, tmpDir), ref.Hash+"-*")
	if err != nil {
		return Result{}, fmt.Errorf("creating temp file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	var buf bytes.Buffer
	src := &progressReader{r: resp.Body, total: resp.ContentLength, report: t.report}
	if _, err := io.Copy(io.MultiWriter(tmp, &buf), src); err != nil {
		return Result{}, fmt.Errorf("receiving blob: %w", err)
	}

	plaintext, err := crypto.OpenBlob(buf.Bytes(), ref.Secret)
	if err != nil {
		return Result{}, &apperrors.TransferError{Kind: apperrors.ErrVerificationFailed, Hash: ref.Hash, Err: err}
	}
	if HashContent(plaintext) != ref.Hash {
		return Result{}, &apperrors.TransferError{Kind: apperrors.ErrVerificationFailed, Hash: ref.Hash, Err: fmt.Errorf("content hash mismatch")}
	}

	// A cancel that lands after the body is read still wins.
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	committed = true
	if err := m.commit(tmp, ref.Kind, ref.Hash); err != nil {
		return Result{}, err
	}

	m.logger.Info("media downloaded", slog.String("hash", ref.Hash), slog.Int("bytes", buf.Len()))
	return Result{Hash: ref.Hash, URL: ref.URL, Path: m.Path(ref.Kind, ref.Hash)}, nil
}

// progressReader reports the fraction read so far. total may be -1 when
// unknown, in which case no progress is reported until completion.
type progressReader struct {
	r      io.Reader
	total  int64
	read   int64
	last   float64
	report func(float64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)

	if p.total > 0 {
		frac := float64(p.read) / float64(p.total)
		if frac-p.last >= 0.01 || (frac >= 1 && p.last < 1) {
			p.last = frac
			p.report(frac)
		}
	}

	return n, err
}
