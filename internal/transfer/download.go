package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/internxt/drive-web-sub008/internal/abort"
	"github.com/internxt/drive-web-sub008/internal/bridge"
	"github.com/internxt/drive-web-sub008/internal/crypt"
	"github.com/internxt/drive-web-sub008/internal/logging"
	"github.com/internxt/drive-web-sub008/internal/metrics"
	"github.com/internxt/drive-web-sub008/pkg/models"
)

// DownloadRequest identifies a file and the material needed to read it.
// Exactly one of Key or Mnemonic must be set.
type DownloadRequest struct {
	BucketID string
	FileID   string
	Auth     bridge.Auth
	Key      []byte
	Mnemonic string
}

func (r *DownloadRequest) validate(haveDeriver bool) error {
	if r.BucketID == "" {
		return &ConfigurationError{Field: "bucket", Err: errors.New("missing bucket id")}
	}
	if r.FileID == "" {
		return &ConfigurationError{Field: "file", Err: errors.New("missing file id")}
	}
	if err := r.Auth.Validate(); err != nil {
		return &ConfigurationError{Field: "auth", Err: err}
	}
	switch {
	case len(r.Key) == 0 && r.Mnemonic == "":
		return &ConfigurationError{Field: "key", Err: errors.New("missing key or mnemonic")}
	case len(r.Key) > 0 && r.Mnemonic != "":
		return &ConfigurationError{Field: "key", Err: errors.New("both key and mnemonic set")}
	case len(r.Key) > 0 && len(r.Key) != models.KeySize:
		return &ConfigurationError{Field: "key", Err: fmt.Errorf("key is %d bytes, want %d", len(r.Key), models.KeySize)}
	case r.Mnemonic != "" && !haveDeriver:
		return &ConfigurationError{Field: "key", Err: errors.New("mnemonic given but no key deriver configured")}
	}
	return nil
}

// DownloadStream is the decrypted content of one file. It is read once, in
// order, and cannot be restarted. Stop may be called from any goroutine.
type DownloadStream struct {
	id    string
	req   DownloadRequest
	meta  *models.FileMetadata
	sig   *abort.Signal
	ctx   context.Context
	enc   models.EncryptionContext
	dr    *crypt.DecryptReader
	start time.Time

	read     int64
	err      error
	finished sync.Once
}

// Download resolves the file and returns a stream over its plaintext. Shards
// are fetched lazily and strictly in order as the stream is read.
//
// Metadata and mirror resolution, including the repair of incomplete farmer
// records, happen before Download returns, so there is no stream to Stop yet.
// With an unbounded repair policy, cancel ctx to give up on a hung repair.
func (p *Pipeline) Download(ctx context.Context, req DownloadRequest) (*DownloadStream, error) {
	if err := req.validate(p.deriver != nil); err != nil {
		return nil, err
	}

	s := &DownloadStream{
		id:    uuid.NewString(),
		req:   req,
		sig:   abort.New(ctx),
		start: time.Now(),
	}
	s.ctx = logging.WithTransfer(s.sig.Context(), s.id, "download")
	log := logging.WithContext(s.ctx)
	log.Info("download started",
		zap.String("bucket", req.BucketID),
		zap.String("file", req.FileID))

	if err := p.openDownload(s); err != nil {
		if s.sig.Stopped() {
			err = s.aborted()
		}
		s.finish(err)
		return nil, err
	}
	return s, nil
}

func (p *Pipeline) openDownload(s *DownloadStream) error {
	ctx, req := s.ctx, s.req

	meta, err := p.resolver.GetFileMetadata(ctx, req.Auth, req.BucketID, req.FileID)
	if err != nil {
		return err
	}
	s.meta = meta

	mirrors, err := p.resolver.ListShardMirrors(ctx, req.Auth, req.BucketID, req.FileID)
	if err != nil {
		return err
	}

	index, err := meta.IndexBytes()
	if err != nil {
		return fmt.Errorf("file %s: %w", req.FileID, err)
	}

	key := append([]byte(nil), req.Key...)
	if req.Mnemonic != "" {
		key, err = p.deriver.FileKey(ctx, req.Mnemonic, req.BucketID, index)
		if err != nil {
			return fmt.Errorf("derive file key: %w", err)
		}
	}
	s.enc = models.EncryptionContext{Key: key, IV: append([]byte(nil), index[:models.IVSize]...)}

	openers := make([]crypt.Opener, len(mirrors))
	for i, m := range mirrors {
		u, shard := p.downloadURL(m), m.Index
		openers[i] = func(ctx context.Context) (io.ReadCloser, error) {
			logging.WithContext(ctx).Debug("fetching shard", zap.Int("shard", shard))
			return p.bridge.Fetch(ctx, u)
		}
	}

	s.dr, err = crypt.NewDecryptReader(ctx, s.enc.Key, s.enc.IV, openers...)
	return err
}

// Metadata returns the resolved file metadata.
func (s *DownloadStream) Metadata() *models.FileMetadata {
	return s.meta
}

// Read returns the next decrypted bytes. Once Stop was called it returns a
// *DownloadAbortedError and no further bytes.
func (s *DownloadStream) Read(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	if s.sig.Stopped() {
		return 0, s.fail(s.aborted())
	}

	n, err := s.dr.Read(p)
	if s.sig.Stopped() {
		return 0, s.fail(s.aborted())
	}
	s.read += int64(n)

	switch {
	case err == io.EOF:
		if s.read != s.meta.Size {
			return n, s.fail(fmt.Errorf("%w: got %d bytes, want %d", ErrSizeMismatch, s.read, s.meta.Size))
		}
		s.err = io.EOF
		s.finish(nil)
		return n, io.EOF
	case err != nil:
		return n, s.fail(err)
	}
	return n, nil
}

// Stop aborts the download. Repeated calls are no-ops.
func (s *DownloadStream) Stop() {
	s.sig.Stop()
}

// Close releases the stream. Closing before EOF counts as an abort.
func (s *DownloadStream) Close() error {
	if s.err == nil {
		s.sig.Stop()
		s.fail(s.aborted())
	}
	return nil
}

func (s *DownloadStream) aborted() error {
	return &DownloadAbortedError{BucketID: s.req.BucketID, FileID: s.req.FileID, Read: s.read}
}

func (s *DownloadStream) fail(err error) error {
	s.err = err
	s.finish(err)
	return err
}

func (s *DownloadStream) finish(err error) {
	s.finished.Do(func() {
		if s.dr != nil {
			s.dr.Close()
		}
		s.enc.Wipe()
		aborted := IsAborted(err)
		metrics.RecordTransfer("download", s.read, time.Since(s.start), err, aborted)

		log := logging.WithContext(s.ctx)
		switch {
		case err == nil:
			log.Info("download finished", zap.Int64("bytes", s.read), zap.Duration("duration", time.Since(s.start)))
		case aborted:
			log.Info("download aborted", zap.Int64("bytes", s.read))
		default:
			log.Error("download failed", zap.Int64("bytes", s.read), zap.Error(err))
		}
		s.sig.Release()
	})
}

// DownloadTo drains a download into w and returns the bytes written.
func (p *Pipeline) DownloadTo(ctx context.Context, req DownloadRequest, w io.Writer) (int64, error) {
	s, err := p.Download(ctx, req)
	if err != nil {
		return 0, err
	}
	defer s.Close()
	return io.Copy(w, s)
}
