package transfer

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/internxt/drive-web-sub008/internal/abort"
	"github.com/internxt/drive-web-sub008/internal/bridge"
	"github.com/internxt/drive-web-sub008/internal/crypt"
	"github.com/internxt/drive-web-sub008/internal/keys"
	"github.com/internxt/drive-web-sub008/internal/logging"
	"github.com/internxt/drive-web-sub008/internal/metrics"
	"github.com/internxt/drive-web-sub008/pkg/models"
	"github.com/internxt/drive-web-sub008/pkg/protocol"
)

// Upload stages, as reported by UploadAbortedError.
const (
	StageFrame     = "create_frame"
	StageDeriveKey = "derive_key"
	StageEncrypt   = "encrypt"
	StageUploadURL = "upload_url"
	StageTransfer  = "transfer"
	StageFinalize  = "finalize"
)

// maxPrealloc bounds the up-front allocation of the ciphertext buffer.
const maxPrealloc = 1 << 30

// ProgressFunc receives the fraction of the payload sent, in [0,1], along
// with the absolute byte counts. Ticks may arrive on the HTTP transport's goroutine.
type ProgressFunc func(fraction float64, sent, total int64)

// UploadRequest describes one single-shard upload.
type UploadRequest struct {
	BucketID string
	Source   io.Reader
	Size     int64
	Auth     bridge.Auth
	Mnemonic string
	// Name is the plaintext filename to encrypt. A random one is used when empty.
	Name     string
	Progress ProgressFunc
}

func (r *UploadRequest) validate(haveDeriver bool) error {
	switch {
	case r.BucketID == "":
		return &ConfigurationError{Field: "bucket", Err: errors.New("missing bucket id")}
	case r.Source == nil:
		return &ConfigurationError{Field: "source", Err: errors.New("missing source")}
	case r.Size < 0:
		return &ConfigurationError{Field: "size", Err: fmt.Errorf("negative size %d", r.Size)}
	case r.Mnemonic == "":
		return &ConfigurationError{Field: "key", Err: errors.New("missing mnemonic")}
	case !haveDeriver:
		return &ConfigurationError{Field: "key", Err: errors.New("no key deriver configured")}
	}
	if err := r.Auth.Validate(); err != nil {
		return &ConfigurationError{Field: "auth", Err: err}
	}
	return nil
}

// UploadResult describes the registered file.
type UploadResult struct {
	FileID      string
	BucketID    string
	Index       string
	Fingerprint string
	Size        int64
	// Filename is the encrypted filename registered with the bridge.
	Filename string
}

// UploadHandle is a running upload: await it with Wait, cancel it with Stop.
type UploadHandle struct {
	sig    *abort.Signal
	done   chan struct{}
	result *UploadResult
	err    error
}

// Wait blocks until the upload settles.
func (h *UploadHandle) Wait() (*UploadResult, error) {
	<-h.done
	return h.result, h.err
}

// Done is closed once the upload settles.
func (h *UploadHandle) Done() <-chan struct{} {
	return h.done
}

// Stop aborts the upload, including an in-flight PUT. Repeated calls are no-ops.
func (h *UploadHandle) Stop() {
	h.sig.Stop()
}

// Upload starts an upload in the background. Invalid requests settle the
// handle immediately with a *ConfigurationError.
func (p *Pipeline) Upload(ctx context.Context, req UploadRequest) *UploadHandle {
	h := &UploadHandle{sig: abort.New(ctx), done: make(chan struct{})}

	if err := req.validate(p.deriver != nil); err != nil {
		h.err = err
		h.sig.Release()
		close(h.done)
		return h
	}

	go func() {
		defer close(h.done)
		defer h.sig.Release()
		h.result, h.err = p.runUpload(h.sig, req)
	}()
	return h
}

type uploadRun struct {
	p     *Pipeline
	sig   *abort.Signal
	ctx   context.Context
	req   UploadRequest
	stage string
}

// check short-circuits once the signal fired, naming the next stage.
func (u *uploadRun) check(stage string) error {
	u.stage = stage
	if u.sig.Stopped() {
		return &UploadAbortedError{BucketID: u.req.BucketID, Stage: stage}
	}
	return nil
}

// wrap turns an error observed while stopped into an abort of the current stage.
func (u *uploadRun) wrap(err error) error {
	if err == nil {
		return nil
	}
	if u.sig.Stopped() {
		return &UploadAbortedError{BucketID: u.req.BucketID, Stage: u.stage}
	}
	return fmt.Errorf("upload %s: %w", u.stage, err)
}

func (p *Pipeline) runUpload(sig *abort.Signal, req UploadRequest) (*UploadResult, error) {
	id := uuid.NewString()
	start := time.Now()
	ctx := logging.WithTransfer(sig.Context(), id, "upload")
	log := logging.WithContext(ctx)
	log.Info("upload started", zap.String("bucket", req.BucketID), zap.Int64("size", req.Size))

	u := &uploadRun{p: p, sig: sig, ctx: ctx, req: req}
	res, err := u.run()

	var sent int64
	if res != nil {
		sent = res.Size
	}
	aborted := IsAborted(err)
	metrics.RecordTransfer("upload", sent, time.Since(start), err, aborted)
	switch {
	case err == nil:
		log.Info("upload finished", zap.String("file", res.FileID), zap.Duration("duration", time.Since(start)))
	case aborted:
		log.Info("upload aborted", zap.String("stage", u.stage))
	default:
		log.Error("upload failed", zap.String("stage", u.stage), zap.Error(err))
	}
	return res, err
}

func (u *uploadRun) run() (*UploadResult, error) {
	ctx, req, b := u.ctx, u.req, u.p.bridge

	if err := u.check(StageFrame); err != nil {
		return nil, err
	}
	frame, err := b.CreateFrame(ctx, req.Auth)
	if err != nil {
		return nil, u.wrap(err)
	}

	if err := u.check(StageDeriveKey); err != nil {
		return nil, err
	}
	index, err := keys.NewIndex()
	if err != nil {
		return nil, u.wrap(err)
	}
	key, err := u.p.deriver.FileKey(ctx, req.Mnemonic, req.BucketID, index)
	if err != nil {
		return nil, u.wrap(err)
	}
	enc := models.EncryptionContext{Key: key, IV: append([]byte(nil), index[:models.IVSize]...)}
	defer enc.Wipe()

	if err := u.check(StageEncrypt); err != nil {
		return nil, err
	}
	var payload bytes.Buffer
	if req.Size <= maxPrealloc {
		payload.Grow(int(req.Size))
	}
	sum, n, err := crypt.Encrypt(ctx, enc.Key, enc.IV, req.Source, &payload)
	if err != nil {
		return nil, u.wrap(err)
	}
	if n != req.Size {
		return nil, u.wrap(fmt.Errorf("%w: read %d bytes, declared %d", ErrSizeMismatch, n, req.Size))
	}
	shard := models.UploadShardMeta{Hash: hex.EncodeToString(sum), Index: 0, Parity: false, Size: n}

	if err := u.check(StageUploadURL); err != nil {
		return nil, err
	}
	putURL, err := b.RequestUploadURL(ctx, req.Auth, frame, shard)
	if err != nil {
		return nil, u.wrap(err)
	}

	if err := u.check(StageTransfer); err != nil {
		return nil, err
	}
	report := req.Progress
	if report == nil {
		report = func(float64, int64, int64) {}
	}
	report(0, 0, n)
	body := &progressReader{ctx: ctx, r: bytes.NewReader(payload.Bytes()), total: n, fn: report}
	if err := b.Put(ctx, putURL, body, n); err != nil {
		return nil, u.wrap(err)
	}
	report(1, n, n)

	if err := u.check(StageFinalize); err != nil {
		return nil, err
	}
	name := req.Name
	if name == "" {
		name = keys.RandomName()
	}
	encName, err := keys.EncryptFilename(req.Mnemonic, req.BucketID, name)
	if err != nil {
		return nil, u.wrap(err)
	}
	indexHex := hex.EncodeToString(index)
	resp, err := b.FinishUpload(ctx, req.Auth, req.BucketID, protocol.FinishUploadRequest{
		Frame:    frame,
		Filename: encName,
		Index:    indexHex,
		Shards:   []models.UploadShardMeta{shard},
	})
	if err != nil {
		return nil, u.wrap(err)
	}

	return &UploadResult{
		FileID:      resp.ID,
		BucketID:    req.BucketID,
		Index:       indexHex,
		Fingerprint: shard.Hash,
		Size:        n,
		Filename:    encName,
	}, nil
}

// progressReader reports bytes handed to the HTTP transport and fails reads
// once the transfer is stopped, which aborts the request in flight.
type progressReader struct {
	ctx   context.Context
	r     io.Reader
	sent  int64
	total int64
	fn    ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		frac := 1.0
		if p.total > 0 {
			frac = float64(p.sent) / float64(p.total)
		}
		p.fn(frac, p.sent, p.total)
	}
	return n, err
}
