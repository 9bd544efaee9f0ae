// Package resolver fetches file metadata and the ordered list of usable
// shard mirrors, repairing mirrors whose farmer record is incomplete.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/internxt/drive-web-sub008/internal/bridge"
	"github.com/internxt/drive-web-sub008/internal/logging"
	"github.com/internxt/drive-web-sub008/internal/metrics"
	"github.com/internxt/drive-web-sub008/pkg/models"
	"github.com/internxt/drive-web-sub008/pkg/retry"
)

// DefaultPageSize is the number of mirrors requested per listing page.
const DefaultPageSize = 6

// MirrorIntegrityError is returned when a shard cannot be made usable.
type MirrorIntegrityError struct {
	Hash   string
	Index  int
	Reason string
}

func (e *MirrorIntegrityError) Error() string {
	return fmt.Sprintf("mirror for shard %d (%s) unusable: %s", e.Index, e.Hash, e.Reason)
}

// Bridge is the subset of the bridge API the resolver consumes.
type Bridge interface {
	GetFileInfo(ctx context.Context, auth bridge.Auth, bucketID, fileID string) (*models.FileMetadata, error)
	ListMirrors(ctx context.Context, auth bridge.Auth, bucketID, fileID string, limit, skip int, exclude []string) ([]models.ShardMirror, error)
}

// Config holds resolver configuration.
type Config struct {
	PageSize int
	// Repair controls the replacement loop for incomplete farmers. The zero
	// value loops until the bridge returns a complete record.
	Repair retry.Config
}

// Resolver resolves metadata and mirrors of one file at a time.
type Resolver struct {
	bridge Bridge
	cfg    Config
}

// New creates a resolver.
func New(b Bridge, cfg Config) *Resolver {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	return &Resolver{bridge: b, cfg: cfg}
}

var errIncompleteFarmer = errors.New("farmer record incomplete")

// GetFileMetadata fetches the metadata of a file.
func (r *Resolver) GetFileMetadata(ctx context.Context, auth bridge.Auth, bucketID, fileID string) (*models.FileMetadata, error) {
	return r.bridge.GetFileInfo(ctx, auth, bucketID, fileID)
}

// ListShardMirrors returns the non-parity mirrors of a file sorted by shard
// index, each with a complete farmer record and a URL.
func (r *Resolver) ListShardMirrors(ctx context.Context, auth bridge.Auth, bucketID, fileID string) ([]models.ShardMirror, error) {
	log := logging.WithContext(ctx)

	var all []models.ShardMirror
	for skip := 0; ; skip += r.cfg.PageSize {
		page, err := r.bridge.ListMirrors(ctx, auth, bucketID, fileID, r.cfg.PageSize, skip, nil)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		all = append(all, page...)
	}

	mirrors := all[:0]
	for _, m := range all {
		if !m.Parity {
			mirrors = append(mirrors, m)
		}
	}
	sort.SliceStable(mirrors, func(i, j int) bool { return mirrors[i].Index < mirrors[j].Index })

	for i := range mirrors {
		if !mirrors[i].Farmer.Complete() {
			log.Debug("repairing mirror",
				zap.Int("shard", mirrors[i].Index),
				zap.String("hash", mirrors[i].Hash))
			repaired, err := r.repair(ctx, auth, bucketID, fileID, mirrors[i])
			if err != nil {
				return nil, err
			}
			mirrors[i] = repaired
		}
		mirrors[i].Farmer.Address = strings.TrimSpace(mirrors[i].Farmer.Address)

		if !mirrors[i].Usable() {
			return nil, &MirrorIntegrityError{
				Hash:   mirrors[i].Hash,
				Index:  mirrors[i].Index,
				Reason: "missing url or farmer data",
			}
		}
	}

	log.Debug("mirrors resolved", zap.Int("count", len(mirrors)))
	return mirrors, nil
}

// repair requests single replacement mirrors at the same shard index until
// one carries a complete farmer record.
func (r *Resolver) repair(ctx context.Context, auth bridge.Auth, bucketID, fileID string, bad models.ShardMirror) (models.ShardMirror, error) {
	cur := bad
	policy := r.cfg.Repair
	userHook := policy.OnRetry
	policy.OnRetry = func(attempt int, err error) {
		logging.WithContext(ctx).Debug("replacement mirror incomplete",
			zap.Int("shard", bad.Index),
			zap.Int("attempt", attempt))
		if userHook != nil {
			userHook(attempt, err)
		}
	}

	repaired, err := retry.Do(ctx, policy, func(attempt int) (models.ShardMirror, error) {
		var exclude []string
		if cur.Farmer.NodeID != "" {
			exclude = []string{cur.Farmer.NodeID}
		}
		metrics.RecordMirrorReplacement()
		page, err := r.bridge.ListMirrors(ctx, auth, bucketID, fileID, 1, bad.Index, exclude)
		if err != nil {
			return models.ShardMirror{}, err
		}
		if len(page) == 0 {
			return models.ShardMirror{}, retry.Retryable(errIncompleteFarmer)
		}
		cur = page[0]
		if !cur.Farmer.Complete() {
			return models.ShardMirror{}, retry.Retryable(errIncompleteFarmer)
		}
		if attempt > 1 {
			logging.WithContext(ctx).Warn("mirror repaired after several attempts",
				zap.Int("shard", bad.Index),
				zap.Int("attempts", attempt))
		}
		return cur, nil
	})
	if errors.Is(err, errIncompleteFarmer) {
		return models.ShardMirror{}, &MirrorIntegrityError{
			Hash:   bad.Hash,
			Index:  bad.Index,
			Reason: fmt.Sprintf("no complete farmer after %d attempts", policy.MaxAttempts),
		}
	}
	return repaired, err
}
