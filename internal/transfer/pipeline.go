// Package transfer composes the resolver, the cipher transform and the bridge
// client into the single-file download and upload pipelines.
package transfer

import (
	"context"
	"io"
	"strings"

	"github.com/internxt/drive-web-sub008/internal/bridge"
	"github.com/internxt/drive-web-sub008/internal/keys"
	"github.com/internxt/drive-web-sub008/internal/resolver"
	"github.com/internxt/drive-web-sub008/pkg/models"
	"github.com/internxt/drive-web-sub008/pkg/protocol"
)

// Bridge is the bridge API surface the pipelines consume.
type Bridge interface {
	resolver.Bridge
	CreateFrame(ctx context.Context, auth bridge.Auth) (string, error)
	RequestUploadURL(ctx context.Context, auth bridge.Auth, frameID string, shard models.UploadShardMeta) (string, error)
	FinishUpload(ctx context.Context, auth bridge.Auth, bucketID string, req protocol.FinishUploadRequest) (*protocol.FinishUploadResponse, error)
	Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error)
	Put(ctx context.Context, rawURL string, body io.Reader, size int64) error
}

// Config is the static configuration shared by every transfer.
type Config struct {
	// ProxyURL, when set, prefixes every shard download URL.
	ProxyURL string
	Resolver resolver.Config
}

// Pipeline runs downloads and uploads. It is safe for concurrent use; each
// transfer owns its own signal, key material and buffers.
type Pipeline struct {
	bridge   Bridge
	resolver *resolver.Resolver
	deriver  keys.Deriver
	proxyURL string
}

// New creates a pipeline. deriver may be nil when every download brings a raw key.
func New(b Bridge, deriver keys.Deriver, cfg Config) *Pipeline {
	return &Pipeline{
		bridge:   b,
		resolver: resolver.New(b, cfg.Resolver),
		deriver:  deriver,
		proxyURL: strings.TrimSuffix(cfg.ProxyURL, "/"),
	}
}

func (p *Pipeline) downloadURL(m models.ShardMirror) string {
	if p.proxyURL == "" {
		return m.URL
	}
	return p.proxyURL + "/" + m.URL
}
