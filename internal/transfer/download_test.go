package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/internxt/drive-web-sub008/internal/bridge"
	"github.com/internxt/drive-web-sub008/internal/resolver"
	"github.com/internxt/drive-web-sub008/pkg/models"
)

func TestDownload_FetchesShardsInOrder(t *testing.T) {
	n := newFakeNetwork(t)
	plaintext := testPlaintext(300_001)
	n.addFile("f", testKey(), plaintext, 3)

	var out bytes.Buffer
	written, err := n.pipeline().DownloadTo(context.Background(), DownloadRequest{
		BucketID: testBucket,
		FileID:   "f",
		Auth:     bridge.BearerAuth("tok"),
		Key:      testKey(),
	}, &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if written != int64(len(plaintext)) {
		t.Errorf("expected %d bytes, got %d", len(plaintext), written)
	}
	if !bytes.Equal(out.Bytes(), plaintext) {
		t.Fatal("decrypted output does not match original")
	}
	got := strings.Join(n.fetchedShards(), ",")
	if got != "f-0,f-1,f-2" {
		t.Errorf("expected shards fetched in order f-0,f-1,f-2, got %s", got)
	}
}

func TestDownload_RepairsIncompleteMirror(t *testing.T) {
	n := newFakeNetwork(t)
	plaintext := testPlaintext(9000)
	f := n.addFile("f", testKey(), plaintext, 3)
	f.incomplete[1] = 3

	var out bytes.Buffer
	_, err := n.pipeline().DownloadTo(context.Background(), DownloadRequest{
		BucketID: testBucket, FileID: "f", Auth: bridge.BearerAuth("tok"), Key: testKey(),
	}, &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(out.Bytes(), plaintext) {
		t.Fatal("decrypted output does not match original")
	}
	if got := n.replacements.Load(); got != 3 {
		t.Errorf("expected 3 replacement requests, got %d", got)
	}
}

func TestDownload_ConfigurationErrorsBeforeIO(t *testing.T) {
	n := newFakeNetwork(t)
	n.addFile("f", testKey(), testPlaintext(10), 1)
	p := n.pipeline()
	noDeriver := New(bridge.New(bridge.Config{BaseURL: n.ts.URL}), nil, Config{})

	cases := map[string]struct {
		p   *Pipeline
		req DownloadRequest
	}{
		"no auth":      {p, DownloadRequest{BucketID: testBucket, FileID: "f", Key: testKey()}},
		"both auth":    {p, DownloadRequest{BucketID: testBucket, FileID: "f", Key: testKey(), Auth: bridge.Auth{Token: "t", Credentials: &models.NetworkCredentials{User: "u", Pass: "p"}}}},
		"no key":       {p, DownloadRequest{BucketID: testBucket, FileID: "f", Auth: bridge.BearerAuth("t")}},
		"both keys":    {p, DownloadRequest{BucketID: testBucket, FileID: "f", Auth: bridge.BearerAuth("t"), Key: testKey(), Mnemonic: testMnemonic}},
		"short key":    {p, DownloadRequest{BucketID: testBucket, FileID: "f", Auth: bridge.BearerAuth("t"), Key: []byte("short")}},
		"no deriver":   {noDeriver, DownloadRequest{BucketID: testBucket, FileID: "f", Auth: bridge.BearerAuth("t"), Mnemonic: testMnemonic}},
		"missing file": {p, DownloadRequest{BucketID: testBucket, Auth: bridge.BearerAuth("t"), Key: testKey()}},
	}
	for name, tc := range cases {
		_, err := tc.p.Download(context.Background(), tc.req)
		var cerr *ConfigurationError
		if !errors.As(err, &cerr) {
			t.Errorf("%s: expected ConfigurationError, got %T: %v", name, err, err)
		}
	}
	if got := n.requests.Load(); got != 0 {
		t.Errorf("expected no network calls, got %d", got)
	}
}

func TestDownload_NotFound(t *testing.T) {
	n := newFakeNetwork(t)
	_, err := n.pipeline().Download(context.Background(), DownloadRequest{
		BucketID: testBucket, FileID: "missing", Auth: bridge.BasicAuth("u", "p"), Key: testKey(),
	})
	var nerr *bridge.NetworkRequestError
	if !errors.As(err, &nerr) {
		t.Fatalf("expected NetworkRequestError, got %T: %v", err, err)
	}
	if nerr.Status != http.StatusNotFound {
		t.Errorf("expected 404, got %d", nerr.Status)
	}
}

func TestDownload_MissingMirrorURL(t *testing.T) {
	n := newFakeNetwork(t)
	f := n.addFile("f", testKey(), testPlaintext(100), 2)
	for i := range f.mirrors {
		if f.mirrors[i].Index == 1 {
			f.mirrors[i].URL = ""
		}
	}
	_, err := n.pipeline().Download(context.Background(), DownloadRequest{
		BucketID: testBucket, FileID: "f", Auth: bridge.BearerAuth("t"), Key: testKey(),
	})
	var merr *resolver.MirrorIntegrityError
	if !errors.As(err, &merr) {
		t.Fatalf("expected MirrorIntegrityError, got %T: %v", err, err)
	}
	if merr.Hash != "f-1" {
		t.Errorf("expected shard hash f-1, got %s", merr.Hash)
	}
}

func TestDownload_StopMidStream(t *testing.T) {
	n := newFakeNetwork(t)
	n.addFile("f", testKey(), testPlaintext(200_000), 4)

	s, err := n.pipeline().Download(context.Background(), DownloadRequest{
		BucketID: testBucket, FileID: "f", Auth: bridge.BearerAuth("t"), Key: testKey(),
	})
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 1024)
	if _, err := io.ReadFull(s, buf); err != nil {
		t.Fatal(err)
	}

	s.Stop()
	s.Stop()

	for i := 0; i < 2; i++ {
		got, err := s.Read(buf)
		if got != 0 {
			t.Fatalf("read %d bytes after stop", got)
		}
		var aerr *DownloadAbortedError
		if !errors.As(err, &aerr) {
			t.Fatalf("expected DownloadAbortedError, got %T: %v", err, err)
		}
		if aerr.Read != 1024 {
			t.Errorf("expected 1024 bytes read before abort, got %d", aerr.Read)
		}
	}
	if got := len(n.fetchedShards()); got != 1 {
		t.Errorf("expected only the first shard fetched, got %d", got)
	}
	s.Close()
}

func TestDownload_ParentContextCancel(t *testing.T) {
	n := newFakeNetwork(t)
	n.addFile("f", testKey(), testPlaintext(50_000), 2)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := n.pipeline().Download(ctx, DownloadRequest{
		BucketID: testBucket, FileID: "f", Auth: bridge.BearerAuth("t"), Key: testKey(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	cancel()

	if _, err := io.ReadAll(s); !IsAborted(err) {
		t.Fatalf("expected aborted error, got %v", err)
	}
}

func TestDownload_SizeMismatch(t *testing.T) {
	n := newFakeNetwork(t)
	f := n.addFile("f", testKey(), testPlaintext(1000), 1)
	f.meta.Size = 999

	_, err := n.pipeline().DownloadTo(context.Background(), DownloadRequest{
		BucketID: testBucket, FileID: "f", Auth: bridge.BearerAuth("t"), Key: testKey(),
	}, io.Discard)
	if !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("expected ErrSizeMismatch, got %v", err)
	}
}

func TestDownloadURL_ProxyPrefix(t *testing.T) {
	p := New(nil, nil, Config{ProxyURL: "https://proxy.example.com/"})
	got := p.downloadURL(models.ShardMirror{URL: "http://10.0.0.1:4000/shards/abc?token=t"})
	if got != "https://proxy.example.com/http://10.0.0.1:4000/shards/abc?token=t" {
		t.Errorf("unexpected proxied url %s", got)
	}

	direct := New(nil, nil, Config{})
	if got := direct.downloadURL(models.ShardMirror{URL: "http://a/b"}); got != "http://a/b" {
		t.Errorf("expected url unchanged, got %s", got)
	}
}

func TestDownload_StopWhileShardBodyBlocked(t *testing.T) {
	n := newFakeNetwork(t)
	n.addFile("f", testKey(), testPlaintext(100_000), 1)
	stalled := n.stallShard("f-0")

	s, err := n.pipeline().Download(context.Background(), DownloadRequest{
		BucketID: testBucket, FileID: "f", Auth: bridge.BearerAuth("t"), Key: testKey(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := io.ReadAll(s)
		done <- result{data, err}
	}()

	select {
	case <-stalled:
	case <-time.After(5 * time.Second):
		t.Fatal("shard was never requested")
	}
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("read did not return after stop")
	}
	var aerr *DownloadAbortedError
	if !errors.As(res.err, &aerr) {
		t.Fatalf("expected DownloadAbortedError, got %T: %v", res.err, res.err)
	}
	if len(res.data) >= 100_000 {
		t.Errorf("expected a partial read, got %d bytes", len(res.data))
	}
	if aerr.Read != int64(len(res.data)) {
		t.Errorf("expected abort to report %d bytes, got %d", len(res.data), aerr.Read)
	}
	if got, err := s.Read(make([]byte, 16)); got != 0 || !errors.As(err, &aerr) {
		t.Errorf("expected no bytes after stop, got %d, %v", got, err)
	}
}
