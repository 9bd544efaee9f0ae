// drivectl downloads and uploads encrypted files through a storage bridge.
//
//	drivectl download --bucket B --file F --token T --mnemonic M --out ./file.bin
//	drivectl download --bucket B --file F --user U --pass P --key-hex K --out s3://backups/file.bin
//	drivectl upload   --bucket B --in ./file.bin --user U --pass P --mnemonic M
//
// Bridge, proxy, repair and sink settings come from DRIVE_CONFIG and the
// environment. Ctrl-C stops the running transfer.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/internxt/drive-web-sub008/internal/bridge"
	"github.com/internxt/drive-web-sub008/internal/config"
	"github.com/internxt/drive-web-sub008/internal/keys"
	"github.com/internxt/drive-web-sub008/internal/logging"
	"github.com/internxt/drive-web-sub008/internal/metrics"
	"github.com/internxt/drive-web-sub008/internal/report"
	"github.com/internxt/drive-web-sub008/internal/resolver"
	"github.com/internxt/drive-web-sub008/internal/sink"
	"github.com/internxt/drive-web-sub008/internal/transfer"
	"github.com/internxt/drive-web-sub008/pkg/retry"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// commonFlags are shared by every subcommand.
type commonFlags struct {
	token    string
	user     string
	pass     string
	logLevel string
}

func (a *commonFlags) add(fs *pflag.FlagSet) {
	fs.StringVar(&a.token, "token", "", "bearer token")
	fs.StringVar(&a.user, "user", "", "bridge user for basic auth")
	fs.StringVar(&a.pass, "pass", "", "bridge password for basic auth (hashed before sending)")
	fs.StringVar(&a.logLevel, "log-level", "", "override LOG_LEVEL for this run")
}

// parse parses args and applies the log level override.
func (a *commonFlags) parse(fs *pflag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	if a.logLevel != "" {
		return logging.SetLevel(a.logLevel)
	}
	return nil
}

func (a *commonFlags) auth() bridge.Auth {
	if a.user != "" || a.pass != "" {
		auth := bridge.BasicAuth(a.user, a.pass)
		auth.Token = a.token
		return auth
	}
	return bridge.BearerAuth(a.token)
}

func run(args []string) error {
	if len(args) == 0 {
		printUsage()
		return errors.New("missing command")
	}
	switch args[0] {
	case "help", "-h", "--help":
		printUsage()
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		return fmt.Errorf("logging init: %w", err)
	}
	defer logging.Sync()

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	p := newPipeline(cfg)

	switch args[0] {
	case "download":
		err = runDownload(ctx, cfg, p, args[1:])
	case "upload":
		err = runUpload(ctx, p, args[1:])
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
	if err != nil {
		report.LogReporter{}.Report(ctx, err)
	}
	return err
}

func newPipeline(cfg *config.Config) *transfer.Pipeline {
	client := bridge.New(bridge.Config{BaseURL: cfg.BridgeURL, Timeout: cfg.HTTPTimeout})

	return transfer.New(client, keys.Mnemonic{}, transfer.Config{
		ProxyURL: cfg.ProxyURL,
		Resolver: resolver.Config{PageSize: cfg.MirrorPageSize, Repair: repairPolicy(cfg)},
	})
}

// repairPolicy retries immediately and forever unless a backoff or a cap is configured.
func repairPolicy(cfg *config.Config) retry.Config {
	repair := retry.Forever()
	if cfg.RepairBackoff > 0 {
		repair = retry.DefaultConfig()
		repair.InitialWait = cfg.RepairBackoff
		if cfg.RepairBackoffLimit > 0 {
			repair.MaxWait = cfg.RepairBackoffLimit
		}
	}
	repair.MaxAttempts = cfg.MaxRepairAttempts
	repair.OnRetry = func(attempt int, err error) {
		logging.Debug("mirror repair retry", zap.Int("attempt", attempt), zap.Error(err))
	}
	return repair
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	logging.Info("metrics listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logging.Error("metrics server stopped", zap.Error(err))
	}
}

func runDownload(ctx context.Context, cfg *config.Config, p *transfer.Pipeline, args []string) error {
	var a commonFlags
	var bucket, file, keyHex, mnemonic, out string

	fs := pflag.NewFlagSet("download", pflag.ContinueOnError)
	fs.StringVar(&bucket, "bucket", "", "bucket id")
	fs.StringVar(&file, "file", "", "file id")
	fs.StringVar(&keyHex, "key-hex", "", "raw 32-byte file key, hex encoded")
	fs.StringVar(&mnemonic, "mnemonic", "", "mnemonic to derive the file key")
	fs.StringVarP(&out, "out", "o", "", "output path or s3://bucket/key")
	a.add(fs)
	if err := a.parse(fs, args); err != nil {
		return err
	}

	req := transfer.DownloadRequest{BucketID: bucket, FileID: file, Auth: a.auth(), Mnemonic: mnemonic}
	if keyHex != "" {
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return fmt.Errorf("--key-hex: %w", err)
		}
		req.Key = key
	}

	target, err := sink.ParseTarget(out)
	if err != nil {
		return fmt.Errorf("--out: %w", err)
	}
	var opener sink.Opener = sink.Files{}
	if target.IsS3() {
		opener, err = sink.NewS3(ctx, sink.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    target.Bucket,
		})
		if err != nil {
			return err
		}
	}

	s, err := p.Download(ctx, req)
	if err != nil {
		return err
	}
	defer s.Close()

	w, err := opener.Open(ctx, target.Name, s.Metadata().Size)
	if err != nil {
		return err
	}
	n, err := io.Copy(w, s)
	if err != nil {
		w.Abort(err)
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	logging.Info("downloaded", zap.String("file", file), zap.Int64("bytes", n), zap.String("out", out))
	return nil
}

func runUpload(ctx context.Context, p *transfer.Pipeline, args []string) error {
	var a commonFlags
	var bucket, in, mnemonic, name string

	fs := pflag.NewFlagSet("upload", pflag.ContinueOnError)
	fs.StringVar(&bucket, "bucket", "", "bucket id")
	fs.StringVarP(&in, "in", "i", "", "input file")
	fs.StringVar(&mnemonic, "mnemonic", "", "mnemonic to derive the file key")
	fs.StringVar(&name, "name", "", "plaintext name to register (defaults to the input base name)")
	a.add(fs)
	if err := a.parse(fs, args); err != nil {
		return err
	}

	f, err := os.Open(in)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if name == "" {
		name = filepath.Base(in)
	}

	h := p.Upload(context.Background(), transfer.UploadRequest{
		BucketID: bucket,
		Source:   f,
		Size:     info.Size(),
		Auth:     a.auth(),
		Mnemonic: mnemonic,
		Name:     name,
		Progress: report.ForTask(progressPrinter{}, in),
	})

	select {
	case <-h.Done():
	case <-ctx.Done():
		logging.Warn("interrupted, stopping upload", zap.String("in", in))
		h.Stop()
	}
	res, err := h.Wait()
	if err != nil {
		return err
	}
	fmt.Println(res.FileID)
	logging.Info("uploaded", zap.String("file", res.FileID), zap.String("fingerprint", res.Fingerprint), zap.Int64("bytes", res.Size))
	return nil
}

type progressPrinter struct{}

func (progressPrinter) UpdateProgress(taskID string, fraction float64) {
	fmt.Fprintf(os.Stderr, "\r%s: %3.0f%%", taskID, fraction*100)
	if fraction >= 1 {
		fmt.Fprintln(os.Stderr)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: drivectl <command> [flags]

commands:
  download   fetch, decrypt and store a file
  upload     encrypt and register a file

environment:
  DRIVE_CONFIG, DRIVE_BRIDGE_URL, DRIVE_PROXY_URL, DRIVE_MIRROR_PAGE_SIZE,
  DRIVE_MAX_REPAIR_ATTEMPTS, DRIVE_REPAIR_BACKOFF, DRIVE_REPAIR_BACKOFF_LIMIT,
  LOG_LEVEL, LOG_FORMAT, METRICS_ADDR, S3_ENDPOINT, S3_REGION, S3_ACCESS_KEY, S3_SECRET_KEY`)
}
