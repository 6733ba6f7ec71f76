// Package acquire downloads the kernel release matching the running platform
// and installs its executable into the kernel directory.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/jellydator/ttlcache/v3"

	"github.com/loykin/kernelkeeper/internal/kernel"
	"github.com/loykin/kernelkeeper/internal/metrics"
)

const (
	DefaultReleaseURL = "https://api.github.com/repos/SagerNet/sing-box/releases/latest"
	DefaultTimeout    = 30 * time.Second
	DefaultRetries    = 3
	DefaultCacheTTL   = 10 * time.Minute

	userAgent = "kernelkeeper"
)

type Stage string

const (
	StageChecking    Stage = "checking"
	StageDownloading Stage = "downloading"
	StageExtracting  Stage = "extracting"
	StageCompleted   Stage = "completed"
)

// Progress is reported while Download runs. It is emitted to clients as
// download-progress.
type Progress struct {
	Status   Stage  `json:"status"`
	Progress int    `json:"progress"`
	Message  string `json:"message"`
}

type ProgressFunc func(Progress)

type Asset struct {
	Name string `json:"name"`
	URL  string `json:"browser_download_url"`
	Size int64  `json:"size"`
}

type Release struct {
	TagName string  `json:"tag_name"`
	Assets  []Asset `json:"assets"`
}

// Version is the tag without its leading "v".
func (r Release) Version() string { return kernel.NormalizeTag(r.TagName) }

type Config struct {
	ReleaseURL string
	TargetDir  string // kernel directory, <work_dir>/sing-box
	BinaryName string // defaults to the kernel executable name for GOOS
	Timeout    time.Duration
	Retries    int
	CacheTTL   time.Duration // negative disables caching
	GOOS       string
	GOARCH     string
}

type Acquirer struct {
	cfg   Config
	http  *resty.Client
	cache *ttlcache.Cache[string, Release]
	log   *slog.Logger
}

type Option func(*Acquirer)

func WithLogger(l *slog.Logger) Option {
	return func(a *Acquirer) {
		if l != nil {
			a.log = l
		}
	}
}

func New(cfg Config, opts ...Option) *Acquirer {
	if cfg.ReleaseURL == "" {
		cfg.ReleaseURL = DefaultReleaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	} else if cfg.Retries == 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.GOOS == "" {
		cfg.GOOS = runtime.GOOS
	}
	if cfg.GOARCH == "" {
		cfg.GOARCH = runtime.GOARCH
	}
	if cfg.BinaryName == "" {
		cfg.BinaryName = kernel.Name
		if cfg.GOOS == "windows" {
			cfg.BinaryName += ".exe"
		}
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.Retries
	retryClient.RetryWaitMin = 200 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.Logger = nil

	a := &Acquirer{
		cfg: cfg,
		http: resty.New().
			SetTransport(&retryablehttp.RoundTripper{Client: retryClient}).
			SetHeader("User-Agent", userAgent),
		log: slog.Default(),
	}
	if cfg.CacheTTL > 0 {
		a.cache = ttlcache.New[string, Release](
			ttlcache.WithTTL[string, Release](cfg.CacheTTL),
			ttlcache.WithDisableTouchOnHit[string, Release](),
		)
		go a.cache.Start()
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Close stops the release cache janitor.
func (a *Acquirer) Close() {
	if a.cache != nil {
		a.cache.Stop()
	}
}

func (a *Acquirer) Config() Config { return a.cfg }

// Latest returns the latest release metadata, served from cache while fresh.
func (a *Acquirer) Latest(ctx context.Context) (Release, error) {
	if a.cache != nil {
		if item := a.cache.Get(a.cfg.ReleaseURL); item != nil {
			return item.Value(), nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	var rel Release
	resp, err := a.http.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetResult(&rel).
		Get(a.cfg.ReleaseURL)
	if err != nil {
		return Release{}, fmt.Errorf("fetch release: %w", err)
	}
	if resp.IsError() {
		return Release{}, fmt.Errorf("fetch release: unexpected status %s", resp.Status())
	}
	if rel.TagName == "" {
		return Release{}, errors.New("fetch release: missing tag_name")
	}
	if a.cache != nil {
		a.cache.Set(a.cfg.ReleaseURL, rel, ttlcache.DefaultTTL)
	}
	return rel, nil
}

// assetArch maps a Go architecture to the name used in release assets.
func assetArch(goarch string) string {
	switch goarch {
	case "arm":
		return "armv7"
	default:
		return goarch
	}
}

func assetExt(goos string) string {
	if goos == "windows" {
		return ".zip"
	}
	return ".tar.gz"
}

// AssetName is the expected archive name for a version and platform.
func AssetName(version, goos, goarch string) string {
	return fmt.Sprintf("%s-%s-%s-%s%s", kernel.Name, version, goos, assetArch(goarch), assetExt(goos))
}

// SelectAsset picks the archive for goos/goarch. An exact name match wins,
// otherwise any sing-box asset with the platform suffix is accepted.
func SelectAsset(rel Release, goos, goarch string) (Asset, error) {
	want := AssetName(rel.Version(), goos, goarch)
	for _, a := range rel.Assets {
		if a.Name == want {
			return a, nil
		}
	}
	suffix := fmt.Sprintf("-%s-%s%s", goos, assetArch(goarch), assetExt(goos))
	for _, a := range rel.Assets {
		if strings.HasPrefix(a.Name, kernel.Name+"-") && strings.HasSuffix(a.Name, suffix) {
			return a, nil
		}
	}
	return Asset{}, fmt.Errorf("no matching asset for %s/%s in release %s (want %s)", goos, goarch, rel.TagName, want)
}

// Download fetches the latest release for the configured platform and
// installs the kernel executable at TargetDir/BinaryName. The target path is
// only replaced once a complete binary has been extracted.
func (a *Acquirer) Download(ctx context.Context, progress ProgressFunc) (path string, err error) {
	if progress == nil {
		progress = func(Progress) {}
	}
	fail := func(stage Stage, asset string, err error) (string, error) {
		metrics.IncAcquire("error")
		ae := &Error{Stage: stage, Asset: asset, TargetDir: a.cfg.TargetDir, Err: err}
		a.log.Error("kernel acquisition failed", "stage", string(stage), "asset", asset, "error", err)
		return "", ae
	}

	progress(Progress{Status: StageChecking, Progress: 0, Message: "checking latest release"})
	rel, err := a.Latest(ctx)
	if err != nil {
		return fail(StageChecking, "", err)
	}
	asset, err := SelectAsset(rel, a.cfg.GOOS, a.cfg.GOARCH)
	if err != nil {
		return fail(StageChecking, "", err)
	}
	if asset.URL == "" {
		return fail(StageChecking, asset.Name, errors.New("asset has no download url"))
	}

	if err := os.MkdirAll(a.cfg.TargetDir, 0o755); err != nil {
		return fail(StageDownloading, asset.Name, err)
	}

	progress(Progress{Status: StageDownloading, Progress: 20, Message: "downloading " + asset.Name})
	archive, err := a.fetch(ctx, asset, progress)
	if err != nil {
		return fail(StageDownloading, asset.Name, err)
	}
	defer func() { _ = os.Remove(archive) }()

	progress(Progress{Status: StageExtracting, Progress: 80, Message: "extracting " + asset.Name})
	path, err = a.install(archive)
	if err != nil {
		return fail(StageExtracting, asset.Name, err)
	}

	metrics.IncAcquire("ok")
	a.log.Info("kernel installed", "version", rel.Version(), "asset", asset.Name, "path", path)
	progress(Progress{Status: StageCompleted, Progress: 100, Message: "kernel " + rel.Version() + " installed"})
	return path, nil
}

// fetch streams the asset into a temp file inside the target dir.
func (a *Acquirer) fetch(ctx context.Context, asset Asset, progress ProgressFunc) (string, error) {
	resp, err := a.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(asset.URL)
	if err != nil {
		return "", err
	}
	body := resp.RawBody()
	defer func() { _ = body.Close() }()
	if resp.IsError() {
		return "", fmt.Errorf("unexpected status %s", resp.Status())
	}

	// keep the archive extension, extract picks the format from it
	tmp, err := os.CreateTemp(a.cfg.TargetDir, ".download-*-"+asset.Name)
	if err != nil {
		return "", err
	}
	name := tmp.Name()

	total := resp.RawResponse.ContentLength
	if total <= 0 {
		total = asset.Size
	}
	pr := &progressReader{r: body, total: total, report: func(pct int) {
		progress(Progress{
			Status:   StageDownloading,
			Progress: 20 + pct*60/100,
			Message:  fmt.Sprintf("downloading %d%%", pct),
		})
	}}
	if _, err := io.Copy(tmp, pr); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return "", err
	}
	return name, nil
}

// install extracts archive into a staging dir and renames the kernel binary
// onto its final path.
func (a *Acquirer) install(archive string) (string, error) {
	staging, err := os.MkdirTemp(a.cfg.TargetDir, ".extract-*")
	if err != nil {
		return "", err
	}
	defer func() { _ = os.RemoveAll(staging) }()

	if err := extract(archive, staging); err != nil {
		return "", err
	}
	bin, err := findBinary(staging, a.cfg.BinaryName)
	if err != nil {
		return "", err
	}
	if err := os.Chmod(bin, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(a.cfg.TargetDir, a.cfg.BinaryName)
	if err := os.Rename(bin, dst); err != nil {
		return "", err
	}
	return dst, nil
}

type progressReader struct {
	r      io.Reader
	total  int64
	read   int64
	last   int
	report func(pct int)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.total > 0 {
		pct := int(p.read * 100 / p.total)
		if pct > 100 {
			pct = 100
		}
		if pct > p.last {
			p.last = pct
			p.report(pct)
		}
	}
	return n, err
}
