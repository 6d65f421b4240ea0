package encode

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopmind/reco-engine/engine/fusion"
	"golang.org/x/time/rate"
)

const (
	// FetchTimeout bounds the remote image download so a hung host
	// cannot block indexing.
	FetchTimeout = 30 * time.Second
	// maxImageBytes caps the downloaded image size.
	maxImageBytes = 20 << 20
	// probeInterval spaces availability re-probes while the model
	// server is down, so a transient outage at warm-up does not
	// disable the encoder for the process lifetime.
	probeInterval = 30 * time.Second
	// probeTimeout bounds one health check.
	probeTimeout = 5 * time.Second
)

// ImageEncoder embeds product images via an HTTP vision model server.
// Missing images, fetch failures, and an unavailable model server are
// degraded inputs, not errors: the encoder returns a nil vector and the
// pipeline proceeds with text-only signal.
type ImageEncoder struct {
	baseURL string
	dim     int
	client  *http.Client
	fetcher *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger

	mu         sync.Mutex
	available  bool
	lastProbe  time.Time
	probeEvery time.Duration
	now        func() time.Time
}

// NewImageEncoder creates an image encoder for the given model server.
func NewImageEncoder(baseURL string, logger *slog.Logger) *ImageEncoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &ImageEncoder{
		baseURL:    baseURL,
		dim:        fusion.ImageDim,
		client:     &http.Client{},
		fetcher:    &http.Client{Timeout: FetchTimeout},
		limiter:    rate.NewLimiter(rate.Every(100*time.Millisecond), 10),
		logger:     logger,
		probeEvery: probeInterval,
		now:        time.Now,
	}
}

// Dim returns the output dimensionality.
func (e *ImageEncoder) Dim() int { return e.dim }

// Available reports whether the vision model server answers its health
// probe. The result is cached; while unavailable the probe repeats at
// most once per probe interval, so the encoder recovers when the
// server comes back.
func (e *ImageEncoder) Available() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.available {
		return true
	}
	if !e.lastProbe.IsZero() && e.now().Sub(e.lastProbe) < e.probeEvery {
		return false
	}
	e.lastProbe = e.now()
	e.available = e.probe()
	return e.available
}

// probe checks the health endpoint under its own deadline: a canceled
// request context must not poison the cached result.
func (e *ImageEncoder) probe() bool {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		e.logger.Warn("image encoder unavailable", "error", err)
		return false
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		e.logger.Warn("image encoder unavailable", "status", resp.StatusCode)
		return false
	}
	return true
}

type imageEmbedReq struct {
	Image string `json:"image"`
}

// EncodeBytes embeds raw image bytes. Returns (nil, nil) when the model
// server is unavailable, the content is not an image, or the embed call
// fails; the error return carries only context cancellation.
func (e *ImageEncoder) EncodeBytes(ctx context.Context, data []byte) ([]float32, error) {
	if !e.Available() {
		return nil, nil
	}
	if len(data) == 0 || !isImage(data) {
		return nil, nil
	}

	body, _ := json.Marshal(imageEmbedReq{Image: base64.StdEncoding.EncodeToString(data)})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embed/image", bytes.NewReader(body))
	if err != nil {
		return nil, nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.logger.Warn("image embed failed", "error", err)
		return nil, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		e.logger.Warn("image embed failed", "status", resp.StatusCode)
		return nil, nil
	}

	var result embedResp
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		e.logger.Warn("image embed decode failed", "error", err)
		return nil, nil
	}
	if len(result.Embedding) != e.dim {
		e.logger.Warn("image embed wrong dims", "got", len(result.Embedding), "want", e.dim)
		return nil, nil
	}

	out := make([]float32, e.dim)
	for i, v := range result.Embedding {
		out[i] = float32(v)
	}
	return fusion.Normalize(out), nil
}

// EncodeURL downloads an image and embeds it. Fetch failures and
// non-image content return (nil, nil) within the configured timeout.
func (e *ImageEncoder) EncodeURL(ctx context.Context, url string) ([]float32, error) {
	if url == "" || !e.Available() {
		return nil, nil
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil
	}

	resp, err := e.fetcher.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.logger.Warn("image fetch failed", "url", url, "error", err)
		return nil, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		e.logger.Warn("image fetch failed", "url", url, "status", resp.StatusCode)
		return nil, nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		e.logger.Warn("image fetch read failed", "url", url, "error", err)
		return nil, nil
	}

	return e.EncodeBytes(ctx, data)
}

// isImage sniffs the content type of raw bytes.
func isImage(data []byte) bool {
	return strings.HasPrefix(http.DetectContentType(data), "image/")
}

// markProbed is a test hook to force availability without a probe.
func (e *ImageEncoder) markProbed(available bool) {
	e.mu.Lock()
	e.available = available
	e.lastProbe = e.now()
	e.mu.Unlock()
}
