// Package sabrclient runs the SABR request/response loop: building a
// request from session state, POSTing it, streaming the response through
// the UMP part reader, dispatching each part, and deciding when the fetch
// is complete.
//
// Validate inputs, build a per-call HTTP client, loop until a terminal
// condition, log via the observability package at each step.
package sabrclient

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/sabrfetch/internal/config"
	"github.com/jmylchreest/sabrfetch/internal/observability"
	"github.com/jmylchreest/sabrfetch/pkg/httpclient"
	"github.com/jmylchreest/sabrfetch/pkg/sabr/handlers"
	"github.com/jmylchreest/sabrfetch/pkg/sabr/request"
	"github.com/jmylchreest/sabrfetch/pkg/sabr/session"
	"github.com/jmylchreest/sabrfetch/pkg/sabr/ump"
)

// Sentinel errors for the fetch's terminal conditions.
var (
	// ErrTransport wraps an HTTP connect/read/write failure or non-2xx
	// status. Fatal to the fetch.
	ErrTransport = errors.New("sabrclient: transport error")
	// ErrProtocol wraps malformed UMP framing or truncated payloads. Fatal.
	ErrProtocol = errors.New("sabrclient: protocol error")
	// ErrEmptyStream indicates the loop ended with zero bytes written; the
	// output file is deleted.
	ErrEmptyStream = errors.New("sabrclient: empty stream, no bytes written")
)

// Web music origin/referer sent on every request.
const webMusicOrigin = "https://music.youtube.com"

// FetchConfig carries the inputs to a fetch.
type FetchConfig struct {
	StreamingURL string
	Itag         int64
	Lmt          int64
	DurationMs   int64 // informational only

	PoToken         string // base64, URL-safe-no-padding preferred
	UstreamerConfig string // base64, same rules

	OutputFile string

	Client config.ClientConfig
	HTTP   config.HTTPConfig
	Limits config.FetchConfig
}

// Result is returned on a successful fetch.
type Result struct {
	BytesWritten int64
	OutputFile   string
}

// Fetch runs the request loop to completion, writing audio bytes to
// cfg.OutputFile.
func Fetch(ctx context.Context, cfg FetchConfig) (Result, error) {
	if cfg.StreamingURL == "" {
		return Result{}, fmt.Errorf("sabrclient: streamingUrl is required")
	}
	if cfg.OutputFile == "" {
		return Result{}, fmt.Errorf("sabrclient: outputFile is required")
	}

	fetchID := ulid.Make().String()
	correlationID := uuid.NewString()

	logger := observability.WithComponent(observability.LoggerFromContext(ctx), "sabrclient")
	logger = observability.WithCorrelationID(logger, correlationID)
	ctx = observability.ContextWithLogger(ctx, logger)
	ctx = observability.ContextWithCorrelationID(ctx, correlationID)

	done := observability.TimedOperation(ctx, logger, "sabr_fetch")
	defer done()

	poToken, err := decodeLoose(cfg.PoToken)
	if err != nil {
		return Result{}, fmt.Errorf("sabrclient: decoding poToken: %w", err)
	}
	ustreamerConfig, err := decodeLoose(cfg.UstreamerConfig)
	if err != nil {
		return Result{}, fmt.Errorf("sabrclient: decoding ustreamerConfig: %w", err)
	}

	tmpPath := cfg.OutputFile + "." + fetchID + ".tmp"
	out, err := os.Create(tmpPath)
	if err != nil {
		return Result{}, fmt.Errorf("sabrclient: creating output file: %w", err)
	}

	sess := session.New(cfg.StreamingURL, cfg.Itag, cfg.Lmt)
	httpClient, err := newHTTPClient(cfg.HTTP, cfg.Client.Proxy, logger)
	if err != nil {
		out.Close()
		os.Remove(tmpPath)
		return Result{}, fmt.Errorf("sabrclient: configuring http client: %w", err)
	}
	clientInfo := request.ClientInfo{
		HL:            cfg.Client.HL,
		GL:            cfg.Client.GL,
		VisitorData:   cfg.Client.VisitorData,
		UserAgent:     cfg.Client.UserAgent,
		ClientName:    int64(cfg.Client.ClientName),
		ClientVersion: cfg.Client.ClientVersion,
	}

	bytesWritten, runErr := runLoop(ctx, sess, httpClient, out, cfg, clientInfo, poToken, ustreamerConfig, logger)

	closeErr := out.Close()
	if runErr == nil {
		runErr = closeErr
	}

	if runErr != nil || bytesWritten == 0 {
		os.Remove(tmpPath)
		if runErr != nil {
			return Result{}, runErr
		}
		return Result{}, ErrEmptyStream
	}

	if err := os.Rename(tmpPath, cfg.OutputFile); err != nil {
		os.Remove(tmpPath)
		return Result{}, fmt.Errorf("sabrclient: finalizing output file: %w", err)
	}

	logger.Info("fetch complete",
		slog.Int64("bytes_written", bytesWritten),
		slog.Int64("request_number", sess.RequestNumber),
		slog.Bool("stream_complete", sess.StreamComplete),
	)

	return Result{BytesWritten: bytesWritten, OutputFile: cfg.OutputFile}, nil
}

func newHTTPClient(cfg config.HTTPConfig, proxy string, logger *slog.Logger) (*httpclient.Client, error) {
	httpCfg := httpclient.DefaultConfig()
	if cfg.ConnectTimeout.Duration() > 0 {
		httpCfg.Timeout = cfg.ConnectTimeout.Duration() + cfg.ReadTimeout.Duration() + cfg.WriteTimeout.Duration()
	}
	if cfg.RetryAttempts > 0 {
		httpCfg.RetryAttempts = cfg.RetryAttempts
	}
	if cfg.RetryDelay.Duration() > 0 {
		httpCfg.RetryDelay = cfg.RetryDelay.Duration()
	}
	if cfg.RetryMaxDelay.Duration() > 0 {
		httpCfg.RetryMaxDelay = cfg.RetryMaxDelay.Duration()
	}
	if cfg.CircuitBreakerThreshold > 0 {
		httpCfg.CircuitThreshold = cfg.CircuitBreakerThreshold
	}
	if cfg.CircuitBreakerTimeout.Duration() > 0 {
		httpCfg.CircuitTimeout = cfg.CircuitBreakerTimeout.Duration()
	}
	httpCfg.UserAgent = httpclient.DefaultUserAgentHeader
	httpCfg.Logger = logger

	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parsing client.proxy: %w", err)
		}
		httpCfg.BaseClient = &http.Client{
			Timeout:   httpCfg.Timeout,
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}

	return httpclient.New(httpCfg), nil
}

func runLoop(
	ctx context.Context,
	sess *session.Session,
	httpClient *httpclient.Client,
	out io.Writer,
	cfg FetchConfig,
	clientInfo request.ClientInfo,
	poToken []byte,
	ustreamerConfig []byte,
	logger *slog.Logger,
) (int64, error) {
	maxRequests := int64(cfg.Limits.MaxRequests)
	if maxRequests <= 0 {
		maxRequests = 300
	}
	maxStalled := cfg.Limits.MaxStalledRequests
	if maxStalled <= 0 {
		maxStalled = 5
	}

	var totalBytes int64

	for {
		if sess.StreamComplete || sess.RequestNumber >= maxRequests {
			break
		}

		sess.BeginRequest()

		send := sess.ComputeSendState()
		body := request.Build(sess, send, request.Options{
			ClientInfo:      clientInfo,
			PoToken:         poToken,
			UstreamerConfig: ustreamerConfig,
		})

		n, err := doRequest(ctx, sess, httpClient, out, body, cfg.Client.Cookie, logger)
		totalBytes += n
		if err != nil {
			return totalBytes, err
		}

		if sess.ActivityInRequest {
			sess.StalledRequests = 0
		} else {
			sess.StalledRequests++
			if sess.StalledRequests >= maxStalled {
				logger.Warn("stall limit reached, ending fetch",
					slog.Int("stalled_requests", sess.StalledRequests),
					slog.Int64("bytes_written", totalBytes))
				break
			}
		}

		checkEndOfStream(sess)
		if !sess.StreamComplete {
			advancePlayerTime(sess)
		}
	}

	return totalBytes, nil
}

func doRequest(
	ctx context.Context,
	sess *session.Session,
	httpClient *httpclient.Client,
	out io.Writer,
	body []byte,
	cookie string,
	logger *slog.Logger,
) (int64, error) {
	reqURL, err := appendRequestNumber(sess.URL, sess.RequestNumber)
	if err != nil {
		return 0, fmt.Errorf("%w: building request URL: %v", ErrTransport, err)
	}

	headers := http.Header{}
	headers.Set("Accept", "application/vnd.yt-ump")
	headers.Set("Content-Encoding", "identity")
	headers.Set("Origin", webMusicOrigin)
	headers.Set("Referer", webMusicOrigin+"/")
	if cookie != "" {
		headers.Set("Cookie", cookie)
	}

	resp, err := httpClient.PostProtobuf(ctx, reqURL, body, headers)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		preview := make([]byte, 500)
		n, _ := io.ReadFull(resp.Body, preview)
		return 0, fmt.Errorf("%w: status %d: %s", ErrTransport, resp.StatusCode, preview[:n])
	}

	reader := ump.NewPartReader(resp.Body)
	var bytesThisRequest int64
	sawAnyPart := false

	for {
		part, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return bytesThisRequest, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		sawAnyPart = true

		n, err := handlers.Dispatch(part.Type, part.Payload, sess, out)
		bytesThisRequest += n
		if err != nil {
			var sabrErr *handlers.SabrError
			if errors.As(err, &sabrErr) {
				return bytesThisRequest, fmt.Errorf("%w: %v", ErrProtocol, sabrErr)
			}
			if errors.Is(err, handlers.ErrAttestationRequired) {
				return bytesThisRequest, fmt.Errorf("%w: %w", ErrProtocol, err)
			}
			return bytesThisRequest, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
	}

	if !sawAnyPart {
		return bytesThisRequest, fmt.Errorf("%w: empty response body", ErrTransport)
	}

	logger.Debug("request complete",
		slog.Int64("request_number", sess.RequestNumber),
		slog.Int64("bytes_this_request", bytesThisRequest))

	return bytesThisRequest, nil
}

// appendRequestNumber appends rn=<n> to rawURL, using & if a query string
// is already present.
func appendRequestNumber(rawURL string, n int64) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	sep := "?"
	if u.RawQuery != "" {
		sep = "&"
	}
	return rawURL + sep + fmt.Sprintf("rn=%d", n), nil
}

// checkEndOfStream marks sess complete once the audio format's consumed
// ranges cover its declared total segments, or once playback has reached
// its declared end time.
func checkEndOfStream(sess *session.Session) {
	f, ok := sess.AudioFormat()
	if !ok {
		return
	}

	maxEnd, hasActive := f.MaxEndSequence()
	if f.TotalSegments > 0 && hasActive && maxEnd >= f.TotalSegments {
		sess.StreamComplete = true
		return
	}
	if f.EndTimeMs > 0 && sess.PlayerTimeMs >= f.EndTimeMs {
		sess.StreamComplete = true
	}
}

// advancePlayerTime moves sess.PlayerTimeMs forward to the end of whichever
// consumed range currently covers it, or to the furthest range's end if
// none covers it yet.
func advancePlayerTime(sess *session.Session) {
	f, ok := sess.AudioFormat()
	if !ok {
		return
	}

	active := f.ActiveRanges()
	if len(active) == 0 {
		return
	}

	var covering *session.ConsumedRange
	var maxEnd int64
	hasMaxEnd := false
	for i := range active {
		r := &active[i]
		if sess.PlayerTimeMs >= r.StartTimeMs && sess.PlayerTimeMs < r.StartTimeMs+r.DurationMs {
			covering = r
		}
		end := r.StartTimeMs + r.DurationMs
		if !hasMaxEnd || end > maxEnd {
			maxEnd = end
			hasMaxEnd = true
		}
	}

	var next int64
	if covering != nil {
		next = covering.StartTimeMs + covering.DurationMs
	} else {
		next = maxEnd
	}
	if next > sess.PlayerTimeMs {
		sess.PlayerTimeMs = next
	}
}

// decodeLoose decodes s as URL-safe-no-padding base64 first, falling back to
// standard base64, for poToken and ustreamerConfig inputs of either form. An
// empty s decodes to nil with no error.
func decodeLoose(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	s = strings.TrimSpace(s)
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return nil, fmt.Errorf("not valid base64 (url-safe-no-padding or standard)")
}
