package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/sabrfetch/internal/sabrclient"
)

var fetchArgs struct {
	streamingURL    string
	itag            int64
	lmt             int64
	durationMs      int64
	poToken         string
	ustreamerConfig string
	outputFile      string

	visitorData   string
	clientName    int32
	clientVersion string
	userAgent     string
	hl            string
	gl            string
	cookie        string
	proxy         string
}

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch one audio-only SABR stream to a file",
	Long: `Fetch drives the request/response loop against streamingUrl until the
audio track is fully downloaded or the stream stalls out, writing the
reassembled bytes to outputFile.`,
	RunE: runFetch,
}

func init() {
	f := fetchCmd.Flags()
	f.StringVar(&fetchArgs.streamingURL, "streaming-url", "", "absolute URL of the SABR streaming endpoint (required)")
	f.Int64Var(&fetchArgs.itag, "itag", 0, "preferred audio format itag (required)")
	f.Int64Var(&fetchArgs.lmt, "lmt", 0, "preferred format's last-modified timestamp, 0 if unknown")
	f.Int64Var(&fetchArgs.durationMs, "duration-ms", 0, "informational total duration in milliseconds")
	f.StringVar(&fetchArgs.poToken, "po-token", "", "base64 proof-of-origin token (url-safe-no-padding preferred)")
	f.StringVar(&fetchArgs.ustreamerConfig, "ustreamer-config", "", "base64 opaque ustreamer config blob")
	f.StringVar(&fetchArgs.outputFile, "output", "", "output file path (required)")

	f.StringVar(&fetchArgs.visitorData, "visitor-data", "", "overrides client.visitor_data from config")
	f.Int32Var(&fetchArgs.clientName, "client-name", 0, "overrides client.client_name from config (0 keeps config value)")
	f.StringVar(&fetchArgs.clientVersion, "client-version", "", "overrides client.client_version from config")
	f.StringVar(&fetchArgs.userAgent, "user-agent", "", "overrides client.user_agent from config")
	f.StringVar(&fetchArgs.hl, "hl", "", "overrides client.hl from config")
	f.StringVar(&fetchArgs.gl, "gl", "", "overrides client.gl from config")
	f.StringVar(&fetchArgs.cookie, "cookie", "", "overrides client.cookie from config")
	f.StringVar(&fetchArgs.proxy, "proxy", "", "overrides client.proxy from config")

	rootCmd.AddCommand(fetchCmd)
}

func runFetch(cmd *cobra.Command, args []string) error {
	if fetchArgs.streamingURL == "" {
		return fmt.Errorf("--streaming-url is required")
	}
	if fetchArgs.outputFile == "" {
		return fmt.Errorf("--output is required")
	}

	client := cfg.Client
	if fetchArgs.visitorData != "" {
		client.VisitorData = fetchArgs.visitorData
	}
	if fetchArgs.clientName != 0 {
		client.ClientName = fetchArgs.clientName
	}
	if fetchArgs.clientVersion != "" {
		client.ClientVersion = fetchArgs.clientVersion
	}
	if fetchArgs.userAgent != "" {
		client.UserAgent = fetchArgs.userAgent
	}
	if fetchArgs.hl != "" {
		client.HL = fetchArgs.hl
	}
	if fetchArgs.gl != "" {
		client.GL = fetchArgs.gl
	}
	if fetchArgs.cookie != "" {
		client.Cookie = fetchArgs.cookie
	}
	if fetchArgs.proxy != "" {
		client.Proxy = fetchArgs.proxy
	}

	result, err := sabrclient.Fetch(cmd.Context(), sabrclient.FetchConfig{
		StreamingURL:    fetchArgs.streamingURL,
		Itag:            fetchArgs.itag,
		Lmt:             fetchArgs.lmt,
		DurationMs:      fetchArgs.durationMs,
		PoToken:         fetchArgs.poToken,
		UstreamerConfig: fetchArgs.ustreamerConfig,
		OutputFile:      fetchArgs.outputFile,
		Client:          client,
		HTTP:            cfg.HTTP,
		Limits:          cfg.Fetch,
	})
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}

	fmt.Printf("wrote %d bytes to %s\n", result.BytesWritten, result.OutputFile)
	return nil
}
