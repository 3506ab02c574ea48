package main

import (
	"fmt"
	"mime"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/xget-dev/xget/internal/display"
	"github.com/xget-dev/xget/internal/xhttp"
	"github.com/xget-dev/xget/internal/xlog"
)

var (
	output        string
	chunks        int
	retries       int
	timeout       time.Duration
	kaTimeout     time.Duration
	userAgent     string
	proxyURL      string
	proxyUsername string
	proxyPassword string
	debug         bool
	urlListFile   string
	hashAlgo      string
	headers       []string
)

var xgetVersion = "dev"

var rootCmd = &cobra.Command{
	Use:     "xget [URL]",
	Short:   "xget fetches a resource over multiple concurrent ranged HTTP connections",
	Version: xgetVersion,
	Args:    cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		xlog.SetDebug(debug)
		if urlListFile != "" {
			return runBatch(urlListFile)
		}
		if len(args) == 0 {
			return fmt.Errorf("provide a URL, or use --urllist")
		}
		return runGet(args[0], output)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&output, "output", "o", "", "Output file path (inferred from the response if not provided)")
	rootCmd.Flags().StringVarP(&urlListFile, "urllist", "l", "", "Path to a YAML file listing multiple URLs")
	rootCmd.Flags().IntVarP(&chunks, "chunks", "c", 5, "Target number of concurrent ranged connections")
	rootCmd.Flags().IntVarP(&retries, "retries", "r", 5, "Per-segment and metadata retry cap (negative means unlimited)")
	rootCmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "Per-request inactivity timeout (eg. 5s, 10m)")
	rootCmd.Flags().DurationVarP(&kaTimeout, "keep-alive-timeout", "k", 90*time.Second, "Keep-alive timeout for the HTTP client")
	rootCmd.Flags().StringVarP(&userAgent, "user-agent", "a", "", "User agent (\"randomize\" rotates a pool of desktop browser, curl and Wget agents)")
	rootCmd.Flags().StringVarP(&proxyURL, "proxy", "p", "", "HTTP/HTTPS proxy URL")
	rootCmd.Flags().StringVar(&proxyUsername, "proxy-username", "", "Proxy username (if not embedded in --proxy)")
	rootCmd.Flags().StringVar(&proxyPassword, "proxy-password", "", "Proxy password (if not embedded in --proxy)")
	rootCmd.Flags().StringVar(&hashAlgo, "hash", "", "Digest algorithm to compute over the downloaded bytes (md5, sha1, sha256, sha512)")
	rootCmd.Flags().StringArrayVarP(&headers, "header", "H", []string{}, "Custom header 'Name: value'; may be repeated")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(newBatchCmd())
	rootCmd.AddCommand(newCleanCmd())
}

func buildHTTPConfig() xhttp.ClientConfig {
	pu := proxyURL
	puser, ppass := proxyUsername, proxyPassword
	if parsed, err := url.Parse(pu); err == nil && parsed.User != nil && puser == "" {
		puser = parsed.User.Username()
		if pass, set := parsed.User.Password(); set {
			ppass = pass
		}
		parsed.User = nil
		pu = parsed.String()
	}
	return xhttp.ClientConfig{
		KeepAliveTimeout: kaTimeout,
		ProxyURL:         pu,
		ProxyUsername:    puser,
		ProxyPassword:    ppass,
		UserAgent:        userAgent,
		Headers:          parseHeaderArgs(headers),
	}
}

func parseHeaderArgs(raw []string) map[string]string {
	out := make(map[string]string, len(raw))
	for _, h := range raw {
		parts := strings.SplitN(h, ":", 2)
		if len(parts) != 2 {
			continue
		}
		out[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return out
}

var filenameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_\-\. ]+`)

// filenameFromHeaders derives an output file name from Content-Disposition,
// falling back to the URL's final path segment. This is a CLI-only
// convenience; the core package never names files.
func filenameFromHeaders(disposition, rawURL string) string {
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			if fn := params["filename"]; fn != "" {
				return filenameSanitizer.ReplaceAllString(fn, "_")
			}
			if fn := params["filename*"]; strings.HasPrefix(fn, "UTF-8''") {
				if unescaped, err := url.PathUnescape(strings.TrimPrefix(fn, "UTF-8''")); err == nil {
					return filenameSanitizer.ReplaceAllString(unescaped, "_")
				}
			}
		}
	}
	if parsed, err := url.Parse(rawURL); err == nil {
		parts := strings.Split(parsed.Path, "/")
		if last := parts[len(parts)-1]; last != "" {
			return last
		}
	}
	return "download"
}

func renewOutputPath(path string) string {
	if _, err := os.Stat(path); err != nil {
		return path
	}
	ext := ""
	base := path
	if i := strings.LastIndex(path, "."); i > 0 {
		ext = path[i:]
		base = path[:i]
	}
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, n, ext)
		if _, err := os.Stat(candidate); err != nil {
			return candidate
		}
	}
}

func printBar(label string, done, total int64) {
	fmt.Fprintln(os.Stderr, display.Bar(label, done, total))
}
