package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/xget-dev/xget"
	"github.com/xget-dev/xget/internal/display"
	"github.com/xget-dev/xget/internal/xlog"
)

func runGet(url, outPath string) error {
	ctx := context.Background()
	log := xlog.Component("get")

	opts := []xget.Option{
		xget.WithAuto(false),
		xget.WithChunks(chunks),
		xget.WithRetries(retries),
		xget.WithTimeout(timeout),
		xget.WithHTTPClientConfig(buildHTTPConfig()),
		xget.WithLogger(log),
	}
	if hashAlgo != "" {
		opts = append(opts, xget.WithHash(hashAlgo))
	}

	f, err := xget.New(ctx, url, opts...)
	if err != nil {
		return err
	}

	fileCh := make(chan *os.File, 1)
	var loadErr error
	start := time.Now()
	var totalBytes int64

	go func() {
		for ev := range f.Events() {
			switch ev.Kind {
			case xget.EventLoaded:
				totalBytes = ev.Load.Size
				name := outPath
				if name == "" {
					name = filenameFromHeaders(ev.Load.Headers.Get("Content-Disposition"), url)
				}
				if _, statErr := os.Stat(name); statErr == nil {
					name = renewOutputPath(name)
				}
				file, cerr := os.Create(name)
				if cerr != nil {
					loadErr = cerr
					f.Destroy(cerr)
					close(fileCh)
					return
				}
				fmt.Fprintln(os.Stderr, display.Title(fmt.Sprintf("fetching %s -> %s", url, name)))
				fileCh <- file
			case xget.EventRetry:
				r := ev.Retry
				if r.Meta {
					fmt.Fprintln(os.Stderr, display.Stat(fmt.Sprintf("retrying metadata probe (%d/%d): %v", r.RetryCount, r.MaxRetries, r.LastErr)))
				} else {
					fmt.Fprintln(os.Stderr, display.Stat(fmt.Sprintf("segment %d retry %d/%d at byte %d: %v", r.Index, r.RetryCount, r.MaxRetries, r.BytesRead, r.LastErr)))
				}
			case xget.EventError:
				loadErr = ev.Err
			}
		}
		close(fileCh)
	}()

	f.Start()
	file, ok := <-fileCh
	if !ok {
		return loadErr
	}
	defer file.Close()

	written, err := f.WriteTo(file)
	if err != nil {
		fmt.Fprintln(os.Stderr, display.Err(fmt.Sprintf("fetch failed: %v", err)))
		return err
	}

	elapsed := time.Since(start)
	fmt.Fprintln(os.Stderr, display.Bar(file.Name(), written, totalBytes))
	fmt.Fprintln(os.Stderr, display.Speed(written, elapsed))

	if hashAlgo != "" {
		sum, herr := f.Hash("hex")
		if herr == nil && sum != nil {
			fmt.Fprintf(os.Stderr, "%s: %s\n", hashAlgo, sum)
		}
	}
	return nil
}
