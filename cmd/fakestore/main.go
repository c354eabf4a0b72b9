// Command fakestore serves an in-memory S3-compatible bucket and a credential
// endpoint for running the service locally. Point storage.endpoint and
// credentials.endpoint at it with use_path_style enabled.
package main

import (
	"flag"
	"log/slog"
	"net/http"
	"os"
	"time"
)

func main() {
	addr := flag.String("addr", ":9000", "Listen address")
	bucket := flag.String("bucket", "clips", "Bucket name")
	ttl := flag.Duration("ttl", 5*time.Minute, "Lifetime of issued credentials")
	token := flag.String("token", "", "Bearer token required by /credentials")
	failRate := flag.Float64("fail-rate", 0, "Fraction of writes rejected with 503")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	store := newFakeStore(*bucket, *ttl, *token, *failRate, logger)

	logger.Info("Fake store starting",
		slog.String("addr", *addr),
		slog.String("bucket", *bucket),
		slog.Duration("credential_ttl", *ttl),
		slog.Float64("fail_rate", *failRate))

	srv := &http.Server{
		Addr:              *addr,
		Handler:           store.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("Fake store stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
