package main

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/horizon-web/internal/backend"
	"github.com/MegaGrindStone/horizon-web/internal/chat"
	"github.com/MegaGrindStone/horizon-web/internal/services"
	"github.com/MegaGrindStone/horizon-web/internal/stream"
)

// newSession wires the backend client, the stream consumer and the local store into a chat session.
// The returned store must be closed by the caller.
func newSession(cfg config, logger *slog.Logger) (*chat.Session, services.BoltDB, error) {
	client, err := backend.New(cfg.Backend.URL,
		backend.WithPaths(cfg.Backend.Paths),
		backend.WithHTTPClient(&http.Client{Timeout: cfg.Backend.RequestTimeout}),
		backend.WithLogger(logger),
	)
	if err != nil {
		return nil, services.BoltDB{}, err
	}

	dbPath, err := cfg.storePath()
	if err != nil {
		return nil, services.BoltDB{}, err
	}
	store, err := services.NewBoltDB(dbPath)
	if err != nil {
		return nil, services.BoltDB{}, fmt.Errorf("error opening store: %w", err)
	}

	// The stream client carries no timeout: a reply lasts as long as it lasts, bounded only by the
	// send's context.
	consumer := stream.NewConsumer(&http.Client{}, logger)

	return chat.NewSession(client, consumer, store, chat.WithLogger(logger)), store, nil
}
