package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/davidbz/docqa/internal/domain"
	"github.com/davidbz/docqa/internal/http"
	"github.com/davidbz/docqa/internal/observability"
)

const shutdownTimeout = 15 * time.Second

func main() {
	app := &cli.App{
		Name:   "docqa",
		Usage:  "Question answering over ingested documents",
		Action: serveCommand,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Start the HTTP API",
				Action: serveCommand,
			},
			{
				Name:   "ingest",
				Usage:  "Upsert a document's fragments from a JSON file",
				Action: ingestCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "document",
						Aliases:  []string{"d"},
						Usage:    "Document id",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "file",
						Aliases:  []string{"f"},
						Usage:    "JSON file holding a fragment array or {\"fragments\": [...]}",
						Required: true,
					},
				},
			},
			{
				Name:   "invalidate",
				Usage:  "Drop every cached answer of a document",
				Action: invalidateCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "document",
						Aliases:  []string{"d"},
						Usage:    "Document id",
						Required: true,
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("docqa: %v", err)
	}
}

func serveCommand(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	container, err := buildContainer(ctx)
	if err != nil {
		return err
	}

	return container.Invoke(func(server *http.Server, res *resources) error {
		defer res.Close()

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start(ctx)
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	})
}

func ingestCommand(c *cli.Context) error {
	fragments, err := loadFragments(c.String("file"))
	if err != nil {
		return err
	}

	container, err := buildContainer(c.Context)
	if err != nil {
		return err
	}

	return container.Invoke(func(engine *domain.QueryEngine, res *resources) error {
		defer res.Close()

		count, err := engine.IngestFragments(c.Context, c.String("document"), fragments)
		if err != nil {
			return err
		}

		fmt.Fprintf(c.App.Writer, "upserted %d fragments into %s\n", count, c.String("document"))
		return nil
	})
}

func invalidateCommand(c *cli.Context) error {
	container, err := buildContainer(c.Context)
	if err != nil {
		return err
	}

	return container.Invoke(func(engine *domain.QueryEngine, res *resources) error {
		defer res.Close()

		ctx := observability.WithDocumentID(c.Context, c.String("document"))
		removed, err := engine.InvalidateDocument(ctx, c.String("document"))
		if err != nil {
			return err
		}

		fmt.Fprintf(c.App.Writer, "invalidated %d cached answers of %s\n", removed, c.String("document"))
		return nil
	})
}

// loadFragments reads either a bare fragment array or an object with a
// "fragments" key.
func loadFragments(path string) ([]domain.Fragment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fragments file: %w", err)
	}

	var fragments []domain.Fragment
	if arrErr := json.Unmarshal(data, &fragments); arrErr == nil {
		return fragments, nil
	}

	var wrapped struct {
		Fragments []domain.Fragment `json:"fragments"`
	}
	if objErr := json.Unmarshal(data, &wrapped); objErr != nil {
		return nil, fmt.Errorf("failed to parse fragments file: %w", objErr)
	}
	if wrapped.Fragments == nil {
		return nil, errors.New("fragments file has no \"fragments\" array")
	}

	return wrapped.Fragments, nil
}
