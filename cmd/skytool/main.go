// skytool is a debugging CLI for skytry: it prints the OAuth client
// metadata for a deployment, resolves identities and publication sites
// the same way the server does, and inspects stored sessions.
//
// Usage:
//
//	skytool client-metadata --public-url https://skytry.example
//	skytool resolve-handle alice.bsky.social
//	skytool resolve-did did:plc:abc123
//	skytool site-docs blog.example
//	skytool --config skytry.json sessions
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/urfave/cli/v2"

	"github.com/primal-host/skytry/internal/config"
	"github.com/primal-host/skytry/internal/database"
	"github.com/primal-host/skytry/internal/identity"
	"github.com/primal-host/skytry/internal/oauth"
	"github.com/primal-host/skytry/internal/publication"
	"github.com/primal-host/skytry/internal/session"
)

func main() {
	app := cli.App{
		Name:  "skytool",
		Usage: "debugging CLI for skytry identities, publications and sessions",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "plc-directory",
				Usage:   "PLC directory base URL",
				Value:   identity.DefaultPLCDirectory,
				EnvVars: []string{"SKYTRY_PLC_DIRECTORY"},
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "per-request timeout",
				Value: 30 * time.Second,
			},
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to skytry.json (sessions commands)",
				EnvVars: []string{config.EnvPath},
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Before: func(cctx *cli.Context) error {
			level := slog.LevelWarn
			if cctx.Bool("debug") {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
			return nil
		},
	}
	app.Commands = []*cli.Command{
		{
			Name:  "client-metadata",
			Usage: "print the OAuth client metadata document",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "public-url", Usage: "URL the app is served at", Required: true},
				&cli.StringFlag{Name: "name", Usage: "client name", Value: "skytry"},
				&cli.StringFlag{Name: "scope", Usage: "requested scope", Value: oauth.DefaultScope},
			},
			Action: runClientMetadata,
		},
		{
			Name:      "resolve-handle",
			Usage:     "resolve a handle to its DID, PDS and declared handle",
			ArgsUsage: "<handle>",
			Action:    runResolveHandle,
		},
		{
			Name:      "resolve-did",
			Usage:     "resolve a DID to its PDS and declared handle",
			ArgsUsage: "<did>",
			Action:    runResolveDID,
		},
		{
			Name:      "site-docs",
			Usage:     "list the documents of a publication site",
			ArgsUsage: "<origin>",
			Action:    runSiteDocs,
		},
		{
			Name:   "sessions",
			Usage:  "list stored sessions (requires database config)",
			Action: runSessions,
		},
		{
			Name:  "prune-sessions",
			Usage: "delete sessions not used within --older-than",
			Flags: []cli.Flag{
				&cli.DurationFlag{Name: "older-than", Value: 90 * 24 * time.Hour},
			},
			Action: runPruneSessions,
		},
	}
	app.RunAndExitOnError()
}

func newResolver(cctx *cli.Context) *identity.Resolver {
	return identity.NewResolver(identity.Config{
		PLCDirectory: cctx.String("plc-directory"),
		Timeout:      cctx.Duration("timeout"),
		RetryMax:     1,
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runClientMetadata(cctx *cli.Context) error {
	cfg := oauth.NewClientConfig(cctx.String("public-url"), cctx.String("name"), cctx.String("scope"))
	return printJSON(cfg.Metadata())
}

func runResolveHandle(cctx *cli.Context) error {
	raw := cctx.Args().First()
	if raw == "" {
		return fmt.Errorf("need to provide handle as an argument")
	}
	r := newResolver(cctx)
	did, err := r.ResolveHandle(cctx.Context, raw)
	if err != nil {
		return err
	}
	ident, err := r.Lookup(cctx.Context, did.String())
	if err != nil {
		return err
	}
	return printJSON(ident)
}

func runResolveDID(cctx *cli.Context) error {
	did, err := syntax.ParseDID(cctx.Args().First())
	if err != nil {
		return err
	}
	ident, err := newResolver(cctx).Lookup(cctx.Context, did.String())
	if err != nil {
		return err
	}
	return printJSON(ident)
}

func runSiteDocs(cctx *cli.Context) error {
	origin, err := publication.NormalizeOrigin(cctx.Args().First())
	if err != nil {
		return err
	}
	r := newResolver(cctx)
	listing, err := publication.New(r.HTTP, r).ListDocuments(cctx.Context, origin)
	if err != nil {
		return err
	}
	return printJSON(listing)
}

func openStore(cctx *cli.Context) (*session.Store, func(), error) {
	cfg, err := config.Load(config.Path(cctx.String("config")))
	if err != nil {
		return nil, nil, err
	}
	if !cfg.HasDatabase() {
		return nil, nil, fmt.Errorf("config has no database; sessions are kept in memory by the server")
	}
	db, err := database.Open(cctx.Context, cfg.ConnString())
	if err != nil {
		return nil, nil, err
	}
	return session.NewStore(db), db.Close, nil
}

func runSessions(cctx *cli.Context) error {
	store, closeDB, err := openStore(cctx)
	if err != nil {
		return err
	}
	defer closeDB()

	list, err := store.List(cctx.Context)
	if err != nil {
		return err
	}
	return printJSON(list)
}

func runPruneSessions(cctx *cli.Context) error {
	store, closeDB, err := openStore(cctx)
	if err != nil {
		return err
	}
	defer closeDB()

	n, err := store.Prune(cctx.Context, time.Now().Add(-cctx.Duration("older-than")))
	if err != nil {
		return err
	}
	fmt.Printf("removed %d sessions\n", n)
	return nil
}
