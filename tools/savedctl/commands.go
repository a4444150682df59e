package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"movieshelf/config"
	"movieshelf/internal/backend"
	"movieshelf/models"
	"movieshelf/services/accounts"
	"movieshelf/services/identity"
	"movieshelf/services/savedmovies"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"
	Verbose    bool
}

var validFormats = []string{"text", "json"}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "savedctl",
		Short: "Inspect and edit saved movies from the command line",
		Long: `savedctl works on the saved movies of the current identity: the signed-in
account when there is one, this device otherwise. It opens the document store
named in the movieshelf settings file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range validFormats {
				if f == opts.Format {
					return nil
				}
			}
			return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
		},
	}

	defaultConfig := os.Getenv("MOVIESHELF_CONFIG")
	if defaultConfig == "" {
		defaultConfig = filepath.Join("cache", "settings.json")
	}
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", defaultConfig, "path to settings.json")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(newWhoamiCommand(opts))
	cmd.AddCommand(newListCommand(opts))
	cmd.AddCommand(newSaveCommand(opts))
	cmd.AddCommand(newUnsaveCommand(opts))
	return cmd
}

// env is an opened backend with the repository of the current identity.
type env struct {
	backend  *backend.Backend
	resolver *identity.Resolver
	repo     *savedmovies.Repository
}

func openEnv(ctx context.Context, opts *rootOptions, stderr io.Writer) (*env, error) {
	settings, err := config.NewManager(opts.ConfigPath).Load()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	level := zerolog.WarnLevel
	if opts.Verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()

	be, err := backend.Open(ctx, settings, log)
	if err != nil {
		return nil, err
	}

	var auth identity.Authenticator
	if settings.Identity.AuthMode == config.AuthModeAccounts {
		accountsSvc, err := accounts.NewService(settings.Accounts.StorageDir)
		if err != nil {
			be.Close()
			return nil, fmt.Errorf("init accounts service: %w", err)
		}
		auth = accountsSvc
	}
	kv, err := identity.NewFileStore(afero.NewOsFs(), settings.Identity.StateDir)
	if err != nil {
		be.Close()
		return nil, err
	}
	resolver, err := identity.NewResolver(auth, kv, log)
	if err != nil {
		be.Close()
		return nil, err
	}

	repo := savedmovies.NewRepository(be.Store, savedmovies.OwnerFunc(resolver.Resolve), settings.Store.SavedCollectionID, log)
	return &env{backend: be, resolver: resolver, repo: repo}, nil
}

func (e *env) Close() { e.backend.Close() }

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newWhoamiCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the identity saved movies are stored under",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context(), opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.Close()

			id, err := e.resolver.Resolve(cmd.Context())
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), map[string]string{
					"kind":  id.Kind().String(),
					"owner": id.OwnerKey(),
					"field": id.OwnerField(),
				})
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), id.String())
			return err
		},
	}
}

func newListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved movies, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context(), opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.Close()

			items, err := e.repo.List(cmd.Context())
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), items)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "MOVIE\tTITLE\tSAVED")
			for _, m := range items {
				fmt.Fprintf(tw, "%d\t%s\t%s\n", m.MovieID, m.Title, m.SavedAt.Local().Format(time.RFC822))
			}
			return tw.Flush()
		},
	}
}

type saveOptions struct {
	snap       models.MovieSnapshot
	posterPath string
}

func newSaveCommand(opts *rootOptions) *cobra.Command {
	so := &saveOptions{}

	cmd := &cobra.Command{
		Use:   "save",
		Short: "Save a movie",
		Example: `  savedctl save --id 550 --title "Fight Club" --poster /pB8BM7pdSp6B6Ih7QZ4DrQ3PmJK.jpg
  savedctl save --id 603 --title "The Matrix" --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if so.posterPath != "" {
				so.snap.PosterPath = &so.posterPath
			}

			e, err := openEnv(cmd.Context(), opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.Close()

			rec, err := e.repo.Create(cmd.Context(), so.snap)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), rec)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "saved %d %q\n", rec.MovieID, rec.Title)
			return err
		},
	}

	cmd.Flags().Int64Var(&so.snap.ID, "id", 0, "catalog movie id (required)")
	_ = cmd.MarkFlagRequired("id")
	cmd.Flags().StringVar(&so.snap.Title, "title", "", "movie title (required)")
	_ = cmd.MarkFlagRequired("title")
	cmd.Flags().StringVar(&so.posterPath, "poster", "", "catalog poster path")
	cmd.Flags().StringVar(&so.snap.Overview, "overview", "", "overview text")
	cmd.Flags().StringVar(&so.snap.ReleaseDate, "release-date", "", "release date (YYYY-MM-DD)")
	cmd.Flags().Float64Var(&so.snap.VoteAverage, "vote", 0, "average vote")
	return cmd
}

func newUnsaveCommand(opts *rootOptions) *cobra.Command {
	var movieID int64

	cmd := &cobra.Command{
		Use:   "unsave",
		Short: "Remove a saved movie",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context(), opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.repo.Remove(cmd.Context(), movieID); err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"movieId": movieID, "saved": false})
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %d\n", movieID)
			return err
		},
	}

	cmd.Flags().Int64Var(&movieID, "id", 0, "catalog movie id (required)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}
