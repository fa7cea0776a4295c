// Package cli implements the roadmap command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nhle/roadmap-sync/internal/app"
	"github.com/nhle/roadmap-sync/internal/model"
	"github.com/nhle/roadmap-sync/internal/store"
)

// env is shared by every command. The application is opened lazily so
// commands that only need configuration never touch the database.
type env struct {
	configPath string
	logLevel   string

	cfg *model.AppConfig
	app *app.App
}

func (e *env) config() (*model.AppConfig, error) {
	if e.cfg != nil {
		return e.cfg, nil
	}
	cfg, err := model.LoadConfig(e.configPath)
	if err != nil {
		return nil, err
	}
	if e.logLevel != "" {
		cfg.LogLevel = e.logLevel
	}
	e.cfg = cfg
	return cfg, nil
}

func (e *env) open(cmd *cobra.Command) (*app.App, error) {
	if e.app != nil {
		return e.app, nil
	}
	cfg, err := e.config()
	if err != nil {
		return nil, err
	}
	a, err := app.New(cfg, app.NewLogger(cmd.ErrOrStderr(), cfg.LogLevel))
	if err != nil {
		return nil, err
	}
	e.app = a
	return a, nil
}

func (e *env) close() error {
	if e.app == nil {
		return nil
	}
	err := e.app.Close()
	e.app = nil
	return err
}

// NewRootCommand builds the command tree. The returned cleanup closes the
// database if a command opened it.
func NewRootCommand() (*cobra.Command, func() error) {
	e := &env{}

	root := &cobra.Command{
		Use:   "roadmap",
		Short: "Manage roadmaps and their datasources",
		Long: `roadmap manages roadmaps whose items come from an uploaded CSV document
or from Azure DevOps work items.

Azure DevOps tokens are encrypted at rest with a master secret taken from
ROADMAP_SECRET_KEY or, when that is unset, from the system keyring
(see 'roadmap master-key set').`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&e.configPath, "config", model.DefaultConfigPath(), "path to the configuration file")
	root.PersistentFlags().StringVar(&e.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		newCreateCommand(e),
		newListCommand(e),
		newDeleteCommand(e),
		newImportCSVCommand(e),
		newConfigureCommand(e),
		newItemsCommand(e),
		newStatusCommand(e),
		newProjectsCommand(e),
		newResolveCommand(e),
		newCommentsCommand(e),
		newRelatedCommand(e),
		newValidateCommand(e),
		newSampleCommand(e),
		newWatchCommand(e),
		newMasterKeyCommand(e),
	)

	return root, e.close
}

// Execute runs the command line with ctx.
func Execute(ctx context.Context, args []string) error {
	root, cleanup := NewRootCommand()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if cerr := cleanup(); err == nil {
		err = cerr
	}
	return err
}

// resolveRoadmap accepts a roadmap ID or a case-insensitive name.
func resolveRoadmap(ctx context.Context, s store.RoadmapStore, ref string) (*model.Roadmap, error) {
	r, err := s.GetRoadmap(ctx, ref)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	roadmaps, err := s.ListRoadmaps(ctx)
	if err != nil {
		return nil, err
	}
	var match *model.Roadmap
	for i := range roadmaps {
		if strings.EqualFold(roadmaps[i].Name, strings.TrimSpace(ref)) {
			if match != nil {
				return nil, fmt.Errorf("roadmap name %q is ambiguous; use its id", ref)
			}
			match = &roadmaps[i]
		}
	}
	if match == nil {
		return nil, fmt.Errorf("roadmap %q: %w", ref, store.ErrNotFound)
	}
	return match, nil
}

// readInput returns the content of path, or of in when path is "-".
func readInput(in io.Reader, path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(in)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return string(data), nil
}

// readSecret reads a single secret from in, trimming the trailing newline.
func readSecret(in io.Reader) (string, error) {
	data, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
