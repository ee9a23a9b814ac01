package daemon

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"github.com/Aman-CERP/stellasearch/internal/config"
	serrors "github.com/Aman-CERP/stellasearch/internal/errors"
	"github.com/Aman-CERP/stellasearch/internal/search"
)

var _ Handler = (*Daemon)(nil)

// Handle implements Handler. Reindex is started in the background; every
// other request completes before the response is written.
func (d *Daemon) Handle(ctx context.Context, req Request) Response {
	switch req.Type {
	case TypeSearch:
		return d.handleSearch(ctx, req)

	case TypeStatus:
		return d.handleStatus(ctx)

	case TypeGetConfig:
		d.settingsMu.Lock()
		defer d.settingsMu.Unlock()
		return NewConfigResponse(configResult(d.settings))

	case TypeGetMode:
		d.settingsMu.Lock()
		defer d.settingsMu.Unlock()
		return NewModeResponse(d.settings.Mode)

	case TypeSetMode:
		return d.mutate(ctx, func(c *config.Config) (string, error) {
			if err := c.SetMode(req.Mode); err != nil {
				return "", err
			}
			return "Mode set to '" + req.Mode + "'", nil
		})

	case TypeAddInclude:
		path := req.PathValue()
		return d.mutate(ctx, func(c *config.Config) (string, error) {
			added, err := c.AddInclude(path)
			if err != nil {
				return "", err
			}
			if !added {
				return "Path already included: " + path, nil
			}
			return "Added include path: " + path, nil
		})

	case TypeRemoveInclude:
		path := req.PathValue()
		return d.mutate(ctx, func(c *config.Config) (string, error) {
			removed, err := c.RemoveInclude(path)
			if err != nil {
				return "", err
			}
			if !removed {
				return "Path was not included: " + path, nil
			}
			return "Removed include path: " + path, nil
		})

	case TypeAddExclude:
		path := req.PathValue()
		return d.mutate(ctx, func(c *config.Config) (string, error) {
			added, err := c.AddExclude(path)
			if err != nil {
				return "", err
			}
			if !added {
				return "Path already excluded: " + path, nil
			}
			return "Added exclude path: " + path, nil
		})

	case TypeRemoveExclude:
		path := req.PathValue()
		return d.mutate(ctx, func(c *config.Config) (string, error) {
			removed, err := c.RemoveExclude(path)
			if err != nil {
				return "", err
			}
			if !removed {
				return "Path was not excluded: " + path, nil
			}
			return "Removed exclude path: " + path, nil
		})

	case TypeReindex:
		path := req.PathValue()
		d.startReindex(ctx, path)
		if path == "" {
			return NewOKResponse("Full reindex started")
		}
		return NewOKResponse("Reindex started for: %s", path)

	case TypeReloadConfig:
		return d.reload(ctx)

	default:
		return NewErrorResponse("unknown request type %q", req.Type)
	}
}

func (d *Daemon) handleSearch(ctx context.Context, req Request) Response {
	res := d.Manager().Search(ctx, search.Query{
		Term:        req.Query,
		MaxResults:  req.Limit(),
		Extension:   req.Extension(),
		Directories: req.Directories,
	})
	return NewSearchResponse(SearchResult{
		Files:       res.Files,
		TotalFound:  res.TotalFound,
		QueryTimeMS: res.QueryTimeMS,
	})
}

func (d *Daemon) handleStatus(ctx context.Context) Response {
	stats, err := d.store.Stats(ctx)
	if err != nil {
		return NewErrorResponse("Failed to get stats: %v", err)
	}

	state := d.indexer.State()
	status := StatusResult{
		SearchBackend:     d.Manager().BackendName(),
		IndexedFiles:      stats.IndexedFiles,
		IndexedDirs:       stats.IndexedDirs,
		DatabaseSizeBytes: stats.DatabaseSizeBytes,
		IsScanning:        state.IsScanning(),
		ScanProgress:      state.Progress(),
	}
	if path, ok := state.CurrentPath(); ok {
		status.CurrentScanPath = &path
	}
	return NewStatusResponse(status)
}

// mutate applies change to a copy of the configuration, persists it and
// makes it active. The running configuration is untouched on failure.
func (d *Daemon) mutate(ctx context.Context, change func(*config.Config) (string, error)) Response {
	d.settingsMu.Lock()
	defer d.settingsMu.Unlock()

	next := d.settings.Clone()
	msg, err := change(next)
	if err != nil {
		return NewErrorResponse("%s", errorMessage(err))
	}
	if err := next.Save(); err != nil {
		slog.Error("failed to save configuration", slog.String("error", err.Error()))
		return NewErrorResponse("Failed to save configuration: %s", errorMessage(err))
	}
	if err := d.applyLocked(ctx, next); err != nil {
		return NewErrorResponse("Failed to apply configuration: %s", errorMessage(err))
	}
	slog.Info("configuration changed", slog.String("change", msg))
	return NewOKResponse("%s", msg)
}

func (d *Daemon) reload(ctx context.Context) Response {
	d.settingsMu.Lock()
	defer d.settingsMu.Unlock()

	next, err := config.Load(d.settings.Path())
	if err != nil {
		return NewErrorResponse("Failed to reload configuration: %s", errorMessage(err))
	}
	if err := d.applyLocked(ctx, next); err != nil {
		return NewErrorResponse("Failed to apply configuration: %s", errorMessage(err))
	}
	slog.Info("configuration reloaded", slog.String("path", next.Path()))
	return NewOKResponse("Configuration reloaded")
}

func configResult(c *config.Config) ConfigResult {
	return ConfigResult{
		Mode:               c.Mode,
		IncludePaths:       nonNil(c.IncludePaths),
		ExcludePaths:       nonNil(c.ExcludePaths),
		ExcludePatterns:    nonNil(c.ExcludePatterns),
		AutoWatchNewDrives: c.AutoWatchNewDrives,
		IncludeHidden:      c.IncludeHidden,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return slices.Clone(s)
}

// errorMessage returns the user-facing part of err.
func errorMessage(err error) string {
	var se *serrors.StellaError
	if errors.As(err, &se) {
		return se.Message
	}
	return err.Error()
}
