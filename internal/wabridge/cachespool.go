package wabridge

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

const spoolSuffix = ".session"

type CacheSpoolOptions struct {
	Dir    string
	Vault  SessionStore
	Logger *slog.Logger
}

// CacheSpool watches a drop directory for session cache dumps written by
// the automation process. A file named <channel-id>.session is absorbed
// into the vault and removed. The spool lets the process flush caches
// without speaking the bridge's API.
type CacheSpool struct {
	dir    string
	vault  SessionStore
	logger *slog.Logger
}

func NewCacheSpool(opts CacheSpoolOptions) (*CacheSpool, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" || opts.Vault == nil {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &CacheSpool{dir: dir, vault: opts.Vault, logger: opts.Logger}, nil
}

func (c *CacheSpool) log() *slog.Logger {
	if c.logger != nil {
		return c.logger
	}
	return slog.Default()
}

// Run sweeps files already in the spool, then watches for new ones until
// the context is cancelled.
func (c *CacheSpool) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(c.dir); err != nil {
		return err
	}

	c.sweep()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			if strings.HasSuffix(event.Name, spoolSuffix) {
				c.absorb(event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.log().Warn("spool watcher error", "dir", c.dir, "error", err)
		}
	}
}

func (c *CacheSpool) sweep() {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		c.log().Warn("spool sweep failed", "dir", c.dir, "error", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), spoolSuffix) {
			continue
		}
		c.absorb(filepath.Join(c.dir, entry.Name()))
	}
}

// absorb is tolerant of partial writes: a file that cannot be read or
// stored stays in the spool and is retried on the next event or sweep.
func (c *CacheSpool) absorb(path string) {
	channelID := strings.TrimSuffix(filepath.Base(path), spoolSuffix)
	if channelID == "" {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.log().Warn("spool file unreadable", "path", path, "error", err)
		}
		return
	}
	if len(data) == 0 {
		return
	}
	if err := c.vault.SaveCache(channelID, data); err != nil {
		c.log().Warn("spool cache rejected",
			"channel_id", channelID, "path", path, "error", err)
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		c.log().Warn("spool file cleanup failed", "path", path, "error", err)
	}
	c.log().Info("session cache absorbed from spool", "channel_id", channelID)
}
