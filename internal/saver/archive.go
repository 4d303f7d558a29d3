package saver

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"bar-backfill/internal/model"
)

const fileTimeLayout = "20060102T150405"

// Uploader copies an archived file to remote storage under key.
type Uploader interface {
	Upload(ctx context.Context, key, path string) error
}

// Archiver keeps a copy of every stored page under
// {dir}/{instrument}/{resolution}/{instrument}_{resolution}_{from}_to_{to}.{ext}
// and optionally uploads it.
type Archiver struct {
	dir      string
	saver    PacketSaver
	uploader Uploader
	log      *slog.Logger
}

// NewArchiver returns an Archiver; uploader may be nil.
func NewArchiver(dir string, ps PacketSaver, uploader Uploader, log *slog.Logger) (*Archiver, error) {
	if ps == nil {
		return nil, fmt.Errorf("archive: packet saver is required")
	}
	if dir == "" {
		return nil, fmt.Errorf("archive: dir is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Archiver{dir: dir, saver: ps, uploader: uploader, log: log}, nil
}

// Key is the archive path of a page relative to the archive root, slash separated.
func (a *Archiver) Key(pair model.Pair, from, to time.Time) string {
	inst := url.PathEscape(pair.Instrument)
	name := fmt.Sprintf("%s_%s_%s_to_%s.%s", inst, pair.Resolution,
		from.UTC().Format(fileTimeLayout), to.UTC().Format(fileTimeLayout), a.saver.Extension())
	return inst + "/" + string(pair.Resolution) + "/" + name
}

func (a *Archiver) Archive(ctx context.Context, pair model.Pair, from, to time.Time, bars []model.Bar) error {
	key := a.Key(pair, from, to)
	path := filepath.Join(a.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := a.saver.Save(bars, path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	a.log.Debug("page archived", "pair", pair, "path", path, "bars", len(bars))
	if a.uploader == nil {
		return nil
	}
	if err := a.uploader.Upload(ctx, key, path); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}
