package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"cropmask/raster"
)

// Renderer produces the final values of one output tile. The returned layer
// must cover exactly the given grid.
type Renderer func(ctx context.Context, tile raster.Grid) (*raster.Layer, error)

type jobOptions struct {
	workers    int
	tileSize   int
	store      ObjectStore
	catalog    Catalog
	stagingDir string
}

type Option func(*jobOptions)

// Workers bounds the number of tiles rendered concurrently.
func Workers(n int) Option {
	return func(o *jobOptions) { o.workers = n }
}

func TileSize(n int) Option {
	return func(o *jobOptions) { o.tileSize = n }
}

func Store(s ObjectStore) Option {
	return func(o *jobOptions) { o.store = s }
}

func WithCatalog(c Catalog) Option {
	return func(o *jobOptions) { o.catalog = c }
}

// StagingDir is where the output is assembled before being published.
func StagingDir(dir string) Option {
	return func(o *jobOptions) { o.stagingDir = dir }
}

// Job is a submitted export. It completes exactly once, either with the
// output published or with an error and nothing published.
type Job struct {
	id     string
	spec   Spec
	cancel context.CancelFunc
	done   chan struct{}
	err    error
	tiles  atomic.Int64
}

// Submit validates spec and starts rendering it in the background. Budget
// and geometry errors are returned here, before any work starts.
func Submit(ctx context.Context, spec Spec, render Renderer, opts ...Option) (*Job, error) {
	o := jobOptions{workers: runtime.NumCPU(), tileSize: blockSize, stagingDir: os.TempDir()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	for _, d := range spec.Destinations {
		if err := checkDestination(d, o); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrExportFailure, err)
		}
	}
	if o.workers < 1 {
		o.workers = 1
	}

	jctx, cancel := context.WithCancel(ctx)
	j := &Job{
		id:     uuid.New().String(),
		spec:   spec,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(j.done)
		defer cancel()
		j.err = j.run(jctx, render, o)
	}()
	return j, nil
}

func (j *Job) ID() string { return j.id }

// Cancel aborts the job. Wait still has to be called to observe the outcome.
func (j *Job) Cancel() { j.cancel() }

// Wait blocks until the job is over or ctx is done.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TilesDone reports rendering progress.
func (j *Job) TilesDone() int64 { return j.tiles.Load() }

func checkDestination(d Destination, o jobOptions) error {
	switch d.Kind {
	case ObjectStorage:
		if o.store == nil {
			return fmt.Errorf("%s: no object store configured", d)
		}
	case Asset:
		if _, err := o.catalog.Path(d.Asset); err != nil {
			return err
		}
		if o.catalog.Exists(d.Asset) {
			return fmt.Errorf("%s already exists", d)
		}
	case Local:
		if d.Path == "" {
			return fmt.Errorf("empty local destination")
		}
	}
	return nil
}

func (j *Job) run(ctx context.Context, render Renderer, o jobOptions) (err error) {
	log := logrus.WithFields(logrus.Fields{"job": j.id, "destination": j.spec.DestinationNames()})
	staging := filepath.Join(o.stagingDir, "cropmask-"+j.id+".tif")
	defer func() {
		if rmErr := os.Remove(staging); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			log.Warnf("remove staging file: %v", rmErr)
		}
	}()

	st, err := createStaged(staging, j.spec)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrExportFailure, err)
	}
	defer func() {
		err = errors.Join(err, st.close())
	}()

	grid := j.spec.Grid()
	tiles := raster.Tiles(grid, o.tileSize)
	log.Infof("rendering %d tiles with %d workers", len(tiles), o.workers)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)
	for _, tile := range tiles {
		tile := tile
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			l, err := render(gctx, tile.Grid(grid))
			if err != nil {
				return fmt.Errorf("tile [%d,%d]: %w", tile.Col, tile.Row, err)
			}
			if err := st.write(tile, l); err != nil {
				return fmt.Errorf("%w: write tile [%d,%d]: %w", ErrExportFailure, tile.Col, tile.Row, err)
			}
			if n := j.tiles.Add(1); n%1000 == 0 {
				log.Infof("rendered %d/%d tiles", n, len(tiles))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if j.spec.Overviews {
		log.Debug("building mode overviews")
		if err := st.buildOverviews(); err != nil {
			return fmt.Errorf("%w: overviews: %w", ErrExportFailure, err)
		}
	}
	if err := st.close(); err != nil {
		return fmt.Errorf("%w: close %s: %w", ErrExportFailure, staging, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := j.publish(ctx, staging, o, log); err != nil {
		return fmt.Errorf("%w: %w", ErrExportFailure, err)
	}
	log.Info("export published")
	return nil
}

// publish hands the staged file to every destination: uploads first, then
// file copies, the last file destination taking the staged file itself.
func (j *Job) publish(ctx context.Context, staging string, o jobOptions, log *logrus.Entry) error {
	var files []Destination
	for _, d := range j.spec.Destinations {
		if d.Kind != ObjectStorage {
			files = append(files, d)
			continue
		}
		if err := upload(ctx, o.store, staging, d); err != nil {
			return fmt.Errorf("%s: %w", d, err)
		}
		log.WithField("to", d.String()).Debug("published")
	}
	for i, d := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		p := d.Path
		if d.Kind == Asset {
			var err error
			if p, err = o.catalog.Path(d.Asset); err != nil {
				return err
			}
			if o.catalog.Exists(d.Asset) {
				return fmt.Errorf("%s already exists", d)
			}
		}
		var err error
		if i == len(files)-1 {
			err = moveFile(staging, p)
		} else {
			err = copyFile(staging, p)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", d, err)
		}
		log.WithField("to", d.String()).Debug("published")
	}
	return nil
}

func upload(ctx context.Context, store ObjectStore, staging string, d Destination) error {
	f, err := os.Open(staging)
	if err != nil {
		return err
	}
	defer f.Close()
	return store.Put(ctx, d.Bucket, d.Object, f)
}

// moveFile renames src to dst, copying when they are on different devices.
func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	return copyFile(src, dst)
}

// copyFile writes dst through a temporary file so that a partial copy is
// never visible under dst.
func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	tmp := dst + ".partial"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		return errors.Join(err, out.Close(), os.Remove(tmp))
	}
	if err := out.Close(); err != nil {
		return errors.Join(err, os.Remove(tmp))
	}
	return os.Rename(tmp, dst)
}
