package export

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/airbusgeo/godal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cropmask/raster"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func (m *memStore) Put(_ context.Context, bucket, object string, r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[bucket+"/"+object] = b
	m.puts++
	return nil
}

func smallSpec(t *testing.T, uri string) Spec {
	t.Helper()
	dst, err := ParseDestination(uri)
	require.NoError(t, err)
	return Spec{
		Destinations: []Destination{dst},
		CRS:          raster.Sinusoidal,
		Transform:    raster.GeoTransform{0, 10, 0, 0, 0, -10},
		Width:        5,
		Height:       3,
		MaxPixels:    15,
		BandName:     DefaultBandName,
	}
}

// checkerboard marks every other cell as cropland and the rest no-data.
func checkerboard(_ context.Context, g raster.Grid) (*raster.Layer, error) {
	l := raster.NewLayer(g)
	for r := 0; r < g.Height; r++ {
		for c := 0; c < g.Width; c++ {
			x, y := g.CellCenter(c, r)
			if (int(x/10)+int(-y/10))%2 == 0 {
				l.Set(c, r, 1)
			} else {
				l.SetInvalid(c, r)
			}
		}
	}
	return l, nil
}

func TestParseDestination(t *testing.T) {
	d, err := ParseDestination("gs://sgwhrc/GFSAD30/GFSAD500_global_cropland_mask")
	require.NoError(t, err)
	assert.Equal(t, Destination{Kind: ObjectStorage, Bucket: "sgwhrc", Object: "GFSAD30/GFSAD500_global_cropland_mask.tif"}, d)
	assert.Equal(t, "gs://sgwhrc/GFSAD30/GFSAD500_global_cropland_mask.tif", d.String())

	d, err = ParseDestination("asset://GFSAD30/GFSAD30_global_cropland_mask")
	require.NoError(t, err)
	assert.Equal(t, Asset, d.Kind)
	assert.Equal(t, "GFSAD30/GFSAD30_global_cropland_mask", d.Asset)

	d, err = ParseDestination("out/mask.tif")
	require.NoError(t, err)
	assert.Equal(t, Destination{Kind: Local, Path: "out/mask.tif"}, d)

	for _, bad := range []string{"", "gs://", "gs://bucket", "asset://"} {
		_, err = ParseDestination(bad)
		assert.Error(t, err, bad)
	}
}

func TestSinusoidal500m(t *testing.T) {
	spec := Sinusoidal500m(Destination{Kind: Local, Path: "x.tif"})
	assert.Equal(t, 86400, spec.Width)
	assert.Equal(t, 36000, spec.Height)
	assert.Equal(t, int64(86400*36000), spec.MaxPixels)
	assert.Equal(t, "cropland_mask", spec.BandName)
	assert.Equal(t, raster.GeoTransform{-20015109.354096, 463.31271653, 0, 10007554.677048, 0, -463.31271653}, spec.Transform)
	assert.NoError(t, spec.Validate())
}

func TestGeographic30m(t *testing.T) {
	spec := Geographic30m(Destination{Kind: Asset, Asset: "a"})
	assert.Equal(t, raster.Geographic, spec.CRS)
	assert.True(t, spec.Overviews)
	b := spec.Grid().Bounds()
	assert.InDelta(t, -180, b.MinX, 1e-9)
	assert.GreaterOrEqual(t, b.MaxX, 180.0)
	assert.InDelta(t, 88, b.MaxY, 1e-9)
	assert.LessOrEqual(t, b.MinY, -88.0)
	assert.NoError(t, spec.Validate())
}

func TestPixelBudget(t *testing.T) {
	spec := Sinusoidal500m(Destination{Kind: Local, Path: "x.tif"})
	spec.MaxPixels--
	assert.ErrorIs(t, spec.Validate(), ErrPixelBudgetExceeded)

	spec.MaxPixels = 0
	assert.ErrorIs(t, spec.Validate(), ErrPixelBudgetExceeded)

	called := false
	render := func(ctx context.Context, g raster.Grid) (*raster.Layer, error) {
		called = true
		return raster.NewLayer(g), nil
	}
	s := smallSpec(t, filepath.Join(t.TempDir(), "out.tif"))
	s.MaxPixels = 14
	_, err := Submit(context.Background(), s, render)
	assert.ErrorIs(t, err, ErrPixelBudgetExceeded)
	assert.False(t, called)
}

func TestValidateGeometry(t *testing.T) {
	s := smallSpec(t, "x.tif")
	s.Width = 0
	assert.Error(t, s.Validate())
	s = smallSpec(t, "x.tif")
	s.CRS = ""
	assert.Error(t, s.Validate())
	s = smallSpec(t, "x.tif")
	s.Transform = raster.GeoTransform{}
	assert.Error(t, s.Validate())
}

func TestCatalogPath(t *testing.T) {
	c := Catalog{Root: "/data/catalog"}
	p, err := c.Path("GFSAD30/GFSAD30_global_cropland_mask")
	require.NoError(t, err)
	assert.Equal(t, "/data/catalog/GFSAD30/GFSAD30_global_cropland_mask.tif", p)

	p, err = c.Path("../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, "/data/catalog/etc/passwd.tif", p)

	_, err = Catalog{}.Path("a")
	assert.Error(t, err)
	_, err = c.Path("/")
	assert.Error(t, err)
}

func readBack(t *testing.T, path string) ([6]float64, []uint8, godal.Band, *godal.Dataset) {
	t.Helper()
	ds, err := godal.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ds.Close() })
	gt, err := ds.GeoTransform()
	require.NoError(t, err)
	st := ds.Structure()
	buf := make([]uint8, st.SizeX*st.SizeY)
	band := ds.Bands()[0]
	require.NoError(t, band.Read(0, 0, buf, st.SizeX, st.SizeY))
	return gt, buf, band, ds
}

func TestSubmitLocal(t *testing.T) {
	godal.RegisterAll()
	dir := t.TempDir()
	out := filepath.Join(dir, "sub", "mask.tif")
	spec := smallSpec(t, out)

	job, err := Submit(context.Background(), spec, checkerboard, Workers(3), TileSize(2), StagingDir(dir))
	require.NoError(t, err)
	require.NoError(t, job.Wait(context.Background()))
	assert.Equal(t, int64(6), job.TilesDone())

	gt, buf, band, ds := readBack(t, out)
	assert.Equal(t, [6]float64(spec.Transform), gt)
	assert.Equal(t, 5, ds.Structure().SizeX)
	assert.Equal(t, 3, ds.Structure().SizeY)
	nd, ok := band.NoData()
	assert.True(t, ok)
	assert.Equal(t, 0.0, nd)
	assert.Equal(t, "cropland_mask", band.Description())
	assert.Equal(t, []uint8{
		1, 0, 1, 0, 1,
		0, 1, 0, 1, 0,
		1, 0, 1, 0, 1,
	}, buf)

	// staging file is gone
	matches, err := filepath.Glob(filepath.Join(dir, "cropmask-*.tif"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestSubmitObjectStorage(t *testing.T) {
	godal.RegisterAll()
	store := &memStore{}
	spec := smallSpec(t, "gs://bucket/masks/crop")
	spec.Overviews = true

	job, err := Submit(context.Background(), spec, checkerboard, Store(store), StagingDir(t.TempDir()))
	require.NoError(t, err)
	require.NoError(t, job.Wait(context.Background()))

	assert.Equal(t, 1, store.puts)
	b, ok := store.objects["bucket/masks/crop.tif"]
	require.True(t, ok)
	assert.True(t, bytes.HasPrefix(b, []byte("II")) || bytes.HasPrefix(b, []byte("MM")))
}

func TestSubmitObjectStorageWithoutStore(t *testing.T) {
	spec := smallSpec(t, "gs://bucket/crop.tif")
	_, err := Submit(context.Background(), spec, checkerboard)
	assert.ErrorIs(t, err, ErrExportFailure)
}

func TestSubmitAsset(t *testing.T) {
	godal.RegisterAll()
	cat := Catalog{Root: t.TempDir()}
	spec := smallSpec(t, "asset://GFSAD30/mask")
	job, err := Submit(context.Background(), spec, checkerboard, WithCatalog(cat), StagingDir(t.TempDir()))
	require.NoError(t, err)
	require.NoError(t, job.Wait(context.Background()))
	assert.True(t, cat.Exists("GFSAD30/mask"))
}

func TestSubmitRenderFailurePublishesNothing(t *testing.T) {
	godal.RegisterAll()
	dir := t.TempDir()
	out := filepath.Join(dir, "mask.tif")
	boom := errors.New("boom")
	render := func(ctx context.Context, g raster.Grid) (*raster.Layer, error) {
		if g.Transform[0] > 0 {
			return nil, boom
		}
		return raster.NewLayer(g), nil
	}
	job, err := Submit(context.Background(), smallSpec(t, out), render, TileSize(2), StagingDir(dir))
	require.NoError(t, err)
	assert.ErrorIs(t, job.Wait(context.Background()), boom)
	_, err = os.Stat(out)
	assert.True(t, os.IsNotExist(err))
}

func TestSubmitWrongTileSize(t *testing.T) {
	godal.RegisterAll()
	dir := t.TempDir()
	render := func(ctx context.Context, g raster.Grid) (*raster.Layer, error) {
		g.Width++
		return raster.NewLayer(g), nil
	}
	job, err := Submit(context.Background(), smallSpec(t, filepath.Join(dir, "m.tif")), render, StagingDir(dir))
	require.NoError(t, err)
	assert.ErrorIs(t, job.Wait(context.Background()), ErrExportFailure)
}

func TestJobCancel(t *testing.T) {
	godal.RegisterAll()
	dir := t.TempDir()
	out := filepath.Join(dir, "mask.tif")
	started := make(chan struct{})
	var once sync.Once
	render := func(ctx context.Context, g raster.Grid) (*raster.Layer, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	}
	job, err := Submit(context.Background(), smallSpec(t, out), render, StagingDir(dir))
	require.NoError(t, err)
	<-started
	job.Cancel()
	assert.ErrorIs(t, job.Wait(context.Background()), context.Canceled)
	_, err = os.Stat(out)
	assert.True(t, os.IsNotExist(err))
}

func TestOverviewLevels(t *testing.T) {
	assert.Empty(t, overviewLevels(256, 100))
	assert.Equal(t, []int{2, 4}, overviewLevels(600, 10))
	assert.Equal(t, []int{2, 4, 8, 16, 32, 64, 128, 256, 512}, overviewLevels(86400, 36000))
}

func TestSubmitOverviews(t *testing.T) {
	godal.RegisterAll()
	dir := t.TempDir()
	out := filepath.Join(dir, "mask.tif")
	spec := smallSpec(t, out)
	spec.Width, spec.Height = 600, 2
	spec.MaxPixels = 1200
	spec.Overviews = true

	job, err := Submit(context.Background(), spec, checkerboard, StagingDir(dir))
	require.NoError(t, err)
	require.NoError(t, job.Wait(context.Background()))

	_, _, band, _ := readBack(t, out)
	assert.Len(t, band.Overviews(), 2)
}

func TestValidateDestinations(t *testing.T) {
	s := smallSpec(t, "x.tif")
	s.Destinations = nil
	assert.Error(t, s.Validate())

	s = smallSpec(t, "x.tif")
	s.Destinations = append(s.Destinations, Destination{Kind: Local, Path: "x.tif"})
	assert.Error(t, s.Validate())
}

func TestSubmitMultipleDestinations(t *testing.T) {
	godal.RegisterAll()
	dir := t.TempDir()
	store := &memStore{}
	cat := Catalog{Root: filepath.Join(dir, "catalog")}
	out := filepath.Join(dir, "local", "mask.tif")
	spec := Sinusoidal500m(
		Destination{Kind: Asset, Asset: "GFSAD30/mask500"},
		Destination{Kind: ObjectStorage, Bucket: "bucket", Object: "GFSAD30/mask500.tif"},
		Destination{Kind: Local, Path: out},
	)
	small := smallSpec(t, out)
	spec.Transform, spec.Width, spec.Height, spec.MaxPixels = small.Transform, small.Width, small.Height, small.MaxPixels
	spec.Overviews = false

	job, err := Submit(context.Background(), spec, checkerboard, Store(store), WithCatalog(cat), StagingDir(dir))
	require.NoError(t, err)
	require.NoError(t, job.Wait(context.Background()))

	assert.Equal(t, 1, store.puts)
	assert.Contains(t, store.objects, "bucket/GFSAD30/mask500.tif")
	assert.True(t, cat.Exists("GFSAD30/mask500"))

	p, err := cat.Path("GFSAD30/mask500")
	require.NoError(t, err)
	_, fromAsset, _, _ := readBack(t, p)
	_, fromLocal, _, _ := readBack(t, out)
	assert.Equal(t, fromAsset, fromLocal)
	assert.Equal(t, uint8(1), fromLocal[0])

	matches, err := filepath.Glob(filepath.Join(dir, "cropmask-*.tif"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestSubmitExistingAsset(t *testing.T) {
	godal.RegisterAll()
	cat := Catalog{Root: t.TempDir()}
	p, err := cat.Path("GFSAD30/mask")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte("previous"), 0o644))

	_, err = Submit(context.Background(), smallSpec(t, "asset://GFSAD30/mask"), checkerboard, WithCatalog(cat), StagingDir(t.TempDir()))
	assert.ErrorIs(t, err, ErrExportFailure)
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "previous", string(b))
}
