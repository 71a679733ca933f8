package dataset

import (
	"archive/tar"
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadShardPairsEntries(t *testing.T) {
	dir := t.TempDir()
	shard := filepath.Join(dir, "shard-000000.tar")
	writeShard(t, shard, []shardEntry{
		{key: "000001", image: digitPNG(t, 10), label: 3},
		{key: "000002", image: digitPNG(t, 20), label: 7},
	})

	var got []Record
	err := ReadShard(context.Background(), shard, 4, func(r Record) error {
		got = append(got, r)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "000001", got[0].Key)
	require.Equal(t, 3, got[0].Label)
	require.Equal(t, 7, got[1].Label)
}

func TestReadShardIncompletePair(t *testing.T) {
	dir := t.TempDir()
	shard := filepath.Join(dir, "shard-000000.tar")
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	addTarEntry(t, tw, "lonely.png", digitPNG(t, 1))
	require.NoError(t, tw.Close())
	require.NoError(t, os.WriteFile(shard, buf.Bytes(), 0o644))

	err := ReadShard(context.Background(), shard, 4, func(Record) error { return nil })
	require.ErrorContains(t, err, "1 samples incomplete")
}

func TestLoadShardsPreparesSet(t *testing.T) {
	root := t.TempDir()
	writeShard(t, filepath.Join(root, "shard-000000.tar"), []shardEntry{
		{key: "a", image: digitPNG(t, 255), label: 1},
	})
	writeShard(t, filepath.Join(root, "shard-000001.tar"), []shardEntry{
		{key: "b", image: digitPNG(t, 0), label: 9},
	})

	set, err := LoadShards(context.Background(), "train", root)
	require.NoError(t, err)
	require.Equal(t, 2, set.N)
	require.Equal(t, []int{1, 9}, set.Labels)
	require.InDelta(t, 1.0, set.Image(0)[0], 1e-7)
	require.InDelta(t, 0.0, set.Image(1)[0], 1e-7)
}

func TestLoadShardsRejectsWrongSize(t *testing.T) {
	root := t.TempDir()
	img := image.NewGray(image.Rect(0, 0, 32, 32))
	buf := &bytes.Buffer{}
	require.NoError(t, png.Encode(buf, img))
	writeShard(t, filepath.Join(root, "shard-000000.tar"), []shardEntry{
		{key: "big", image: buf.Bytes(), label: 2},
	})

	_, err := LoadShards(context.Background(), "train", root)
	var shapeErr *ShapeError
	require.ErrorAs(t, err, &shapeErr)
}

type shardEntry struct {
	key   string
	image []byte
	label int
}

func writeShard(t *testing.T, path string, entries []shardEntry) {
	t.Helper()
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	for _, e := range entries {
		addTarEntry(t, tw, e.key+".png", e.image)
		addTarEntry(t, tw, e.key+".cls", []byte(strconv.Itoa(e.label)))
	}
	require.NoError(t, tw.Close())
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func addTarEntry(t *testing.T, tw *tar.Writer, name string, data []byte) {
	t.Helper()
	hdr := &tar.Header{Name: name, Size: int64(len(data)), Mode: 0o644}
	require.NoError(t, tw.WriteHeader(hdr))
	_, err := tw.Write(data)
	require.NoError(t, err)
}

// digitPNG encodes a uniform 28x28 gray image.
func digitPNG(t *testing.T, v uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, Width, Height))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	img.SetGray(0, 0, color.Gray{Y: v})
	buf := &bytes.Buffer{}
	require.NoError(t, png.Encode(buf, img))
	return buf.Bytes()
}
