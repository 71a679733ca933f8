package dataset

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Record is a paired entry from a WebDataset shard: <key>.png and <key>.cls.
type Record struct {
	Key   string
	Image []byte
	Label int
}

// ErrPendingOverflow indicates the pairing map exceeded the configured bound.
var ErrPendingOverflow = errors.New("webdataset: pending pair buffer exceeded")

const defaultPendingCap = 1024

// ReadShard walks the tar shard at path and calls fn for every completed
// image/label pair, in the order the second member of each pair appears.
func ReadShard(ctx context.Context, path string, pendingCap int, fn func(Record) error) error {
	if pendingCap <= 0 {
		pendingCap = defaultPendingCap
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open shard: %w", err)
	}
	defer f.Close()

	tr := tar.NewReader(bufio.NewReader(f))
	pending := make(map[string]*partial)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		if hdr.FileInfo().IsDir() {
			continue
		}
		name := filepath.Base(hdr.Name)
		ext := strings.ToLower(filepath.Ext(name))
		key := strings.TrimSuffix(name, filepath.Ext(name))

		part := pending[key]
		if part == nil {
			part = &partial{}
		}
		switch ext {
		case ".png", ".jpg", ".jpeg":
			data, err := io.ReadAll(tr)
			if err != nil {
				return fmt.Errorf("read image %s: %w", name, err)
			}
			part.image = data
		case ".cls":
			payload, err := io.ReadAll(tr)
			if err != nil {
				return fmt.Errorf("read label %s: %w", name, err)
			}
			label, err := strconv.Atoi(strings.TrimSpace(string(payload)))
			if err != nil {
				return fmt.Errorf("parse label %s: %w", name, err)
			}
			part.label = &label
		default:
			continue
		}

		if part.ready() {
			delete(pending, key)
			if err := fn(Record{Key: key, Image: part.image, Label: *part.label}); err != nil {
				return err
			}
			continue
		}
		pending[key] = part
		if len(pending) > pendingCap {
			return ErrPendingOverflow
		}
	}

	if len(pending) > 0 {
		return fmt.Errorf("%s: %d samples incomplete", path, len(pending))
	}
	return nil
}

type partial struct {
	image []byte
	label *int
}

func (p *partial) ready() bool {
	return len(p.image) > 0 && p.label != nil
}

// LoadShards reads every shard under root (in DiscoverShards order) and
// prepares the decoded digits as one partition.
func LoadShards(ctx context.Context, what, root string) (*Set, error) {
	shards, err := DiscoverShards(root)
	if err != nil {
		return nil, err
	}
	if len(shards) == 0 {
		return nil, fmt.Errorf("%w: no shards under %s", ErrDatasetUnavailable, root)
	}
	raw := &Raw{Height: Height, Width: Width, Channels: Channels}
	for _, shard := range shards {
		err := ReadShard(ctx, shard, 0, func(rec Record) error {
			gray, err := DecodeDigit(bytes.NewReader(rec.Image))
			if err != nil {
				return fmt.Errorf("%s/%s: %w", shard, rec.Key, err)
			}
			raw.Pixels = append(raw.Pixels, grayPixels(gray)...)
			raw.Labels = append(raw.Labels, rec.Label)
			raw.N++
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return Prepare(what, raw)
}
