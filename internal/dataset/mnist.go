package dataset

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
)

// ErrDatasetUnavailable wraps any failure to obtain the standard dataset files.
var ErrDatasetUnavailable = errors.New("mnist: dataset unavailable")

const (
	idxImageMagic = 2051
	idxLabelMagic = 2049
)

// MNISTFile names one of the four standard distribution files.
type MNISTFile struct {
	Name   string
	SHA256 string
}

// The standard distribution. Digests are over the gzip files.
var (
	TrainImages = MNISTFile{"train-images-idx3-ubyte.gz", "440fcabf73cc546fa21475e81ea370265605f56be210a4024d2ca8f203523609"}
	TrainLabels = MNISTFile{"train-labels-idx1-ubyte.gz", "3552534a0a558bbed6aed32b30c495cca23d567ec52cac8be1a0730e8010255c"}
	TestImages  = MNISTFile{"t10k-images-idx3-ubyte.gz", "8d422c7b0a1c1c79245a5bcf07fe86e33eeafee792b84584aec276f5a2dbc4e6"}
	TestLabels  = MNISTFile{"t10k-labels-idx1-ubyte.gz", "f7ae60f92e00ec6debd23a6088c31dbd2371eca3ffa0defaefb259924204aec6"}
)

// MNISTFiles lists every file LoadMNIST needs.
var MNISTFiles = []MNISTFile{TrainImages, TrainLabels, TestImages, TestLabels}

// MNISTOptions tunes LoadMNIST.
type MNISTOptions struct {
	// SkipVerify disables digest checks, for hand-built fixtures.
	SkipVerify bool
}

// LoadMNIST reads the train and test partitions from dir and prepares them.
func LoadMNIST(dir string, opts MNISTOptions) (train, test *Set, err error) {
	trainRaw, err := loadPartition(dir, TrainImages, TrainLabels, opts)
	if err != nil {
		return nil, nil, err
	}
	testRaw, err := loadPartition(dir, TestImages, TestLabels, opts)
	if err != nil {
		return nil, nil, err
	}
	if train, err = Prepare("train", trainRaw); err != nil {
		return nil, nil, err
	}
	if test, err = Prepare("test", testRaw); err != nil {
		return nil, nil, err
	}
	return train, test, nil
}

// MNISTPresent reports whether all four files exist under dir.
func MNISTPresent(dir string) bool {
	for _, f := range MNISTFiles {
		if _, err := os.Stat(filepath.Join(dir, f.Name)); err != nil {
			return false
		}
	}
	return true
}

func loadPartition(dir string, images, labels MNISTFile, opts MNISTOptions) (*Raw, error) {
	imgData, err := readGzip(filepath.Join(dir, images.Name), images.SHA256, opts)
	if err != nil {
		return nil, err
	}
	lblData, err := readGzip(filepath.Join(dir, labels.Name), labels.SHA256, opts)
	if err != nil {
		return nil, err
	}
	raw, err := ParseIDXImages(imgData)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", images.Name, err)
	}
	raw.Labels, err = ParseIDXLabels(lblData)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", labels.Name, err)
	}
	if len(raw.Labels) != raw.N {
		return nil, &ShapeError{What: images.Name + " vs " + labels.Name, Got: []int{raw.N}, Want: []int{len(raw.Labels)}}
	}
	return raw, nil
}

func readGzip(path, digest string, opts MNISTOptions) ([]byte, error) {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatasetUnavailable, err)
	}
	if !opts.SkipVerify {
		if err := verifyDigest(path, compressed, digest); err != nil {
			return nil, err
		}
	}
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("gunzip %s: %w", path, err)
	}
	defer zr.Close()
	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("gunzip %s: %w", path, err)
	}
	return data, nil
}

func verifyDigest(path string, data []byte, want string) error {
	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != want {
		return fmt.Errorf("%w: digest mismatch for %s: got %s", ErrDatasetUnavailable, path, got)
	}
	return nil
}

// ParseIDXImages decodes an idx3 image file: magic, count, rows, cols, then
// count*rows*cols bytes.
func ParseIDXImages(data []byte) (*Raw, error) {
	if len(data) < 16 {
		return nil, errors.New("idx images: short header")
	}
	magic := binary.BigEndian.Uint32(data[0:4])
	if magic != idxImageMagic {
		return nil, fmt.Errorf("idx images: bad magic %d", magic)
	}
	n := int(binary.BigEndian.Uint32(data[4:8]))
	rows := int(binary.BigEndian.Uint32(data[8:12]))
	cols := int(binary.BigEndian.Uint32(data[12:16]))
	if rows != Height || cols != Width {
		return nil, &ShapeError{What: "idx images", Got: []int{rows, cols}, Want: []int{Height, Width}}
	}
	body := data[16:]
	if n > len(body)/PixelCount || len(body) != n*rows*cols {
		return nil, &ShapeError{What: "idx images body", Got: []int{len(body)}, Want: []int{n * rows * cols}}
	}
	return &Raw{Pixels: body, N: n, Height: rows, Width: cols, Channels: 1}, nil
}

// ParseIDXLabels decodes an idx1 label file.
func ParseIDXLabels(data []byte) ([]int, error) {
	if len(data) < 8 {
		return nil, errors.New("idx labels: short header")
	}
	magic := binary.BigEndian.Uint32(data[0:4])
	if magic != idxLabelMagic {
		return nil, fmt.Errorf("idx labels: bad magic %d", magic)
	}
	n := int(binary.BigEndian.Uint32(data[4:8]))
	body := data[8:]
	if len(body) != n {
		return nil, &ShapeError{What: "idx labels body", Got: []int{len(body)}, Want: []int{n}}
	}
	labels := make([]int, n)
	for i, b := range body {
		labels[i] = int(b)
	}
	return labels, nil
}

// Fetch downloads every missing MNIST file from baseURL into dir and checks
// its digest. Existing files are left alone; LoadMNIST verifies them.
func Fetch(ctx context.Context, client *http.Client, dir, baseURL string) error {
	if client == nil {
		client = http.DefaultClient
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrDatasetUnavailable, err)
	}
	for _, f := range MNISTFiles {
		dst := filepath.Join(dir, f.Name)
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		src, err := url.JoinPath(baseURL, f.Name)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDatasetUnavailable, err)
		}
		if err := download(ctx, client, src, dst, f.SHA256); err != nil {
			return err
		}
	}
	return nil
}

func download(ctx context.Context, client *http.Client, src, dst, digest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatasetUnavailable, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatasetUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: GET %s: %s", ErrDatasetUnavailable, src, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrDatasetUnavailable, src, err)
	}
	if err := verifyDigest(src, data, digest); err != nil {
		return err
	}
	tmp := dst + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrDatasetUnavailable, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrDatasetUnavailable, err)
	}
	return nil
}
