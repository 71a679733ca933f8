package artifact

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var npyMagic = []byte("\x93NUMPY")

// writeNPY encodes a C-ordered little-endian float32 array in the NumPy
// .npy format, version 1.0.
func writeNPY(w io.Writer, shape []int, data []float32) error {
	dims := make([]string, len(shape))
	for i, d := range shape {
		dims[i] = strconv.Itoa(d)
	}
	shapeStr := strings.Join(dims, ", ")
	if len(shape) == 1 {
		shapeStr += ","
	}
	header := fmt.Sprintf("{'descr': '<f4', 'fortran_order': False, 'shape': (%s), }", shapeStr)
	// magic(6) + version(2) + len(2) + header + '\n' is padded to 64 bytes.
	total := len(npyMagic) + 4 + len(header) + 1
	if pad := (64 - total%64) % 64; pad > 0 {
		header += strings.Repeat(" ", pad)
	}
	header += "\n"

	buf := &bytes.Buffer{}
	buf.Write(npyMagic)
	buf.Write([]byte{1, 0})
	if err := binary.Write(buf, binary.LittleEndian, uint16(len(header))); err != nil {
		return err
	}
	buf.WriteString(header)
	raw := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	buf.Write(raw)
	_, err := w.Write(buf.Bytes())
	return err
}

var (
	npyDescr   = regexp.MustCompile(`'descr':\s*'([^']*)'`)
	npyFortran = regexp.MustCompile(`'fortran_order':\s*(True|False)`)
	npyShape   = regexp.MustCompile(`'shape':\s*\(([^\(]*)\)`)
)

// readNPY decodes a float32 .npy array written by writeNPY or NumPy itself.
// size is the length of the whole encoded array; a header describing more
// data than that is rejected before anything is allocated.
func readNPY(r io.Reader, size int64) (shape []int, data []float32, err error) {
	head := make([]byte, len(npyMagic)+2)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, nil, fmt.Errorf("npy header: %w", err)
	}
	if !bytes.Equal(head[:len(npyMagic)], npyMagic) {
		return nil, nil, errors.New("npy: bad magic")
	}
	var headerLen int
	switch major := head[len(npyMagic)]; major {
	case 1:
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, nil, fmt.Errorf("npy header length: %w", err)
		}
		headerLen = int(n)
	case 2, 3:
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, nil, fmt.Errorf("npy header length: %w", err)
		}
		headerLen = int(n)
	default:
		return nil, nil, fmt.Errorf("npy: unsupported version %d", major)
	}
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, nil, fmt.Errorf("npy header: %w", err)
	}

	m := npyDescr.FindSubmatch(header)
	if m == nil || string(m[1]) != "<f4" {
		return nil, nil, fmt.Errorf("npy: unsupported dtype in header %q", header)
	}
	if m := npyFortran.FindSubmatch(header); m == nil || string(m[1]) != "False" {
		return nil, nil, errors.New("npy: only C-ordered arrays are supported")
	}
	m = npyShape.FindSubmatch(header)
	if m == nil {
		return nil, nil, errors.New("npy: shape not found in header")
	}
	count := 1
	for _, s := range strings.Split(string(m[1]), ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		d, err := strconv.Atoi(s)
		if err != nil || d < 0 {
			return nil, nil, fmt.Errorf("npy: bad dimension %q", s)
		}
		if d > 0 && int64(count) > size/4/int64(d) {
			return nil, nil, fmt.Errorf("npy: shape %s exceeds %d byte array", m[1], size)
		}
		shape = append(shape, d)
		count *= d
	}

	raw := make([]byte, 4*count)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, nil, fmt.Errorf("npy data: %w", err)
	}
	data = make([]float32, count)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return shape, data, nil
}
