// Package artifact persists a trained network as a single zip archive laid
// out like a Keras v3 ".keras" file: metadata.json, config.json and the
// weights, here one NumPy array per tensor under weights/.
package artifact

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"mnist-forge/internal/model"
)

const (
	metadataMember = "metadata.json"
	configMember   = "config.json"
	weightsDir     = "weights"

	// Format identifies archives written by this package.
	Format        = "mnist-forge/archive"
	FormatVersion = 1
)

// Metadata is stored as metadata.json.
type Metadata struct {
	Format        string    `json:"format"`
	FormatVersion int       `json:"format_version"`
	KerasVersion  string    `json:"keras_version"`
	DateSaved     time.Time `json:"date_saved"`
	Framework     string    `json:"framework"`
	Weights       []string  `json:"weights"`
}

// LoadError reports a missing or corrupt archive. There is no fallback model.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load model %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Save writes net to dst. The archive is assembled next to dst and renamed
// into place.
func Save(dst string, net *model.Network) error {
	km, err := model.ToKeras(net.Architecture())
	if err != nil {
		return err
	}
	weights, err := model.ExportWeights(net.Architecture(), net.Params())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".model-*.tmp")
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer os.Remove(tmp.Name())

	meta := Metadata{
		Format:        Format,
		FormatVersion: FormatVersion,
		KerasVersion:  model.KerasVersion,
		DateSaved:     time.Now().UTC().Truncate(time.Second),
		Framework:     "gorgonia",
	}
	for _, w := range weights {
		meta.Weights = append(meta.Weights, w.Name)
	}

	zw := zip.NewWriter(tmp)
	if err := writeJSON(zw, metadataMember, meta); err != nil {
		tmp.Close()
		return err
	}
	if err := writeJSON(zw, configMember, km); err != nil {
		tmp.Close()
		return err
	}
	for _, w := range weights {
		f, err := zw.Create(weightMember(w.Name))
		if err != nil {
			tmp.Close()
			return err
		}
		if err := writeNPY(f, w.Shape, w.Data); err != nil {
			tmp.Close()
			return fmt.Errorf("write %s: %w", w.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("finish archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// Load reads the archive at src into a ready-to-use network.
func Load(src string) (*model.Network, error) {
	net, err := load(src)
	if err != nil {
		return nil, &LoadError{Path: src, Err: err}
	}
	return net, nil
}

func load(src string) (*model.Network, error) {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	members := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		members[f.Name] = f
	}

	var meta Metadata
	if err := readJSON(members, metadataMember, &meta); err != nil {
		return nil, err
	}
	if meta.Format != Format || meta.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("unsupported archive format %q v%d", meta.Format, meta.FormatVersion)
	}
	var km model.KerasModel
	if err := readJSON(members, configMember, &km); err != nil {
		return nil, err
	}
	arch, err := model.FromKeras(&km)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	weights := make(map[string]model.KerasWeight, len(meta.Weights))
	for _, name := range meta.Weights {
		f, ok := members[weightMember(name)]
		if !ok {
			return nil, fmt.Errorf("missing member %s", weightMember(name))
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		shape, data, err := readNPY(rc, int64(f.UncompressedSize64))
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		weights[name] = model.KerasWeight{Name: name, Shape: shape, Data: data}
	}
	params, err := model.ImportWeights(arch, weights)
	if err != nil {
		return nil, err
	}
	return model.New(arch, params)
}

func weightMember(name string) string {
	return path.Join(weightsDir, name+".npy")
}

func writeJSON(zw *zip.Writer, name string, v any) error {
	f, err := zw.Create(name)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func readJSON(members map[string]*zip.File, name string, v any) error {
	f, ok := members[name]
	if !ok {
		return fmt.Errorf("missing member %s", name)
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	if err := json.NewDecoder(io.LimitReader(rc, 1<<20)).Decode(v); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}
