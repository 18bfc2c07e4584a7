package vectorindex

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"
)

// FormatVersion is the on-disk layout version written by Save.
const FormatVersion = 1

var magic = [4]byte{'T', 'V', 'I', 'X'}

const maxManifestSize = 1 << 20

// Manifest describes a persisted index artifact.
type Manifest struct {
	FormatVersion  int       `json:"format_version"`
	Dimension      int       `json:"dimension"`
	Metric         string    `json:"metric"`
	DocumentCount  int       `json:"document_count"`
	BuildTimestamp time.Time `json:"build_timestamp"`
	EmbeddingModel string    `json:"embedding_model,omitempty"`
}

// Expect lists the properties a loaded artifact must have. Zero fields are
// not checked, except Metric which is always compared.
type Expect struct {
	Dimension      int
	Metric         Metric
	EmbeddingModel string
}

// Save writes ix to w. The layout is: magic, manifest length (uint32 LE),
// JSON manifest, then per entry a uint16 ID length, the ID bytes and
// Dimension float32 values, followed by a CRC-32 of the entry section.
func Save(w io.Writer, ix *Index, embeddingModel string) error {
	m := Manifest{
		FormatVersion:  FormatVersion,
		Dimension:      ix.dim,
		Metric:         ix.metric.String(),
		DocumentCount:  len(ix.ids),
		BuildTimestamp: ix.builtAt,
		EmbeddingModel: embeddingModel,
	}
	head, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("vectorindex: save: marshal manifest: %w", err)
	}

	bw := bufio.NewWriter(w)
	if _, err := bw.Write(magic[:]); err != nil {
		return fmt.Errorf("vectorindex: save: %w", err)
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(head))); err != nil {
		return fmt.Errorf("vectorindex: save: %w", err)
	}
	if _, err := bw.Write(head); err != nil {
		return fmt.Errorf("vectorindex: save: %w", err)
	}

	crc := crc32.NewIEEE()
	body := io.MultiWriter(bw, crc)
	buf := make([]byte, 4*ix.dim)
	for i, id := range ix.ids {
		if len(id) > math.MaxUint16 {
			return fmt.Errorf("vectorindex: save: id %q too long", id[:32])
		}
		if err := binary.Write(body, binary.LittleEndian, uint16(len(id))); err != nil {
			return fmt.Errorf("vectorindex: save: %w", err)
		}
		if _, err := io.WriteString(body, id); err != nil {
			return fmt.Errorf("vectorindex: save: %w", err)
		}
		for j, x := range ix.vecs[i] {
			binary.LittleEndian.PutUint32(buf[4*j:], math.Float32bits(x))
		}
		if _, err := body.Write(buf); err != nil {
			return fmt.Errorf("vectorindex: save: %w", err)
		}
	}
	if err := binary.Write(bw, binary.LittleEndian, crc.Sum32()); err != nil {
		return fmt.Errorf("vectorindex: save: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("vectorindex: save: %w", err)
	}
	return nil
}

// Load reads an artifact written by Save and validates it against want.
// Any structural problem is reported as ErrCorrupt; a dimension, metric or
// embedding model that differs from want is reported as ErrDimensionMismatch
// or ErrMetricMismatch so callers can distinguish a stale artifact from a
// damaged one.
func Load(r io.Reader, want Expect) (*Index, Manifest, error) {
	br := bufio.NewReader(r)

	var gotMagic [4]byte
	if _, err := io.ReadFull(br, gotMagic[:]); err != nil || gotMagic != magic {
		return nil, Manifest{}, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	var headLen uint32
	if err := binary.Read(br, binary.LittleEndian, &headLen); err != nil || headLen > maxManifestSize {
		return nil, Manifest{}, fmt.Errorf("%w: bad manifest length", ErrCorrupt)
	}
	head := make([]byte, headLen)
	if _, err := io.ReadFull(br, head); err != nil {
		return nil, Manifest{}, fmt.Errorf("%w: truncated manifest", ErrCorrupt)
	}
	var m Manifest
	if err := json.Unmarshal(head, &m); err != nil {
		return nil, Manifest{}, fmt.Errorf("%w: manifest: %v", ErrCorrupt, err)
	}

	if m.FormatVersion != FormatVersion {
		return nil, m, fmt.Errorf("%w: unsupported format version %d", ErrCorrupt, m.FormatVersion)
	}
	metric, err := ParseMetric(m.Metric)
	if err != nil {
		return nil, m, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if m.Dimension <= 0 || m.DocumentCount < 0 {
		return nil, m, fmt.Errorf("%w: invalid manifest %+v", ErrCorrupt, m)
	}
	if want.Dimension > 0 && m.Dimension != want.Dimension {
		return nil, m, fmt.Errorf("vectorindex: load: %w: artifact has %d, want %d", ErrDimensionMismatch, m.Dimension, want.Dimension)
	}
	if metric != want.Metric {
		return nil, m, fmt.Errorf("vectorindex: load: %w: artifact has %s, want %s", ErrMetricMismatch, metric, want.Metric)
	}
	if want.EmbeddingModel != "" && m.EmbeddingModel != "" && m.EmbeddingModel != want.EmbeddingModel {
		return nil, m, fmt.Errorf("vectorindex: load: %w: artifact embedded with %q, want %q", ErrDimensionMismatch, m.EmbeddingModel, want.EmbeddingModel)
	}

	crc := crc32.NewIEEE()
	body := io.TeeReader(br, crc)
	entries := make([]Entry, 0, m.DocumentCount)
	buf := make([]byte, 4*m.Dimension)
	for i := 0; i < m.DocumentCount; i++ {
		var idLen uint16
		if err := binary.Read(body, binary.LittleEndian, &idLen); err != nil {
			return nil, m, fmt.Errorf("%w: entry %d: %v", ErrCorrupt, i, err)
		}
		id := make([]byte, idLen)
		if _, err := io.ReadFull(body, id); err != nil {
			return nil, m, fmt.Errorf("%w: entry %d id: %v", ErrCorrupt, i, err)
		}
		if _, err := io.ReadFull(body, buf); err != nil {
			return nil, m, fmt.Errorf("%w: entry %d vector: %v", ErrCorrupt, i, err)
		}
		vec := make([]float32, m.Dimension)
		for j := range vec {
			vec[j] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*j:]))
		}
		entries = append(entries, Entry{ID: string(id), Vector: vec})
	}
	sum := crc.Sum32()
	var stored uint32
	if err := binary.Read(br, binary.LittleEndian, &stored); err != nil {
		return nil, m, fmt.Errorf("%w: missing checksum", ErrCorrupt)
	}
	if stored != sum {
		return nil, m, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	ix, err := Build(m.Dimension, metric, entries)
	if err != nil {
		return nil, m, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if ix.Len() != m.DocumentCount {
		return nil, m, fmt.Errorf("%w: duplicate ids in artifact", ErrCorrupt)
	}
	ix.builtAt = m.BuildTimestamp
	return ix, m, nil
}

// SaveFile writes ix to path atomically by writing a temporary file in the
// same directory and renaming it over the destination.
func SaveFile(path string, ix *Index, embeddingModel string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("vectorindex: save file: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".index-*.tmp")
	if err != nil {
		return fmt.Errorf("vectorindex: save file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := Save(tmp, ix, embeddingModel); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("vectorindex: save file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("vectorindex: save file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("vectorindex: save file: %w", err)
	}
	return nil
}

// LoadFile reads an artifact from path. A missing file is reported with an
// error satisfying errors.Is(err, fs.ErrNotExist).
func LoadFile(path string, want Expect) (*Index, Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Manifest{}, fmt.Errorf("vectorindex: load file: %w", err)
	}
	defer f.Close()
	ix, m, err := Load(f, want)
	if err != nil {
		if errors.Is(err, ErrCorrupt) {
			return nil, m, fmt.Errorf("vectorindex: load file %s: %w", path, err)
		}
		return nil, m, err
	}
	return ix, m, nil
}
