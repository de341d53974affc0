package serialization

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/born-ml/segtrain/internal/tensor"
)

const (
	metadataKey = "__metadata__"
	dtypeF32    = "F32"
)

// SafeTensorHeader represents a tensor in the SafeTensors header.
type SafeTensorHeader struct {
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// WriteSafeTensors writes tensors to a SafeTensors file.
//
// Tensors are written in alphabetical order by name. The file is written
// to a temporary sibling and renamed into place, so a crash never leaves a
// truncated checkpoint under the final name.
func WriteSafeTensors(path string, tensors map[string]*tensor.Dense, metadata map[string]string) (err error) {
	tmp := path + ".tmp"
	//nolint:gosec // G304: File path comes from user input, which is expected for model saving
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = file.Close() // Best effort close
			_ = os.Remove(tmp)
		}
	}()

	w := bufio.NewWriter(file)
	if err = Encode(w, tensors, metadata); err != nil {
		return err
	}
	if err = w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	if err = file.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err = os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to move checkpoint into place: %w", err)
	}
	return nil
}

// Encode writes the SafeTensors representation of tensors to w.
func Encode(w io.Writer, tensors map[string]*tensor.Dense, metadata map[string]string) error {
	// Sort tensor names alphabetically (SafeTensors requirement)
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		if err := ValidateTensorName(name); err != nil {
			return err
		}
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]any, len(names)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}

	var offset int64
	for _, name := range names {
		t := tensors[name]
		shape := make([]int64, len(t.Shape()))
		for i, dim := range t.Shape() {
			shape[i] = int64(dim)
		}
		size := int64(t.Len()) * 4
		header[name] = SafeTensorHeader{
			DType:       dtypeF32,
			Shape:       shape,
			DataOffsets: [2]int64{offset, offset + size},
		}
		offset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		return fmt.Errorf("failed to write header size: %w", err)
	}
	if _, err := w.Write(headerJSON); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	buf := make([]byte, 4)
	for _, name := range names {
		for _, v := range tensors[name].Data() {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
			if _, err := w.Write(buf); err != nil {
				return fmt.Errorf("failed to write tensor %s: %w", name, err)
			}
		}
	}
	return nil
}

// ReadSafeTensors loads every tensor and the metadata from a SafeTensors file.
func ReadSafeTensors(path string) (map[string]*tensor.Dense, map[string]string, error) {
	//nolint:gosec // G304: File path comes from user input, which is expected for model loading
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer func() {
		_ = file.Close() // Best effort close
	}()
	return Decode(bufio.NewReader(file))
}

// Decode parses a SafeTensors stream.
func Decode(r io.Reader) (map[string]*tensor.Dense, map[string]string, error) {
	var headerSize uint64
	if err := binary.Read(r, binary.LittleEndian, &headerSize); err != nil {
		return nil, nil, fmt.Errorf("failed to read header size: %w", err)
	}
	if headerSize > MaxHeaderSize {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrHeaderTooLarge, headerSize)
	}

	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, nil, fmt.Errorf("failed to read header: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, nil, fmt.Errorf("failed to parse header JSON: %w", err)
	}

	var metadata map[string]string
	if m, ok := raw[metadataKey]; ok {
		if err := json.Unmarshal(m, &metadata); err != nil {
			return nil, nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
		delete(raw, metadataKey)
	}

	metas := make([]TensorMeta, 0, len(raw))
	for name, value := range raw {
		if err := ValidateTensorName(name); err != nil {
			return nil, nil, err
		}
		var info SafeTensorHeader
		if err := json.Unmarshal(value, &info); err != nil {
			return nil, nil, fmt.Errorf("failed to unmarshal tensor %s: %w", name, err)
		}
		if info.DType != dtypeF32 {
			return nil, nil, &ValidationError{Type: "unsupported_dtype", Tensor: name, Details: info.DType}
		}
		shape := make([]int, len(info.Shape))
		elems := int64(1)
		for i, d := range info.Shape {
			shape[i] = int(d)
			elems *= d
		}
		size := info.DataOffsets[1] - info.DataOffsets[0]
		if size != elems*4 {
			return nil, nil, &ValidationError{
				Type:    "out_of_bounds",
				Tensor:  name,
				Details: fmt.Sprintf("shape %v needs %d bytes, offsets span %d", shape, elems*4, size),
			}
		}
		metas = append(metas, TensorMeta{Name: name, Shape: shape, Offset: info.DataOffsets[0], Size: size})
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read tensor data: %w", err)
	}
	if err := ValidateTensorOffsets(metas, int64(len(data))); err != nil {
		return nil, nil, err
	}

	tensors := make(map[string]*tensor.Dense, len(metas))
	for _, m := range metas {
		values := make([]float32, m.Size/4)
		chunk := data[m.Offset : m.Offset+m.Size]
		for i := range values {
			values[i] = math.Float32frombits(binary.LittleEndian.Uint32(chunk[i*4:]))
		}
		t, err := tensor.FromSlice(values, tensor.Shape(m.Shape))
		if err != nil {
			return nil, nil, fmt.Errorf("tensor %s: %w", m.Name, err)
		}
		tensors[m.Name] = t
	}
	return tensors, metadata, nil
}
