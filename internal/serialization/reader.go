package serialization

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/born-ml/yolov8/internal/tensor"
)

// BornReader reads models from .born format.
type BornReader struct {
	file       *os.File
	header     Header
	flags      uint32
	dataOffset int64    // Offset where tensor data starts
	dataSize   int64    // Size of the data section
	checksum   [32]byte // SHA-256 of the data section
	opts       ReaderOptions
	closed     bool
}

// ReaderOptions configures the behavior of BornReader.
type ReaderOptions struct {
	SkipChecksumValidation bool // Skip checksum validation (faster but less safe)
}

// NewBornReader creates a new .born file reader with checksum validation enabled.
func NewBornReader(path string) (*BornReader, error) {
	return NewBornReaderWithOptions(path, ReaderOptions{})
}

// NewBornReaderWithOptions creates a new .born file reader with custom options.
func NewBornReaderWithOptions(path string, opts ReaderOptions) (*BornReader, error) {
	//nolint:gosec // G304: File path comes from user input, which is expected for model loading
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	reader := &BornReader{file: file, opts: opts}
	if err := reader.parseHeader(); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}
	if err := ValidateHeader(&reader.header, reader.dataSize); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return reader, nil
}

// parseHeader reads the fixed header and the JSON metadata that follows it.
func (r *BornReader) parseHeader() error {
	fixed := make([]byte, FixedHeaderSize)
	if _, err := io.ReadFull(r.file, fixed); err != nil {
		return fmt.Errorf("failed to read fixed header: %w", err)
	}
	if string(fixed[0:4]) != MagicBytes {
		return ErrInvalidMagic
	}
	if version := binary.LittleEndian.Uint32(fixed[4:8]); version != FormatVersion {
		return fmt.Errorf("%w: got %d, expected %d", ErrUnsupportedVersion, version, FormatVersion)
	}
	r.flags = binary.LittleEndian.Uint32(fixed[8:12])

	headerSize := binary.LittleEndian.Uint64(fixed[16:24])
	if headerSize > MaxHeaderSize {
		return ErrHeaderTooLarge
	}
	dataSize := binary.LittleEndian.Uint64(fixed[24:32])
	if dataSize > math.MaxInt64 {
		return &ValidationError{
			Type:    "size_overflow",
			Details: fmt.Sprintf("data size %d exceeds the addressable range", dataSize),
		}
	}
	copy(r.checksum[:], fixed[ChecksumOffset:ChecksumOffset+ChecksumSize])

	headerJSON := make([]byte, headerSize)
	if _, err := io.ReadFull(r.file, headerJSON); err != nil {
		return fmt.Errorf("failed to read header: %w", err)
	}
	if err := json.Unmarshal(headerJSON, &r.header); err != nil {
		return fmt.Errorf("failed to unmarshal header: %w", err)
	}

	//nolint:gosec // G115: headerSize is bounded by MaxHeaderSize
	pos := int64(FixedHeaderSize) + int64(headerSize)
	r.dataOffset = pos + alignPadding(pos)

	info, err := r.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}
	//nolint:gosec // G115: dataSize is bounded by math.MaxInt64 above
	r.dataSize = int64(dataSize)
	if r.dataOffset+r.dataSize > info.Size() {
		return &ValidationError{
			Type:    "truncated",
			Details: fmt.Sprintf("data section needs %d bytes, file has %d", r.dataOffset+r.dataSize, info.Size()),
		}
	}
	return nil
}

// Header returns the parsed header.
func (r *BornReader) Header() Header {
	return r.header
}

// Flags returns the format flags.
func (r *BornReader) Flags() uint32 {
	return r.flags
}

// Metadata returns the custom metadata map.
func (r *BornReader) Metadata() map[string]string {
	return r.header.Metadata
}

// ReadStateDict reads every tensor in the file.
//
// The data section is checked against the stored SHA-256 checksum unless
// SkipChecksumValidation was requested.
func (r *BornReader) ReadStateDict() (map[string]*tensor.RawTensor, error) {
	if r.closed {
		return nil, fmt.Errorf("reader is closed")
	}

	data := make([]byte, r.dataSize)
	if _, err := r.file.ReadAt(data, r.dataOffset); err != nil {
		return nil, fmt.Errorf("failed to read tensor data: %w", err)
	}
	if !r.opts.SkipChecksumValidation && ComputeChecksum(data) != r.checksum {
		return nil, ErrChecksumMismatch
	}

	stateDict := make(map[string]*tensor.RawTensor, len(r.header.Tensors))
	for _, meta := range r.header.Tensors {
		dtype, ok := tensor.ParseDataType(meta.DType)
		if !ok {
			return nil, fmt.Errorf("tensor %q: unsupported dtype %q", meta.Name, meta.DType)
		}
		raw, err := tensor.FromBytes(tensor.Shape(meta.Shape), dtype, data[meta.Offset:meta.Offset+meta.Size])
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", meta.Name, err)
		}
		stateDict[meta.Name] = raw
	}
	return stateDict, nil
}

// Close closes the reader.
func (r *BornReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.file.Close()
}

// ReadFile opens path and returns its state dictionary and header.
func ReadFile(path string) (map[string]*tensor.RawTensor, Header, error) {
	r, err := NewBornReader(path)
	if err != nil {
		return nil, Header{}, err
	}
	defer func() { _ = r.Close() }()

	sd, err := r.ReadStateDict()
	if err != nil {
		return nil, Header{}, err
	}
	return sd, r.Header(), nil
}

// ValidateHeader checks tensor metadata against the data section size.
//
// Every tensor must have a sane name, a supported dtype, a size matching its
// shape, and a byte range inside the data section that overlaps no other tensor.
func ValidateHeader(header *Header, dataSize int64) error {
	if len(header.Tensors) > MaxTensorCount {
		return &ValidationError{Type: "too_many_tensors", Details: fmt.Sprintf("%d > %d", len(header.Tensors), MaxTensorCount)}
	}

	seen := make(map[string]bool, len(header.Tensors))
	for _, meta := range header.Tensors {
		if err := ValidateTensorName(meta.Name); err != nil {
			return err
		}
		if seen[meta.Name] {
			return &ValidationError{Type: "duplicate_name", Tensor: meta.Name, Details: "tensor appears twice"}
		}
		seen[meta.Name] = true

		dtype, ok := tensor.ParseDataType(meta.DType)
		if !ok {
			return &ValidationError{Type: "invalid_dtype", Tensor: meta.Name, Details: meta.DType}
		}
		shape := tensor.Shape(meta.Shape)
		if err := shape.Validate(); err != nil {
			return &ValidationError{Type: "invalid_shape", Tensor: meta.Name, Details: err.Error()}
		}
		if want := int64(shape.NumElements() * dtype.Size()); want != meta.Size {
			return &ValidationError{Type: "size_mismatch", Tensor: meta.Name, Details: fmt.Sprintf("shape %v needs %d bytes, header says %d", shape, want, meta.Size)}
		}
		if meta.Offset < 0 || meta.Offset+meta.Size > dataSize {
			return &ValidationError{Type: "out_of_bounds", Tensor: meta.Name, Details: fmt.Sprintf("[%d, %d) outside data section of %d bytes", meta.Offset, meta.Offset+meta.Size, dataSize)}
		}
	}
	return validateOverlaps(header.Tensors)
}

func validateOverlaps(tensors []TensorMeta) error {
	sorted := make([]TensorMeta, len(tensors))
	copy(sorted, tensors)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	for i := 1; i < len(sorted); i++ {
		prev := sorted[i-1]
		if prev.Offset+prev.Size > sorted[i].Offset {
			return &ValidationError{
				Type:    "offset_overlap",
				Tensor:  sorted[i].Name,
				Details: fmt.Sprintf("overlaps %q", prev.Name),
			}
		}
	}
	return nil
}

// ValidateTensorName rejects empty, oversized, or path-like tensor names.
func ValidateTensorName(name string) error {
	switch {
	case name == "":
		return &ValidationError{Type: "invalid_name", Details: "empty tensor name"}
	case len(name) > MaxTensorNameLen:
		return &ValidationError{Type: "invalid_name", Tensor: name[:32], Details: "name too long"}
	}
	for _, r := range name {
		if r == '/' || r == '\\' || r < 0x20 {
			return &ValidationError{Type: "invalid_name", Tensor: name, Details: "name contains a path separator or control character"}
		}
	}
	return nil
}
