package serialization

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/yolov8/internal/tensor"
)

func testStateDict(t *testing.T) map[string]*tensor.RawTensor {
	t.Helper()
	w, err := tensor.FromFloat32(tensor.Shape{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	b, err := tensor.FromFloat32(tensor.Shape{2}, []float32{-1, 0.5})
	require.NoError(t, err)
	return map[string]*tensor.RawTensor{
		"model.0.conv.weight": w,
		"model.0.bn.bias":     b,
	}
}

func TestBornRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.born")
	sd := testStateDict(t)

	err := WriteFile(path, sd, Header{
		ModelType: "DetectionModel",
		Metadata:  map[string]string{"task": "detect"},
	})
	require.NoError(t, err)

	got, header, err := ReadFile(path)
	require.NoError(t, err)

	assert.Equal(t, FormatVersion, header.FormatVersion)
	assert.Equal(t, "DetectionModel", header.ModelType)
	assert.Equal(t, "detect", header.Metadata["task"])
	require.Len(t, header.Tensors, 2)
	assert.Equal(t, "model.0.bn.bias", header.Tensors[0].Name, "tensors are stored in name order")

	require.Len(t, got, 2)
	for name, want := range sd {
		require.Contains(t, got, name)
		assert.True(t, want.Shape().Equal(got[name].Shape()))
		assert.Equal(t, want.AsFloat32(), got[name].AsFloat32())
	}
}

func TestBornDeterministicData(t *testing.T) {
	dir := t.TempDir()
	sd := testStateDict(t)
	a, b := filepath.Join(dir, "a.born"), filepath.Join(dir, "b.born")
	require.NoError(t, WriteFile(a, sd, Header{}))
	require.NoError(t, WriteFile(b, sd, Header{}))

	ra, err := os.ReadFile(a)
	require.NoError(t, err)
	rb, err := os.ReadFile(b)
	require.NoError(t, err)
	assert.Equal(t, ra[ChecksumOffset:FixedHeaderSize], rb[ChecksumOffset:FixedHeaderSize])
}

func TestBornChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.born")
	require.NoError(t, WriteFile(path, testStateDict(t), Header{}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, _, err = ReadFile(path)
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	r, err := NewBornReaderWithOptions(path, ReaderOptions{SkipChecksumValidation: true})
	require.NoError(t, err)
	defer r.Close()
	_, err = r.ReadStateDict()
	assert.NoError(t, err)
}

func TestBornInvalidMagicAndVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.born")
	require.NoError(t, WriteFile(path, testStateDict(t), Header{}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	bad := append([]byte(nil), data...)
	copy(bad, "NOPE")
	badMagic := filepath.Join(dir, "magic.born")
	require.NoError(t, os.WriteFile(badMagic, bad, 0o600))
	_, _, err = ReadFile(badMagic)
	assert.ErrorIs(t, err, ErrInvalidMagic)

	bad = append([]byte(nil), data...)
	binary.LittleEndian.PutUint32(bad[4:8], 1)
	badVersion := filepath.Join(dir, "version.born")
	require.NoError(t, os.WriteFile(badVersion, bad, 0o600))
	_, _, err = ReadFile(badVersion)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestBornTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.born")
	require.NoError(t, WriteFile(path, testStateDict(t), Header{}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-4], 0o600))

	_, _, err = ReadFile(path)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "truncated", verr.Type)
}

func TestBornDataSizeOverflow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.born")
	require.NoError(t, WriteFile(path, testStateDict(t), Header{}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	binary.LittleEndian.PutUint64(data[24:32], 1<<63)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, _, err = ReadFile(path)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "got %v", err)
	assert.Equal(t, "size_overflow", verr.Type)
}

func TestWriteEmptyStateDict(t *testing.T) {
	err := WriteFile(filepath.Join(t.TempDir(), "empty.born"), nil, Header{})
	assert.ErrorIs(t, err, ErrEmptyStateDict)
}

func TestValidateHeader(t *testing.T) {
	ok := TensorMeta{Name: "a", DType: "float32", Shape: []int{2}, Offset: 0, Size: 8}

	tests := []struct {
		name    string
		tensors []TensorMeta
		errType string
	}{
		{"valid", []TensorMeta{ok}, ""},
		{"bad dtype", []TensorMeta{{Name: "a", DType: "complex", Shape: []int{2}, Size: 8}}, "invalid_dtype"},
		{"size mismatch", []TensorMeta{{Name: "a", DType: "float32", Shape: []int{3}, Size: 8}}, "size_mismatch"},
		{"out of bounds", []TensorMeta{{Name: "a", DType: "float32", Shape: []int{4}, Size: 16}}, "out_of_bounds"},
		{"overlap", []TensorMeta{ok, {Name: "b", DType: "float32", Shape: []int{1}, Offset: 4, Size: 4}}, "offset_overlap"},
		{"duplicate", []TensorMeta{ok, ok}, "duplicate_name"},
		{"path name", []TensorMeta{{Name: "../a", DType: "float32", Shape: []int{2}, Size: 8}}, "invalid_name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateHeader(&Header{Tensors: tt.tensors}, 8)
			if tt.errType == "" {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.errType, verr.Type)
		})
	}
}

func TestSafeTensorsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")
	sd := testStateDict(t)
	require.NoError(t, WriteSafeTensors(path, sd, map[string]string{"format": "pt"}))

	got, meta, err := ReadSafeTensors(path)
	require.NoError(t, err)
	assert.Equal(t, "pt", meta["format"])
	require.Len(t, got, 2)
	for name, want := range sd {
		assert.Equal(t, want.AsFloat32(), got[name].AsFloat32())
	}
}

func TestSafeTensorsRejectsHalfPrecision(t *testing.T) {
	path := filepath.Join(t.TempDir(), "half.safetensors")
	header := []byte(`{"w":{"dtype":"F16","shape":[1],"data_offsets":[0,2]}}`)
	buf := make([]byte, 8, 8+len(header)+2)
	binary.LittleEndian.PutUint64(buf, uint64(len(header)))
	buf = append(buf, header...)
	buf = append(buf, 0, 0)
	require.NoError(t, os.WriteFile(path, buf, 0o600))

	_, _, err := ReadSafeTensors(path)
	assert.ErrorContains(t, err, "F16")
}

type fakeModel struct {
	sd map[string]*tensor.RawTensor
}

func (m *fakeModel) StateDict() map[string]*tensor.RawTensor { return m.sd }
func (m *fakeModel) ModelType() string                       { return "FakeModel" }
func (m *fakeModel) Metadata() map[string]string             { return map[string]string{"yaml": "nc: 2"} }

func TestSaveObject(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "fake.born")
	require.NoError(t, SaveObject(&fakeModel{sd: testStateDict(t)}, path))
	_, header, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "FakeModel", header.ModelType)
	assert.Equal(t, "nc: 2", header.Metadata["yaml"])

	err = SaveObject(struct{}{}, filepath.Join(dir, "nope.born"))
	assert.ErrorIs(t, err, ErrNotSerializable)
	assert.NoFileExists(t, filepath.Join(dir, "nope.born"))
}
