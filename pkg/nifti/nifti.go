// Package nifti reads and writes single-file NIfTI-1 volumes (.nii and
// .nii.gz) as float64 models.Volume values.
package nifti

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"cmrglu/internal/models"
)

// Header is the on-disk NIfTI-1 header.
//
// Type translation from the C header:
//
//	C     Go
//	-------------
//	int   int32
//	float float32
//	short int16
//	char  byte
type Header struct {
	SizeOfHdr          int32    // Must be 348
	UnusedDataType     [10]byte // Unused
	UnusedDbName       [18]byte // Unused
	UnusedExtents      int32    // Unused
	UnusedSessionError int16    // Unused
	UnusedRegular      byte     // Unused
	DimInfo            byte     // MRI slice ordering

	Dim           [8]int16   // Data array dimensions
	IntentP1      float32    // 1st intent parameter
	IntentP2      float32    // 2nd intent parameter
	IntentP3      float32    // 3rd intent parameter
	IntentCode    int16      // NIFTI_INTENT_* code
	DataType      int16      // Defines data type
	BitPix        int16      // Number bits/voxel
	SliceStart    int16      // First slice index
	PixDim        [8]float32 // Grid spacing
	VoxOffset     float32    // Offset into .nii file
	SclSlope      float32    // Data scaling: slope
	SclInter      float32    // Data scaling: offset
	SliceEnd      int16      // Last slice index
	SliceCode     byte       // Slice timing order
	XYZTUnits     byte       // Units of pixdim[1..4]
	CalMax        float32    // Max display intensity
	CalMin        float32    // Min display intensity
	SliceDuration float32    // Time for 1 slice
	TOffset       float32    // Time axis shift
	UnusedGlmax   int32      // Unused
	UnusedGlmin   int32      // Unused

	Descrip [80]byte // Any text you like
	AuxFile [24]byte // Auxiliary filename

	QFormCode int16 // NIFTI_XFORM_* code
	SFormCode int16 // NIFTI_XFORM_* code

	QuaternB float32 // Quaternion b params
	QuaternC float32 // Quaternion c params
	QuaternD float32 // Quaternion d params
	QOffsetX float32 // Quaternion x shift
	QOffsetY float32 // Quaternion y shift
	QOffsetZ float32 // Quaternion z shift

	SRowX [4]float32 // 1st row affine transform
	SRowY [4]float32 // 2nd row affine transform
	SRowZ [4]float32 // 3rd row affine transform

	IntentName [16]byte // 'name' or meaning of data

	Magic [4]byte // "n+1\0" for single-file images
}

const (
	headerSize    = 348
	dataOffset    = 352
	singleFileMag = "n+1\x00"
)

// Datatype codes
const (
	DTUint8   = 2
	DTInt16   = 4
	DTInt32   = 8
	DTFloat32 = 16
	DTFloat64 = 64
	DTInt8    = 256
	DTUint16  = 512
	DTUint32  = 768
)

// Read loads a NIfTI-1 volume, applying the intensity scaling
func Read(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening image: %w", err)
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("opening gzip stream of %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	vol, err := Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	log.WithFields(log.Fields{"path": path, "dims": vol.Dims}).Debug("Loaded image")
	return vol, nil
}

// ReadHeader decodes the header and detects the byte order from dim[0]
func ReadHeader(b []byte) (Header, binary.ByteOrder, error) {
	if len(b) < headerSize {
		return Header{}, nil, fmt.Errorf("file too short for a NIfTI-1 header: %d bytes", len(b))
	}
	var order binary.ByteOrder = binary.LittleEndian
	var h Header
	if err := binary.Read(bytes.NewReader(b), order, &h); err != nil {
		return Header{}, nil, err
	}
	if h.Dim[0] < 1 || h.Dim[0] > 7 {
		order = binary.BigEndian
		h = Header{}
		if err := binary.Read(bytes.NewReader(b), order, &h); err != nil {
			return Header{}, nil, err
		}
	}
	if h.Dim[0] < 1 || h.Dim[0] > 7 {
		return Header{}, nil, fmt.Errorf("cannot infer byte order: dim[0] = %d not in [1, 7]", h.Dim[0])
	}
	if h.SizeOfHdr != headerSize {
		return Header{}, nil, fmt.Errorf("invalid header size %d", h.SizeOfHdr)
	}
	if string(h.Magic[:]) != singleFileMag {
		return Header{}, nil, fmt.Errorf("invalid magic %q: header and data must share one file", h.Magic[:])
	}
	log.WithFields(log.Fields{"byteOrder": order}).Debug("Found byte order")
	return h, order, nil
}

// Decode converts the bytes of a .nii file into a volume
func Decode(b []byte) (*models.Volume, error) {
	h, order, err := ReadHeader(b)
	if err != nil {
		return nil, err
	}

	ndim := int(h.Dim[0])
	dims := make([]int, 0, 4)
	n := 1
	for i := 1; i <= ndim && i <= 4; i++ {
		d := int(h.Dim[i])
		if d < 1 {
			d = 1
		}
		dims = append(dims, d)
		n *= d
	}
	for len(dims) < 3 {
		dims = append(dims, 1)
	}
	// Trailing singleton time axis behaves as a 3D volume
	if len(dims) == 4 && dims[3] == 1 {
		dims = dims[:3]
	}

	offset := int(h.VoxOffset)
	if offset < dataOffset {
		offset = dataOffset
	}
	bytesPer := int(h.BitPix) / 8
	if bytesPer < 1 {
		return nil, fmt.Errorf("unsupported bitpix %d", h.BitPix)
	}
	if len(b) < offset+n*bytesPer {
		return nil, fmt.Errorf("image data truncated: need %d bytes, have %d", offset+n*bytesPer, len(b))
	}

	data := make([]float64, n)
	if err := decodeData(data, b[offset:offset+n*bytesPer], h.DataType, order); err != nil {
		return nil, err
	}

	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	if slope != 0 && !(slope == 1 && inter == 0) {
		for i := range data {
			data[i] = data[i]*slope + inter
		}
	}

	vol := &models.Volume{Data: data, Dims: dims}
	vol.VoxelSize.X = float64(h.PixDim[1])
	vol.VoxelSize.Y = float64(h.PixDim[2])
	vol.VoxelSize.Z = float64(h.PixDim[3])
	for j := 0; j < 4; j++ {
		vol.Affine[j] = float64(h.SRowX[j])
		vol.Affine[4+j] = float64(h.SRowY[j])
		vol.Affine[8+j] = float64(h.SRowZ[j])
	}
	vol.Affine[15] = 1
	if h.SFormCode == 0 {
		// Scale-only transform from the voxel sizes
		vol.Affine = [16]float64{vol.VoxelSize.X, 0, 0, 0, 0, vol.VoxelSize.Y, 0, 0, 0, 0, vol.VoxelSize.Z, 0, 0, 0, 0, 1}
	}
	return vol, nil
}

func decodeData(dst []float64, b []byte, dataType int16, order binary.ByteOrder) error {
	switch dataType {
	case DTUint8:
		for i := range dst {
			dst[i] = float64(b[i])
		}
	case DTInt8:
		for i := range dst {
			dst[i] = float64(int8(b[i]))
		}
	case DTInt16:
		for i := range dst {
			dst[i] = float64(int16(order.Uint16(b[2*i:])))
		}
	case DTUint16:
		for i := range dst {
			dst[i] = float64(order.Uint16(b[2*i:]))
		}
	case DTInt32:
		for i := range dst {
			dst[i] = float64(int32(order.Uint32(b[4*i:])))
		}
	case DTUint32:
		for i := range dst {
			dst[i] = float64(order.Uint32(b[4*i:]))
		}
	case DTFloat32:
		for i := range dst {
			dst[i] = float64(math.Float32frombits(order.Uint32(b[4*i:])))
		}
	case DTFloat64:
		for i := range dst {
			dst[i] = math.Float64frombits(order.Uint64(b[8*i:]))
		}
	default:
		return fmt.Errorf("unsupported datatype %d", dataType)
	}
	return nil
}

// Write stores a volume as little-endian float32 NIfTI-1, gzipped when the
// path ends in .gz
func Write(path string, vol *models.Volume) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	var w io.Writer = bw
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(bw)
		w = gz
	}

	if err := Encode(w, vol); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("closing gzip stream of %s: %w", path, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flushing %s: %w", path, err)
	}
	log.WithFields(log.Fields{"path": path}).Debug("Wrote image")
	return nil
}

// Encode writes the header, the four byte extension flag and the float32 data
func Encode(w io.Writer, vol *models.Volume) error {
	h := NewHeader(vol)
	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return err
	}
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}
	buf := make([]byte, 4*len(vol.Data))
	for i, v := range vol.Data {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(float32(v)))
	}
	_, err := w.Write(buf)
	return err
}

// NewHeader builds a float32 header describing vol
func NewHeader(vol *models.Volume) Header {
	var h Header
	h.SizeOfHdr = headerSize
	h.Dim[0] = int16(len(vol.Dims))
	for i, d := range vol.Dims {
		h.Dim[i+1] = int16(d)
	}
	for i := len(vol.Dims) + 1; i < 8; i++ {
		h.Dim[i] = 1
	}
	h.DataType = DTFloat32
	h.BitPix = 32
	h.PixDim = [8]float32{1, float32(vol.VoxelSize.X), float32(vol.VoxelSize.Y), float32(vol.VoxelSize.Z), 1, 1, 1, 1}
	h.VoxOffset = dataOffset
	h.SclSlope = 1
	h.XYZTUnits = 2 | 8 // mm, seconds
	h.SFormCode = 1
	h.QFormCode = 0
	for j := 0; j < 4; j++ {
		h.SRowX[j] = float32(vol.Affine[j])
		h.SRowY[j] = float32(vol.Affine[4+j])
		h.SRowZ[j] = float32(vol.Affine[8+j])
	}
	copy(h.Descrip[:], "cmrglu")
	copy(h.Magic[:], singleFileMag)
	return h
}

// WriteMasked scatters one value per in-mask voxel into a 3D volume on the
// grid of template and writes it. Voxels outside the mask are zero.
func WriteMasked(path string, values []float64, mask []bool, template *models.Volume) error {
	n := template.NumVoxels()
	if len(mask) != n {
		return fmt.Errorf("mask has %d voxels, template has %d", len(mask), n)
	}
	vol := &models.Volume{
		Data:      make([]float64, n),
		Dims:      append([]int(nil), template.Dims[:3]...),
		VoxelSize: template.VoxelSize,
		Affine:    template.Affine,
	}
	j := 0
	for i, in := range mask {
		if !in {
			continue
		}
		if j >= len(values) {
			return fmt.Errorf("mask selects more than %d voxels", len(values))
		}
		vol.Data[i] = values[j]
		j++
	}
	if j != len(values) {
		return fmt.Errorf("mask selects %d voxels, got %d values", j, len(values))
	}
	return Write(path, vol)
}
