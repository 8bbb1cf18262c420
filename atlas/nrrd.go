package atlas

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/klauspost/compress/gzip"
)

// Volume is a 3-D integer raster. Values are stored x-fastest.
type Volume struct {
	Shape      [3]int
	Origin     r3.Vector
	Directions [3]r3.Vector
	Data       []uint32
}

// At returns the value at voxel (i, j, k). The caller checks bounds.
func (v *Volume) At(i, j, k int) uint32 {
	return v.Data[i+v.Shape[0]*(j+v.Shape[1]*k)]
}

// Contains reports whether the voxel index lies inside the raster.
func (v *Volume) Contains(idx [3]int) bool {
	for a := 0; a < 3; a++ {
		if idx[a] < 0 || idx[a] >= v.Shape[a] {
			return false
		}
	}
	return true
}

type nrrdHeader struct {
	kind      string
	dimension int
	sizes     [3]int
	encoding  string
	endian    binary.ByteOrder
	origin    r3.Vector
	dirs      [3]r3.Vector
	hasDirs   bool
	dataFile  string
}

// ReadNRRD loads an NRRD annotation volume from path.
func ReadNRRD(path string) (*Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open nrrd: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	hdr, err := readHeader(br)
	if err != nil {
		return nil, fmt.Errorf("read nrrd header %s: %w", path, err)
	}

	var payload io.Reader = br
	if hdr.dataFile != "" {
		df, err := os.Open(filepath.Join(filepath.Dir(path), hdr.dataFile))
		if err != nil {
			return nil, fmt.Errorf("open nrrd data file: %w", err)
		}
		defer df.Close()
		payload = bufio.NewReader(df)
	}
	return decodeVolume(hdr, payload)
}

// DecodeNRRD reads an attached-data NRRD stream.
func DecodeNRRD(r io.Reader) (*Volume, error) {
	br := bufio.NewReader(r)
	hdr, err := readHeader(br)
	if err != nil {
		return nil, fmt.Errorf("read nrrd header: %w", err)
	}
	if hdr.dataFile != "" {
		return nil, fmt.Errorf("%w: detached data file in stream", ErrUnsupportedNRRD)
	}
	return decodeVolume(hdr, br)
}

func readHeader(br *bufio.Reader) (*nrrdHeader, error) {
	magic, err := br.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if !strings.HasPrefix(magic, "NRRD") {
		return nil, fmt.Errorf("%w: missing NRRD magic", ErrUnsupportedNRRD)
	}

	hdr := &nrrdHeader{endian: binary.LittleEndian, encoding: "raw"}
	for {
		line, err := br.ReadString('\n')
		if err != nil && line == "" {
			return nil, fmt.Errorf("unterminated header: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "#") || strings.Contains(line, ":=") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed header line %q", line)
		}
		if err := hdr.set(strings.TrimSpace(key), strings.TrimSpace(value)); err != nil {
			return nil, err
		}
	}
	if hdr.dimension != 3 {
		return nil, fmt.Errorf("%w: dimension %d", ErrUnsupportedNRRD, hdr.dimension)
	}
	if !hdr.hasDirs {
		return nil, fmt.Errorf("%w: missing space directions", ErrUnsupportedNRRD)
	}
	return hdr, nil
}

func (h *nrrdHeader) set(key, value string) error {
	switch key {
	case "type":
		h.kind = value
	case "dimension":
		d, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("parse dimension: %w", err)
		}
		h.dimension = d
	case "sizes":
		fields := strings.Fields(value)
		if len(fields) != 3 {
			return fmt.Errorf("%w: sizes %q", ErrUnsupportedNRRD, value)
		}
		for i, f := range fields {
			n, err := strconv.Atoi(f)
			if err != nil {
				return fmt.Errorf("parse sizes: %w", err)
			}
			h.sizes[i] = n
		}
	case "encoding":
		h.encoding = value
	case "endian":
		if value == "big" {
			h.endian = binary.BigEndian
		}
	case "space origin":
		vecs, err := parseVectors(value)
		if err != nil || len(vecs) != 1 {
			return fmt.Errorf("parse space origin %q: %v", value, err)
		}
		h.origin = vecs[0]
	case "space directions":
		vecs, err := parseVectors(value)
		if err != nil || len(vecs) != 3 {
			return fmt.Errorf("parse space directions %q: %v", value, err)
		}
		copy(h.dirs[:], vecs)
		h.hasDirs = true
	case "data file", "datafile":
		h.dataFile = value
	}
	return nil
}

var vectorPattern = regexp.MustCompile(`\(([^)]*)\)`)

// parseVectors reads "(a,b,c) (d,e,f)" lists.
func parseVectors(s string) ([]r3.Vector, error) {
	var out []r3.Vector
	for _, match := range vectorPattern.FindAllStringSubmatch(s, -1) {
		parts := strings.Split(match[1], ",")
		if len(parts) != 3 {
			return nil, fmt.Errorf("vector %q has %d components", match[0], len(parts))
		}
		var c [3]float64
		for i, p := range parts {
			v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return nil, fmt.Errorf("parse vector component: %w", err)
			}
			c[i] = v
		}
		out = append(out, r3.Vector{X: c[0], Y: c[1], Z: c[2]})
	}
	return out, nil
}

type sampleType struct {
	size   int
	decode func(b []byte, order binary.ByteOrder) uint32
}

var sampleTypes = map[string]sampleType{}

func registerType(st sampleType, names ...string) {
	for _, n := range names {
		sampleTypes[n] = st
	}
}

func init() {
	registerType(sampleType{1, func(b []byte, _ binary.ByteOrder) uint32 { return uint32(int8(b[0])) }},
		"signed char", "int8", "int8_t")
	registerType(sampleType{1, func(b []byte, _ binary.ByteOrder) uint32 { return uint32(b[0]) }},
		"uchar", "unsigned char", "uint8", "uint8_t")
	registerType(sampleType{2, func(b []byte, o binary.ByteOrder) uint32 { return uint32(int16(o.Uint16(b))) }},
		"short", "short int", "signed short", "signed short int", "int16", "int16_t")
	registerType(sampleType{2, func(b []byte, o binary.ByteOrder) uint32 { return uint32(o.Uint16(b)) }},
		"ushort", "unsigned short", "unsigned short int", "uint16", "uint16_t")
	registerType(sampleType{4, func(b []byte, o binary.ByteOrder) uint32 { return o.Uint32(b) }},
		"int", "signed int", "int32", "int32_t", "uint", "unsigned int", "uint32", "uint32_t")
	registerType(sampleType{8, func(b []byte, o binary.ByteOrder) uint32 { return uint32(o.Uint64(b)) }},
		"longlong", "long long", "long long int", "signed long long", "signed long long int", "int64", "int64_t",
		"ulonglong", "unsigned long long", "unsigned long long int", "uint64", "uint64_t")
	registerType(sampleType{4, func(b []byte, o binary.ByteOrder) uint32 { return uint32(math.Float32frombits(o.Uint32(b))) }},
		"float")
	registerType(sampleType{8, func(b []byte, o binary.ByteOrder) uint32 { return uint32(math.Float64frombits(o.Uint64(b))) }},
		"double")
}

func decodeVolume(h *nrrdHeader, r io.Reader) (*Volume, error) {
	st, ok := sampleTypes[h.kind]
	if !ok {
		return nil, fmt.Errorf("%w: type %q", ErrUnsupportedNRRD, h.kind)
	}

	switch h.encoding {
	case "raw":
	case "gzip", "gz":
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("open gzip payload: %w", err)
		}
		defer zr.Close()
		r = zr
	default:
		return nil, fmt.Errorf("%w: encoding %q", ErrUnsupportedNRRD, h.encoding)
	}

	n := h.sizes[0] * h.sizes[1] * h.sizes[2]
	if n <= 0 {
		return nil, fmt.Errorf("%w: empty raster", ErrUnsupportedNRRD)
	}
	buf := make([]byte, n*st.size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read nrrd payload: %w", err)
	}
	data := make([]uint32, n)
	for i := range data {
		data[i] = st.decode(buf[i*st.size:(i+1)*st.size], h.endian)
	}
	return &Volume{Shape: h.sizes, Origin: h.origin, Directions: h.dirs, Data: data}, nil
}

// EncodeNRRD writes v as a raw little-endian uint32 NRRD. Optionally gzip
// compressed.
func EncodeNRRD(w io.Writer, v *Volume, compress bool) error {
	var hdr bytes.Buffer
	fmt.Fprintf(&hdr, "NRRD0004\ntype: uint32\ndimension: 3\nspace: left-posterior-superior\n")
	fmt.Fprintf(&hdr, "sizes: %d %d %d\n", v.Shape[0], v.Shape[1], v.Shape[2])
	fmt.Fprintf(&hdr, "space directions:")
	for _, d := range v.Directions {
		fmt.Fprintf(&hdr, " (%g,%g,%g)", d.X, d.Y, d.Z)
	}
	fmt.Fprintf(&hdr, "\nkinds: domain domain domain\nendian: little\n")
	encoding := "raw"
	if compress {
		encoding = "gzip"
	}
	fmt.Fprintf(&hdr, "encoding: %s\nspace origin: (%g,%g,%g)\n\n", encoding, v.Origin.X, v.Origin.Y, v.Origin.Z)
	if _, err := w.Write(hdr.Bytes()); err != nil {
		return fmt.Errorf("write nrrd header: %w", err)
	}

	payload := make([]byte, 4*len(v.Data))
	for i, x := range v.Data {
		binary.LittleEndian.PutUint32(payload[4*i:], x)
	}
	if !compress {
		_, err := w.Write(payload)
		return err
	}
	zw := gzip.NewWriter(w)
	if _, err := zw.Write(payload); err != nil {
		return fmt.Errorf("write nrrd payload: %w", err)
	}
	return zw.Close()
}
