// Package matrix implements the binary matrix layout shared by keypoint,
// descriptor and match files: a header of two little-endian int32 values
// (rows, cols) followed by rows*cols little-endian cells in row-major order.
package matrix

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

// HeaderSize is the size in bytes of the rows/cols header.
const HeaderSize = 8

// cellSize is the width in bytes of every supported cell type.
const cellSize = 4

// readChunk bounds how many cells are allocated ahead of the data actually
// read, so a corrupt header cannot force a huge allocation.
const readChunk = 1 << 16

// Cell is the set of numeric types a matrix file can hold. Keypoints and
// descriptors are float32, matches are uint32.
type Cell interface {
	float32 | uint32
}

// Matrix is a dense row-major 2-D array.
type Matrix[T Cell] struct {
	Rows int
	Cols int
	Data []T
}

// New returns a matrix over data, which must hold exactly rows*cols cells.
func New[T Cell](rows, cols int, data []T) (*Matrix[T], error) {
	if rows < 0 || cols < 0 {
		return nil, fmt.Errorf("negative shape %dx%d", rows, cols)
	}
	if rows > math.MaxInt32 || cols > math.MaxInt32 {
		return nil, fmt.Errorf("shape %dx%d exceeds int32 header", rows, cols)
	}
	if len(data) != rows*cols {
		return nil, fmt.Errorf("shape %dx%d needs %d cells, got %d", rows, cols, rows*cols, len(data))
	}
	return &Matrix[T]{Rows: rows, Cols: cols, Data: data}, nil
}

// Zeros returns a rows x cols matrix with every cell zero.
func Zeros[T Cell](rows, cols int) *Matrix[T] {
	return &Matrix[T]{Rows: rows, Cols: cols, Data: make([]T, rows*cols)}
}

// At returns the cell at row r, column c.
func (m *Matrix[T]) At(r, c int) T {
	return m.Data[r*m.Cols+c]
}

// Row returns row r as a slice sharing the matrix storage.
func (m *Matrix[T]) Row(r int) []T {
	return m.Data[r*m.Cols : (r+1)*m.Cols]
}

func (m *Matrix[T]) String() string {
	return fmt.Sprintf("%dx%d", m.Rows, m.Cols)
}

// Payload returns the cell bytes without the header. This is the blob the
// reconstruction database stores next to separate rows/cols columns.
func (m *Matrix[T]) Payload() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, len(m.Data)*cellSize))
	// Writes to a bytes.Buffer cannot fail.
	_ = binary.Write(buf, binary.LittleEndian, m.Data)
	return buf.Bytes()
}

// FromPayload rebuilds a matrix from a header-less cell blob as returned by
// Payload.
func FromPayload[T Cell](rows, cols int, payload []byte) (*Matrix[T], error) {
	if rows < 0 || cols < 0 {
		return nil, &FormatError{Reason: fmt.Sprintf("negative shape %dx%d", rows, cols)}
	}
	if len(payload) != rows*cols*cellSize {
		return nil, &FormatError{Reason: fmt.Sprintf("payload holds %d bytes, shape %dx%d needs %d", len(payload), rows, cols, rows*cols*cellSize)}
	}
	data := make([]T, rows*cols)
	if err := binary.Read(bytes.NewReader(payload), binary.LittleEndian, data); err != nil {
		return nil, &FormatError{Reason: "decode payload", Err: err}
	}
	return &Matrix[T]{Rows: rows, Cols: cols, Data: data}, nil
}

// MarshalBinary encodes the matrix in file layout, header included.
func (m *Matrix[T]) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(HeaderSize + len(m.Data)*cellSize)
	if err := Encode(&buf, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes data in file layout into m.
func (m *Matrix[T]) UnmarshalBinary(data []byte) error {
	decoded, err := Decode[T](bytes.NewReader(data))
	if err != nil {
		return err
	}
	*m = *decoded
	return nil
}

// Encode writes m to w in file layout.
func Encode[T Cell](w io.Writer, m *Matrix[T]) error {
	if m.Rows < 0 || m.Cols < 0 || m.Rows > math.MaxInt32 || m.Cols > math.MaxInt32 {
		return fmt.Errorf("encode matrix: shape %dx%d not representable", m.Rows, m.Cols)
	}
	if len(m.Data) != m.Rows*m.Cols {
		return fmt.Errorf("encode matrix: shape %dx%d needs %d cells, got %d", m.Rows, m.Cols, m.Rows*m.Cols, len(m.Data))
	}

	header := [2]int32{int32(m.Rows), int32(m.Cols)}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, m.Data); err != nil {
		return fmt.Errorf("write cells: %w", err)
	}
	return nil
}

// Decode reads one matrix from r. The cell type is chosen by the caller; it
// is never inferred from the data. Cell values are not validated, so NaN and
// Inf pass through unchanged.
func Decode[T Cell](r io.Reader) (*Matrix[T], error) {
	var header [2]int32
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, &FormatError{Reason: "truncated header", Err: err}
	}

	rows, cols := header[0], header[1]
	if rows < 0 || cols < 0 {
		return nil, &FormatError{Reason: fmt.Sprintf("negative shape %dx%d", rows, cols)}
	}

	total := int64(rows) * int64(cols)
	data := make([]T, 0, min(total, readChunk))
	for int64(len(data)) < total {
		n := min(total-int64(len(data)), readChunk)
		chunk := make([]T, n)
		if err := binary.Read(r, binary.LittleEndian, chunk); err != nil {
			return nil, &FormatError{
				Reason: fmt.Sprintf("header declares %dx%d cells, stream ends after %d", rows, cols, len(data)),
				Err:    err,
			}
		}
		data = append(data, chunk...)
	}

	return &Matrix[T]{Rows: int(rows), Cols: int(cols), Data: data}, nil
}

// ReadFile decodes the matrix stored at path. Filesystem errors are reported
// as *FormatError so callers handle unreadable and malformed files alike.
func ReadFile[T Cell](path string) (*Matrix[T], error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &FormatError{Path: path, Reason: "open", Err: err}
	}
	defer f.Close()

	m, err := Decode[T](bufio.NewReader(f))
	if err != nil {
		var fe *FormatError
		if errors.As(err, &fe) {
			fe.Path = path
			return nil, fe
		}
		return nil, &FormatError{Path: path, Reason: "decode", Err: err}
	}
	return m, nil
}

// WriteFile encodes m to path, replacing any existing file.
func WriteFile[T Cell](path string, m *Matrix[T]) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	w := bufio.NewWriter(f)
	if err := Encode(w, m); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("flush %s: %w", path, err)
	}
	return f.Close()
}

// FormatError reports a malformed, truncated or unreadable matrix file.
type FormatError struct {
	Path   string
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	msg := "malformed matrix"
	if e.Path != "" {
		msg += " " + e.Path
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FormatError) Unwrap() error {
	return e.Err
}
