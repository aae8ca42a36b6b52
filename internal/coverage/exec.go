// Package coverage reads and writes JaCoCo execution data (".exec" files)
// and turns them into coverage records.
//
// An exec stream is a sequence of blocks, each introduced by a type byte:
//
//	0x01 header     magic 0xC0C0 (u2), format version 0x1007 (u2)
//	0x10 session    id (utf), start (i64), dump (i64)
//	0x11 class      id (i64), name (utf), probes (varint length + packed bits)
//
// Strings are a u2 byte length followed by the bytes. Merged files contain
// several headers and may repeat a class; repeated classes are unioned.
package coverage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
)

const (
	BlockHeader        byte = 0x01
	BlockSessionInfo   byte = 0x10
	BlockExecutionData byte = 0x11

	MagicNumber   uint16 = 0xC0C0
	FormatVersion uint16 = 0x1007
)

// ErrMalformed is returned for blobs that are not valid execution data.
var ErrMalformed = errors.New("malformed coverage data")

// SessionInfo describes the agent session that produced a dump. It varies
// from run to run and never influences decoded coverage.
type SessionInfo struct {
	ID    string
	Start int64
	Dump  int64
}

// ClassData is the probe array recorded for one class.
type ClassData struct {
	ID     int64
	Name   string
	Probes []bool
}

// Hit reports whether any probe of the class fired.
func (c ClassData) Hit() bool {
	for _, p := range c.Probes {
		if p {
			return true
		}
	}
	return false
}

// ExecData is a parsed exec stream. Classes are unique by name and sorted.
type ExecData struct {
	Sessions []SessionInfo
	Classes  []ClassData
}

// Parse reads an exec stream.
func Parse(blob []byte) (*ExecData, error) {
	r := &reader{data: blob}
	if len(blob) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrMalformed)
	}
	if blob[0] != BlockHeader {
		return nil, fmt.Errorf("%w: missing header block", ErrMalformed)
	}

	exec := &ExecData{}
	byName := make(map[string]*ClassData)
	for r.off < len(r.data) {
		switch block := r.u1(); block {
		case BlockHeader:
			magic := r.u2()
			version := r.u2()
			if r.err != nil {
				return nil, r.err
			}
			if magic != MagicNumber {
				return nil, fmt.Errorf("%w: bad magic %#04x", ErrMalformed, magic)
			}
			if version != FormatVersion {
				return nil, fmt.Errorf("%w: unsupported format version %#04x", ErrMalformed, version)
			}
		case BlockSessionInfo:
			s := SessionInfo{ID: r.utf(), Start: r.i64(), Dump: r.i64()}
			if r.err != nil {
				return nil, r.err
			}
			exec.Sessions = append(exec.Sessions, s)
		case BlockExecutionData:
			c := ClassData{ID: r.i64(), Name: r.utf(), Probes: r.bools()}
			if r.err != nil {
				return nil, r.err
			}
			if prev, ok := byName[c.Name]; ok {
				prev.ID = c.ID
				prev.Probes = unionProbes(prev.Probes, c.Probes)
			} else {
				byName[c.Name] = &c
			}
		default:
			return nil, fmt.Errorf("%w: unknown block type %#02x at offset %d", ErrMalformed, block, r.off-1)
		}
	}

	exec.Classes = make([]ClassData, 0, len(byName))
	for _, c := range byName {
		exec.Classes = append(exec.Classes, *c)
	}
	sort.Slice(exec.Classes, func(i, j int) bool { return exec.Classes[i].Name < exec.Classes[j].Name })
	return exec, nil
}

func unionProbes(a, b []bool) []bool {
	if len(b) > len(a) {
		a, b = b, a
	}
	out := append([]bool(nil), a...)
	for i, p := range b {
		out[i] = out[i] || p
	}
	return out
}

// Writer emits an exec stream. The header is written by NewWriter.
// Errors are latched and reported by every later call.
type Writer struct {
	w   io.Writer
	err error
}

// NewWriter writes a header to w and returns a Writer for the blocks.
func NewWriter(w io.Writer) *Writer {
	ew := &Writer{w: w}
	ew.u1(BlockHeader)
	ew.u2(MagicNumber)
	ew.u2(FormatVersion)
	return ew
}

// WriteSession appends a session info block.
func (w *Writer) WriteSession(s SessionInfo) error {
	w.u1(BlockSessionInfo)
	w.utf(s.ID)
	w.i64(s.Start)
	w.i64(s.Dump)
	return w.err
}

// WriteClass appends an execution data block.
func (w *Writer) WriteClass(c ClassData) error {
	w.u1(BlockExecutionData)
	w.i64(c.ID)
	w.utf(c.Name)
	w.bools(c.Probes)
	return w.err
}

func (w *Writer) write(b []byte) {
	if w.err != nil {
		return
	}
	_, w.err = w.w.Write(b)
}

func (w *Writer) u1(v byte) {
	w.write([]byte{v})
}

func (w *Writer) u2(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.write(b[:])
}

func (w *Writer) i64(v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	w.write(b[:])
}

func (w *Writer) utf(s string) {
	if len(s) > math.MaxUint16 {
		if w.err == nil {
			w.err = fmt.Errorf("string of %d bytes exceeds exec format limit", len(s))
		}
		return
	}
	w.u2(uint16(len(s)))
	w.write([]byte(s))
}

func (w *Writer) varint(v uint32) {
	var b []byte
	for v&0xFFFFFF80 != 0 {
		b = append(b, byte(v&0x7F)|0x80)
		v >>= 7
	}
	b = append(b, byte(v))
	w.write(b)
}

func (w *Writer) bools(probes []bool) {
	w.varint(uint32(len(probes)))
	var buf byte
	var bits uint
	for _, p := range probes {
		if p {
			buf |= 1 << bits
		}
		bits++
		if bits == 8 {
			w.u1(buf)
			buf, bits = 0, 0
		}
	}
	if bits > 0 {
		w.u1(buf)
	}
}

type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data)-r.off < n {
		r.err = fmt.Errorf("%w: truncated at offset %d", ErrMalformed, r.off)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u1() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u2() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) i64() int64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func (r *reader) utf() string {
	n := r.u2()
	return string(r.take(int(n)))
}

func (r *reader) varint() int {
	var v uint32
	for shift := uint(0); shift < 35; shift += 7 {
		b := r.u1()
		if r.err != nil {
			return 0
		}
		v |= uint32(b&0x7F) << shift
		if b&0x80 == 0 {
			return int(v)
		}
	}
	r.err = fmt.Errorf("%w: varint too long at offset %d", ErrMalformed, r.off)
	return 0
}

func (r *reader) bools() []bool {
	n := r.varint()
	if r.err != nil {
		return nil
	}
	packed := r.take((n + 7) / 8)
	if r.err != nil {
		return nil
	}
	probes := make([]bool, n)
	for i := range probes {
		probes[i] = packed[i/8]&(1<<(uint(i)%8)) != 0
	}
	return probes
}
