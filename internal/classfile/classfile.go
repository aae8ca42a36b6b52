// Package classfile decodes JVM class files far enough to drop attributes
// that only carry debug metadata, and re-encodes what is left. Two
// compilations that differ only in line number tables (a comment or blank
// line moved code around) produce identical canonical bytes. The constant
// pool is kept as is, so renaming a local variable still changes them.
package classfile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic is the first four bytes of every class file.
const Magic = 0xCAFEBABE

// ErrMalformed is returned for input that is not a well-formed class file.
var ErrMalformed = errors.New("malformed class file")

const (
	tagUtf8               = 1
	tagInteger            = 3
	tagFloat              = 4
	tagLong               = 5
	tagDouble             = 6
	tagClass              = 7
	tagString             = 8
	tagFieldref           = 9
	tagMethodref          = 10
	tagInterfaceMethodref = 11
	tagNameAndType        = 12
	tagMethodHandle       = 15
	tagMethodType         = 16
	tagDynamic            = 17
	tagInvokeDynamic      = 18
	tagModule             = 19
	tagPackage            = 20
)

// DebugAttributes are removed by StripDebug wherever they appear.
var DebugAttributes = map[string]bool{
	"SourceFile":             true,
	"SourceDebugExtension":   true,
	"LineNumberTable":        true,
	"LocalVariableTable":     true,
	"LocalVariableTypeTable": true,
	"MethodParameters":       true,
}

// Attribute is a raw attribute_info structure.
type Attribute struct {
	NameIndex uint16
	Name      string
	Info      []byte
}

// Member is a field_info or method_info structure.
type Member struct {
	AccessFlags     uint16
	NameIndex       uint16
	DescriptorIndex uint16
	Attributes      []Attribute
}

// Class is a decoded class file. The constant pool is kept verbatim.
type Class struct {
	Minor       uint16
	Major       uint16
	PoolCount   uint16
	AccessFlags uint16
	ThisClass   uint16
	SuperClass  uint16
	Interfaces  []uint16
	Fields      []Member
	Methods     []Member
	Attributes  []Attribute

	pool    []byte
	utf8    map[uint16]string
	classes map[uint16]uint16
}

// Canonicalize returns data with all debug attributes removed.
func Canonicalize(data []byte) ([]byte, error) {
	c, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := c.StripDebug(); err != nil {
		return nil, err
	}
	return c.Encode(), nil
}

// Parse decodes a class file.
func Parse(data []byte) (*Class, error) {
	r := &reader{data: data}
	if magic := r.u4(); r.err == nil && magic != Magic {
		return nil, fmt.Errorf("%w: bad magic %#x", ErrMalformed, magic)
	}

	c := &Class{
		utf8:    make(map[uint16]string),
		classes: make(map[uint16]uint16),
	}
	c.Minor = r.u2()
	c.Major = r.u2()
	c.PoolCount = r.u2()
	if r.err != nil {
		return nil, r.err
	}

	start := r.off
	for i := 1; i < int(c.PoolCount); i++ {
		idx := uint16(i)
		switch tag := r.u1(); tag {
		case tagUtf8:
			n := r.u2()
			c.utf8[idx] = string(r.bytes(int(n)))
		case tagInteger, tagFloat:
			r.skip(4)
		case tagLong, tagDouble:
			r.skip(8)
			i++ // eight-byte constants take two slots
		case tagClass:
			c.classes[idx] = r.u2()
		case tagString, tagMethodType, tagModule, tagPackage:
			r.skip(2)
		case tagFieldref, tagMethodref, tagInterfaceMethodref, tagNameAndType, tagDynamic, tagInvokeDynamic:
			r.skip(4)
		case tagMethodHandle:
			r.skip(3)
		default:
			if r.err != nil {
				return nil, r.err
			}
			return nil, fmt.Errorf("%w: unknown constant pool tag %d at index %d", ErrMalformed, tag, i)
		}
		if r.err != nil {
			return nil, r.err
		}
	}
	c.pool = data[start:r.off]

	c.AccessFlags = r.u2()
	c.ThisClass = r.u2()
	c.SuperClass = r.u2()
	n := int(r.u2())
	for i := 0; i < n && r.err == nil; i++ {
		c.Interfaces = append(c.Interfaces, r.u2())
	}

	var err error
	if c.Fields, err = c.readMembers(r); err != nil {
		return nil, err
	}
	if c.Methods, err = c.readMembers(r); err != nil {
		return nil, err
	}
	if c.Attributes, err = c.readAttributes(r); err != nil {
		return nil, err
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.off != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(data)-r.off)
	}
	return c, nil
}

// Name returns the internal name of the class, e.g. "com/example/Foo".
func (c *Class) Name() string {
	return c.utf8[c.classes[c.ThisClass]]
}

// StripDebug removes DebugAttributes from the class, its members and the
// Code attributes of its methods.
func (c *Class) StripDebug() error {
	c.Attributes = filterDebug(c.Attributes)
	for i := range c.Fields {
		c.Fields[i].Attributes = filterDebug(c.Fields[i].Attributes)
	}
	for i := range c.Methods {
		attrs := filterDebug(c.Methods[i].Attributes)
		for j := range attrs {
			if attrs[j].Name != "Code" {
				continue
			}
			info, err := c.stripCode(attrs[j].Info)
			if err != nil {
				return err
			}
			attrs[j].Info = info
		}
		c.Methods[i].Attributes = attrs
	}
	return nil
}

// Encode writes the class back out in class file format.
func (c *Class) Encode() []byte {
	w := &writer{}
	w.u4(Magic)
	w.u2(c.Minor)
	w.u2(c.Major)
	w.u2(c.PoolCount)
	w.buf.Write(c.pool)
	w.u2(c.AccessFlags)
	w.u2(c.ThisClass)
	w.u2(c.SuperClass)
	w.u2(uint16(len(c.Interfaces)))
	for _, iface := range c.Interfaces {
		w.u2(iface)
	}
	writeMembers(w, c.Fields)
	writeMembers(w, c.Methods)
	writeAttributes(w, c.Attributes)
	return w.buf.Bytes()
}

func (c *Class) readMembers(r *reader) ([]Member, error) {
	n := int(r.u2())
	members := make([]Member, 0, n)
	for i := 0; i < n; i++ {
		m := Member{
			AccessFlags:     r.u2(),
			NameIndex:       r.u2(),
			DescriptorIndex: r.u2(),
		}
		if r.err != nil {
			return nil, r.err
		}
		attrs, err := c.readAttributes(r)
		if err != nil {
			return nil, err
		}
		m.Attributes = attrs
		members = append(members, m)
	}
	return members, r.err
}

func (c *Class) readAttributes(r *reader) ([]Attribute, error) {
	n := int(r.u2())
	attrs := make([]Attribute, 0, n)
	for i := 0; i < n; i++ {
		nameIndex := r.u2()
		length := r.u4()
		info := r.bytes(int(length))
		if r.err != nil {
			return nil, r.err
		}
		name, ok := c.utf8[nameIndex]
		if !ok {
			return nil, fmt.Errorf("%w: attribute name index %d is not a Utf8 constant", ErrMalformed, nameIndex)
		}
		attrs = append(attrs, Attribute{NameIndex: nameIndex, Name: name, Info: info})
	}
	return attrs, r.err
}

func (c *Class) stripCode(info []byte) ([]byte, error) {
	r := &reader{data: info}
	maxStack := r.u2()
	maxLocals := r.u2()
	code := r.bytes(int(r.u4()))
	exceptions := r.bytes(8 * int(r.u2()))
	if r.err != nil {
		return nil, fmt.Errorf("reading Code attribute: %w", r.err)
	}
	attrs, err := c.readAttributes(r)
	if err != nil {
		return nil, fmt.Errorf("reading Code attribute: %w", err)
	}
	if r.off != len(info) {
		return nil, fmt.Errorf("%w: Code attribute has %d trailing bytes", ErrMalformed, len(info)-r.off)
	}

	w := &writer{}
	w.u2(maxStack)
	w.u2(maxLocals)
	w.u4(uint32(len(code)))
	w.buf.Write(code)
	w.u2(uint16(len(exceptions) / 8))
	w.buf.Write(exceptions)
	writeAttributes(w, filterDebug(attrs))
	return w.buf.Bytes(), nil
}

func filterDebug(attrs []Attribute) []Attribute {
	kept := attrs[:0:0]
	for _, a := range attrs {
		if !DebugAttributes[a.Name] {
			kept = append(kept, a)
		}
	}
	return kept
}

func writeMembers(w *writer, members []Member) {
	w.u2(uint16(len(members)))
	for _, m := range members {
		w.u2(m.AccessFlags)
		w.u2(m.NameIndex)
		w.u2(m.DescriptorIndex)
		writeAttributes(w, m.Attributes)
	}
}

func writeAttributes(w *writer, attrs []Attribute) {
	w.u2(uint16(len(attrs)))
	for _, a := range attrs {
		w.u2(a.NameIndex)
		w.u4(uint32(len(a.Info)))
		w.buf.Write(a.Info)
	}
}

// reader is a big-endian cursor that latches the first error.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || len(r.data)-r.off < n {
		r.err = fmt.Errorf("%w: unexpected end of data at offset %d", ErrMalformed, r.off)
		return false
	}
	return true
}

func (r *reader) u1() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.data[r.off]
	r.off++
	return v
}

func (r *reader) u2() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.data[r.off:])
	r.off += 2
	return v
}

func (r *reader) u4() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v
}

func (r *reader) bytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) skip(n int) {
	r.bytes(n)
}

type writer struct {
	buf bytes.Buffer
}

func (w *writer) u2(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf.Write(b[:])
}

func (w *writer) u4(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}
