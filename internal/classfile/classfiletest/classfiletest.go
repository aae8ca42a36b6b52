// Package classfiletest assembles small but valid class files for tests.
package classfiletest

import (
	"bytes"
	"encoding/binary"
)

// Line maps a bytecode offset to a source line.
type Line struct {
	StartPC uint16
	Line    uint16
}

// Method describes one method with a Code attribute.
type Method struct {
	Name       string
	Descriptor string
	Code       []byte
	Lines      []Line
}

// Class describes the class to build. Names use internal form
// ("com/example/Foo").
type Class struct {
	Name       string
	Super      string
	SourceFile string
	Methods    []Method
	// Strings are extra Utf8 constants, e.g. to model a changed literal.
	Strings []string
}

// Return is the bytecode of a void method that does nothing.
var Return = []byte{0xb1}

// Build encodes c as a class file (major version 52).
func Build(c Class) []byte {
	p := &pool{index: make(map[string]uint16)}

	super := c.Super
	if super == "" {
		super = "java/lang/Object"
	}
	thisClass := p.class(c.Name)
	superClass := p.class(super)
	codeName := p.utf8("Code")

	var lineTableName, sourceFileName, sourceFileValue uint16
	for _, m := range c.Methods {
		if len(m.Lines) > 0 {
			lineTableName = p.utf8("LineNumberTable")
			break
		}
	}
	if c.SourceFile != "" {
		sourceFileName = p.utf8("SourceFile")
		sourceFileValue = p.utf8(c.SourceFile)
	}
	for _, s := range c.Strings {
		p.utf8(s)
	}

	type methodRefs struct{ name, desc uint16 }
	refs := make([]methodRefs, len(c.Methods))
	for i, m := range c.Methods {
		refs[i] = methodRefs{name: p.utf8(m.Name), desc: p.utf8(m.Descriptor)}
	}

	var out bytes.Buffer
	put32(&out, 0xCAFEBABE)
	put16(&out, 0)
	put16(&out, 52)
	put16(&out, p.count)
	out.Write(p.buf.Bytes())
	put16(&out, 0x0021) // public super
	put16(&out, thisClass)
	put16(&out, superClass)
	put16(&out, 0) // interfaces
	put16(&out, 0) // fields

	put16(&out, uint16(len(c.Methods)))
	for i, m := range c.Methods {
		put16(&out, 0x0001)
		put16(&out, refs[i].name)
		put16(&out, refs[i].desc)
		put16(&out, 1)

		var code bytes.Buffer
		put16(&code, 2) // max_stack
		put16(&code, 2) // max_locals
		put32(&code, uint32(len(m.Code)))
		code.Write(m.Code)
		put16(&code, 0) // exception table
		if len(m.Lines) > 0 {
			put16(&code, 1)
			put16(&code, lineTableName)
			put32(&code, uint32(2+4*len(m.Lines)))
			put16(&code, uint16(len(m.Lines)))
			for _, l := range m.Lines {
				put16(&code, l.StartPC)
				put16(&code, l.Line)
			}
		} else {
			put16(&code, 0)
		}

		put16(&out, codeName)
		put32(&out, uint32(code.Len()))
		out.Write(code.Bytes())
	}

	if c.SourceFile != "" {
		put16(&out, 1)
		put16(&out, sourceFileName)
		put32(&out, 2)
		put16(&out, sourceFileValue)
	} else {
		put16(&out, 0)
	}
	return out.Bytes()
}

type pool struct {
	buf   bytes.Buffer
	count uint16
	index map[string]uint16
}

func (p *pool) next() uint16 {
	if p.count == 0 {
		p.count = 1
	}
	idx := p.count
	p.count++
	return idx
}

func (p *pool) utf8(s string) uint16 {
	key := "u:" + s
	if idx, ok := p.index[key]; ok {
		return idx
	}
	idx := p.next()
	p.buf.WriteByte(1)
	put16(&p.buf, uint16(len(s)))
	p.buf.WriteString(s)
	p.index[key] = idx
	return idx
}

func (p *pool) class(name string) uint16 {
	key := "c:" + name
	if idx, ok := p.index[key]; ok {
		return idx
	}
	nameIdx := p.utf8(name)
	idx := p.next()
	p.buf.WriteByte(7)
	put16(&p.buf, nameIdx)
	p.index[key] = idx
	return idx
}

func put16(b *bytes.Buffer, v uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	b.Write(tmp[:])
}

func put32(b *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.Write(tmp[:])
}
