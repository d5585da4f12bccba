package saned

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// maxArrayLen bounds any array length announced by the server.
const maxArrayLen = 16 << 20

// encoder builds one request. All words are big-endian.
type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) word(w int32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(w))
	e.buf.Write(b[:])
}

func (e *encoder) bool(b bool) {
	if b {
		e.word(1)
	} else {
		e.word(0)
	}
}

// string encodes a char array whose length includes the terminator.
func (e *encoder) string(s string) {
	e.word(int32(len(s) + 1))
	e.buf.WriteString(s)
	e.buf.WriteByte(0)
}

// chars encodes a raw char array.
func (e *encoder) chars(b []byte) {
	e.word(int32(len(b)))
	e.buf.Write(b)
}

// words encodes a word array.
func (e *encoder) words(ws []int32) {
	e.word(int32(len(ws)))
	for _, w := range ws {
		e.word(w)
	}
}

func (e *encoder) bytes() []byte {
	return e.buf.Bytes()
}

// decoder reads a reply. The first error sticks; later reads return zero
// values so callers can decode a whole reply and check err once.
type decoder struct {
	r   io.Reader
	err error
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *decoder) word() int32 {
	if d.err != nil {
		return 0
	}
	var b [4]byte
	if _, err := io.ReadFull(d.r, b[:]); err != nil {
		d.fail(err)
		return 0
	}
	return int32(binary.BigEndian.Uint32(b[:]))
}

func (d *decoder) bool() bool {
	return d.word() != 0
}

// pointer reads the is-null word and reports whether a value follows.
func (d *decoder) pointer() bool {
	return d.word() == 0
}

func (d *decoder) arrayLen() int {
	n := d.word()
	if d.err != nil {
		return 0
	}
	if n < 0 || n > maxArrayLen {
		d.fail(fmt.Errorf("saned: bad array length %d", n))
		return 0
	}
	return int(n)
}

// string reads a char array. ok is false for a NULL string.
func (d *decoder) string() (s string, ok bool) {
	b := d.chars()
	if d.err != nil || b == nil {
		return "", false
	}
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b), true
}

// str reads a string and maps NULL to "".
func (d *decoder) str() string {
	s, _ := d.string()
	return s
}

// chars reads a raw char array. A zero length yields nil.
func (d *decoder) chars() []byte {
	n := d.arrayLen()
	if d.err != nil || n == 0 {
		return nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		d.fail(err)
		return nil
	}
	return b
}

func (d *decoder) words() []int32 {
	n := d.arrayLen()
	if d.err != nil {
		return nil
	}
	ws := make([]int32, n)
	for i := range ws {
		ws[i] = d.word()
	}
	return ws
}
