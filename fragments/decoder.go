package fragments

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// DecodeError is the error returned when a DBus message fragment
// cannot be decoded.
type DecodeError struct {
	// Offset is the byte offset at which decoding failed.
	Offset int
	// Reason is what went wrong.
	Reason error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding at offset %d: %v", e.Offset, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Reason
}

// A Decoder provides utilities to read a DBus wire format message
// from a byte slice.
//
// Methods advance the read cursor as needed to account for the
// padding required by DBus alignment rules, except for [Decoder.Read]
// which reads bytes verbatim.
//
// All errors returned by Decoder methods are of type [*DecodeError].
type Decoder struct {
	// Order is the byte order to use when reading multi-byte values.
	Order ByteOrder
	// In is the input to read.
	In []byte
	// Offset is the read cursor's position in In. Alignment is
	// computed relative to the start of In.
	Offset int

	// limit is the end of the innermost array being read, or 0 if
	// not reading an array.
	limit int
}

func (d *Decoder) end() int {
	if d.limit > 0 {
		return d.limit
	}
	return len(d.In)
}

// Remaining returns the number of unread bytes in the innermost
// container being read.
func (d *Decoder) Remaining() int {
	return d.end() - d.Offset
}

func (d *Decoder) errorf(msg string, args ...any) error {
	return &DecodeError{d.Offset, fmt.Errorf(msg, args...)}
}

// Pad consumes padding bytes as needed to make the next read happen
// at a multiple of align bytes. If the decoder is already correctly
// aligned, no bytes are consumed. Padding bytes must be zero.
func (d *Decoder) Pad(align int) error {
	extra := d.Offset % align
	if extra == 0 {
		return nil
	}
	skip := align - extra
	if d.Offset+skip > d.end() {
		return &DecodeError{d.Offset, io.ErrUnexpectedEOF}
	}
	for _, b := range d.In[d.Offset : d.Offset+skip] {
		if b != 0 {
			return d.errorf("non-zero padding byte 0x%02x", b)
		}
	}
	d.Offset += skip
	return nil
}

// Read reads n bytes, with no framing or padding.
func (d *Decoder) Read(n int) ([]byte, error) {
	if n < 0 || d.Offset+n > d.end() {
		return nil, &DecodeError{d.Offset, io.ErrUnexpectedEOF}
	}
	ret := d.In[d.Offset : d.Offset+n]
	d.Offset += n
	return ret, nil
}

// String reads a DBus string or object path.
func (d *Decoder) String() (string, error) {
	ln, err := d.Uint32()
	if err != nil {
		return "", err
	}
	start := d.Offset
	bs, err := d.Read(int(ln) + 1)
	if err != nil {
		return "", err
	}
	return checkString(start, bs)
}

// Signature reads a DBus signature. The returned string is not
// checked for signature validity.
func (d *Decoder) Signature() (string, error) {
	ln, err := d.Uint8()
	if err != nil {
		return "", err
	}
	start := d.Offset
	bs, err := d.Read(int(ln) + 1)
	if err != nil {
		return "", err
	}
	return checkString(start, bs)
}

func checkString(start int, bs []byte) (string, error) {
	last := len(bs) - 1
	if bs[last] != 0 {
		return "", &DecodeError{start + last, errors.New("string is not NUL-terminated")}
	}
	bs = bs[:last]
	if i := bytes.IndexByte(bs, 0); i >= 0 {
		return "", &DecodeError{start + i, errors.New("string contains NUL byte")}
	}
	if !utf8.Valid(bs) {
		return "", &DecodeError{start, errors.New("string is not valid UTF-8")}
	}
	return string(bs), nil
}

// Uint8 reads a uint8.
func (d *Decoder) Uint8() (uint8, error) {
	bs, err := d.Read(1)
	if err != nil {
		return 0, err
	}
	return bs[0], nil
}

// Uint16 reads a uint16.
func (d *Decoder) Uint16() (uint16, error) {
	if err := d.Pad(2); err != nil {
		return 0, err
	}
	bs, err := d.Read(2)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint16(bs), nil
}

// Uint32 reads a uint32.
func (d *Decoder) Uint32() (uint32, error) {
	if err := d.Pad(4); err != nil {
		return 0, err
	}
	bs, err := d.Read(4)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint32(bs), nil
}

// Uint64 reads a uint64.
func (d *Decoder) Uint64() (uint64, error) {
	if err := d.Pad(8); err != nil {
		return 0, err
	}
	bs, err := d.Read(8)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint64(bs), nil
}

// Array reads an array.
//
// readElement is called repeatedly while there is array data
// remaining to process, passing in the array index of the element to
// be decoded. readElement must consume exactly all array bytes from
// the input. Reads beyond the end of the array's data fail.
//
// elemAlign is the alignment of the array's element type, so that
// the decoder consumes array header padding appropriately even if the
// array contains no elements.
//
// Array returns the total number of array elements that were
// processed.
func (d *Decoder) Array(elemAlign int, readElement func(int) error) (int, error) {
	ln, err := d.Uint32()
	if err != nil {
		return 0, err
	}
	if ln > MaxArrayLen {
		return 0, d.errorf("array length %d exceeds maximum of %d bytes", ln, MaxArrayLen)
	}
	if err := d.Pad(elemAlign); err != nil {
		return 0, err
	}
	end := d.Offset + int(ln)
	if end > d.end() {
		return 0, d.errorf("array length %d overruns available data (%d bytes)", ln, d.Remaining())
	}

	outer := d.limit
	d.limit = end
	defer func() { d.limit = outer }()

	idx := 0
	for d.Offset < end {
		start := d.Offset
		if err := readElement(idx); err != nil {
			return idx, err
		}
		if d.Offset == start {
			return idx, d.errorf("array element %d consumed no bytes", idx)
		}
		idx++
	}
	return idx, nil
}

// Struct reads a struct.
//
// Struct fields must be read within the provided fields function.
func (d *Decoder) Struct(fields func() error) error {
	if err := d.Pad(8); err != nil {
		return err
	}
	return fields()
}

// ByteOrderFlag reads a DBus byte order flag byte, and sets
// [Decoder.Order] to match it.
func (d *Decoder) ByteOrderFlag() error {
	v, err := d.Uint8()
	if err != nil {
		return err
	}
	ord, err := OrderForFlag(v)
	if err != nil {
		return &DecodeError{d.Offset - 1, err}
	}
	d.Order = ord
	return nil
}
