package core

import (
	"io"

	jsoniter "github.com/json-iterator/go"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// TokenKind identifies the next value in a token stream.
type TokenKind int

const (
	TokenInvalid TokenKind = iota
	TokenNull
	TokenBool
	TokenNumber
	TokenString
	TokenStartObject
	TokenStartArray
)

func (k TokenKind) String() string {
	switch k {
	case TokenNull:
		return "null"
	case TokenBool:
		return "bool"
	case TokenNumber:
		return "number"
	case TokenString:
		return "string"
	case TokenStartObject:
		return "object"
	case TokenStartArray:
		return "array"
	default:
		return "invalid"
	}
}

// TokenReader is a pull cursor over a JSON token stream.
type TokenReader interface {
	// Peek reports the kind of the next value without consuming it.
	Peek() TokenKind
	// NextProperty enters an object on the first call and returns the next
	// property name; it returns false once the object ends.
	NextProperty() (string, bool)
	// NextElement enters an array on the first call and reports whether
	// another element follows.
	NextElement() bool
	ReadString() string
	// ReadNumber returns the textual form of the next number.
	ReadNumber() string
	ReadBool() bool
	ReadNull() bool
	// Skip discards the next value.
	Skip()
	// Capture discards the next value and returns its raw bytes.
	Capture() []byte
	Err() error
}

// TokenWriter is a push sink for JSON tokens.
type TokenWriter interface {
	WriteStartObject()
	WriteEndObject()
	WriteStartArray()
	WriteEndArray()
	WritePropertyName(name string)
	WriteString(s string)
	WriteInt64(n int64)
	WriteUint64(n uint64)
	WriteFloat64(f float64)
	WriteBool(b bool)
	WriteNull()
	// WriteRaw emits a complete pre-encoded JSON value.
	WriteRaw(raw []byte)
	Err() error
}

// IteratorReader adapts a jsoniter.Iterator to TokenReader.
type IteratorReader struct {
	iter *jsoniter.Iterator
	open int // containers entered and not yet closed
}

// NewIteratorReader wraps an existing iterator.
func NewIteratorReader(iter *jsoniter.Iterator) *IteratorReader {
	return &IteratorReader{iter: iter}
}

// NewBytesReader reads tokens from an in-memory document.
func NewBytesReader(data []byte) *IteratorReader {
	return NewIteratorReader(jsoniter.ParseBytes(jsonAPI, data))
}

// NewStreamReader reads tokens from r.
func NewStreamReader(r io.Reader) *IteratorReader {
	return NewIteratorReader(jsoniter.Parse(jsonAPI, r, 4096))
}

func (r *IteratorReader) Peek() TokenKind {
	switch r.iter.WhatIsNext() {
	case jsoniter.NilValue:
		return TokenNull
	case jsoniter.BoolValue:
		return TokenBool
	case jsoniter.NumberValue:
		return TokenNumber
	case jsoniter.StringValue:
		return TokenString
	case jsoniter.ObjectValue:
		return TokenStartObject
	case jsoniter.ArrayValue:
		return TokenStartArray
	default:
		return TokenInvalid
	}
}

func (r *IteratorReader) NextProperty() (string, bool) {
	if r.iter.WhatIsNext() == jsoniter.ObjectValue {
		r.open++
	}
	name := r.iter.ReadObject()
	if r.iter.Error != nil {
		return "", false
	}
	if name == "" {
		r.open--
		return "", false
	}
	return name, true
}

func (r *IteratorReader) NextElement() bool {
	if r.iter.WhatIsNext() == jsoniter.ArrayValue {
		r.open++
	}
	if r.iter.ReadArray() {
		return r.iter.Error == nil
	}
	if r.iter.Error == nil {
		r.open--
	}
	return false
}

func (r *IteratorReader) ReadString() string { return r.iter.ReadString() }

// ReadNumber positions on the value first; jsoniter does not skip leading
// whitespace for numbers.
func (r *IteratorReader) ReadNumber() string {
	r.iter.WhatIsNext()
	return string(r.iter.ReadNumber())
}

func (r *IteratorReader) ReadBool() bool { return r.iter.ReadBool() }
func (r *IteratorReader) ReadNull() bool { return r.iter.ReadNil() }
func (r *IteratorReader) Skip()          { r.iter.Skip() }

func (r *IteratorReader) Capture() []byte {
	r.iter.WhatIsNext()
	raw := r.iter.SkipAndReturnBytes()
	out := make([]byte, len(raw))
	copy(out, raw)
	return out
}

// Err returns the first syntax error. Reaching the end of input is only an
// error inside an unfinished object or array.
func (r *IteratorReader) Err() error {
	switch {
	case r.iter.Error == nil:
		return nil
	case r.iter.Error == io.EOF:
		if r.open > 0 {
			return io.ErrUnexpectedEOF
		}
		return nil
	default:
		return r.iter.Error
	}
}

type writeFrame struct {
	array bool
	count int
}

// StreamWriter adapts a jsoniter.Stream to TokenWriter, inserting separators.
// Output stays buffered until Flush, which lets the serializer roll back a
// member that failed.
type StreamWriter struct {
	stream    *jsoniter.Stream
	frames    []writeFrame
	afterName bool
}

// NewStreamWriter writes tokens to out. A nil out keeps everything in memory;
// use Bytes to retrieve it.
func NewStreamWriter(out io.Writer) *StreamWriter {
	return &StreamWriter{stream: jsoniter.NewStream(jsonAPI, out, 512)}
}

// Bytes returns the buffered, unflushed output.
func (w *StreamWriter) Bytes() []byte { return w.stream.Buffer() }

// Flush writes buffered output to the underlying writer.
func (w *StreamWriter) Flush() error { return w.stream.Flush() }

func (w *StreamWriter) Err() error { return w.stream.Error }

func (w *StreamWriter) beforeValue() {
	if w.afterName {
		w.afterName = false
		return
	}
	if n := len(w.frames); n > 0 && w.frames[n-1].array {
		if w.frames[n-1].count > 0 {
			w.stream.WriteMore()
		}
		w.frames[n-1].count++
	}
}

func (w *StreamWriter) WriteStartObject() {
	w.beforeValue()
	w.stream.WriteObjectStart()
	w.frames = append(w.frames, writeFrame{})
}

func (w *StreamWriter) WriteEndObject() {
	w.frames = w.frames[:len(w.frames)-1]
	w.stream.WriteObjectEnd()
}

func (w *StreamWriter) WriteStartArray() {
	w.beforeValue()
	w.stream.WriteArrayStart()
	w.frames = append(w.frames, writeFrame{array: true})
}

func (w *StreamWriter) WriteEndArray() {
	w.frames = w.frames[:len(w.frames)-1]
	w.stream.WriteArrayEnd()
}

func (w *StreamWriter) WritePropertyName(name string) {
	top := &w.frames[len(w.frames)-1]
	if top.count > 0 {
		w.stream.WriteMore()
	}
	top.count++
	w.stream.WriteObjectField(name)
	w.afterName = true
}

func (w *StreamWriter) WriteString(s string)   { w.beforeValue(); w.stream.WriteString(s) }
func (w *StreamWriter) WriteInt64(n int64)     { w.beforeValue(); w.stream.WriteInt64(n) }
func (w *StreamWriter) WriteUint64(n uint64)   { w.beforeValue(); w.stream.WriteUint64(n) }
func (w *StreamWriter) WriteFloat64(f float64) { w.beforeValue(); w.stream.WriteFloat64(f) }
func (w *StreamWriter) WriteBool(b bool)       { w.beforeValue(); w.stream.WriteBool(b) }
func (w *StreamWriter) WriteNull()             { w.beforeValue(); w.stream.WriteNil() }
func (w *StreamWriter) WriteRaw(raw []byte)    { w.beforeValue(); w.stream.WriteRaw(string(raw)) }

type writerCheckpoint struct {
	buffered  int
	depth     int
	count     int
	afterName bool
	err       error
}

func (w *StreamWriter) checkpoint() writerCheckpoint {
	cp := writerCheckpoint{
		buffered:  len(w.stream.Buffer()),
		depth:     len(w.frames),
		afterName: w.afterName,
		err:       w.stream.Error,
	}
	if cp.depth > 0 {
		cp.count = w.frames[cp.depth-1].count
	}
	return cp
}

func (w *StreamWriter) rollback(cp writerCheckpoint) {
	w.stream.SetBuffer(w.stream.Buffer()[:cp.buffered])
	w.frames = w.frames[:cp.depth]
	if cp.depth > 0 {
		w.frames[cp.depth-1].count = cp.count
	}
	w.afterName = cp.afterName
	w.stream.Error = cp.err
}
