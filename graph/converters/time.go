package converters

import (
	"reflect"
	"strconv"
	"time"

	"github.com/entitycache/graphjson/graph/core"
)

var (
	timeType     = reflect.TypeOf(time.Time{})
	durationType = reflect.TypeOf(time.Duration(0))
)

// Time writes time.Time values as strings in Layout (RFC 3339 with
// nanoseconds when empty).
type Time struct {
	Layout string
}

func (c Time) layout() string {
	if c.Layout == "" {
		return time.RFC3339Nano
	}
	return c.Layout
}

func (Time) CanConvert(t reflect.Type) bool { return t == timeType }

func (c Time) WriteValue(w *core.Writer, v reflect.Value) error {
	w.Tokens().WriteString(v.Interface().(time.Time).Format(c.layout()))
	return nil
}

func (c Time) ReadValue(r *core.Reader, dst reflect.Value) error {
	tr := r.Tokens()
	if tr.Peek() != core.TokenString {
		return r.Incompatible(dst.Type(), tr.Peek().String()+" into time", nil)
	}
	ts, err := time.Parse(c.layout(), tr.ReadString())
	if err != nil {
		return r.Incompatible(dst.Type(), "invalid time", err)
	}
	dst.Set(reflect.ValueOf(ts))
	return nil
}

// Duration writes time.Duration values as strings such as "1m30s". Integer
// nanoseconds are accepted when reading.
type Duration struct{}

func (Duration) CanConvert(t reflect.Type) bool { return t == durationType }

func (Duration) WriteValue(w *core.Writer, v reflect.Value) error {
	w.Tokens().WriteString(time.Duration(v.Int()).String())
	return nil
}

func (Duration) ReadValue(r *core.Reader, dst reflect.Value) error {
	tr := r.Tokens()
	switch tr.Peek() {
	case core.TokenString:
		d, err := time.ParseDuration(tr.ReadString())
		if err != nil {
			return r.Incompatible(dst.Type(), "invalid duration", err)
		}
		dst.SetInt(int64(d))
	case core.TokenNumber:
		n, err := strconv.ParseInt(tr.ReadNumber(), 10, 64)
		if err != nil {
			return r.Incompatible(dst.Type(), "invalid duration", err)
		}
		dst.SetInt(n)
	default:
		return r.Incompatible(dst.Type(), tr.Peek().String()+" into duration", nil)
	}
	return nil
}
