package ipconn

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/encoding/charmap"
)

// LabVIEW strings are Latin-1, not UTF-8.
var encoding = charmap.ISO8859_1

// Request header: two magic words, protocol version, synchronous flag.
const (
	headerMagic   = 123
	headerVersion = 1
	headerSize    = 4 + 4 + 1 + 1
)

// maxReplySize guards against a corrupt length prefix.
const maxReplySize = 1 << 30

func pack(data []byte) []byte {
	out := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(out, uint32(len(data)))
	copy(out[4:], data)
	return out
}

func encodeString(s string) ([]byte, error) {
	b, err := encoding.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("ipconn: %q is not representable in Latin-1: %w", s, err)
	}
	return b, nil
}

func writeHeader(b *bytes.Buffer, synchronous bool) {
	var hdr [headerSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], headerMagic)
	binary.BigEndian.PutUint32(hdr[4:8], headerMagic)
	hdr[8] = headerVersion
	if synchronous {
		hdr[9] = 1
	}
	b.Write(hdr[:])
}

// buildRequest frames a command: [u32 len][header?][u32 len][cmd]([u32 len][arg])*.
func buildRequest(cmd string, args []any, header, synchronous bool) ([]byte, error) {
	var body bytes.Buffer
	if header {
		writeHeader(&body, synchronous)
	}

	parts := make([]string, 0, 1+len(args))
	parts = append(parts, cmd)
	for i, arg := range args {
		s, err := formatArg(arg)
		if err != nil {
			return nil, fmt.Errorf("ipconn: argument %d: %w", i, err)
		}
		parts = append(parts, s)
	}
	for _, p := range parts {
		b, err := encodeString(p)
		if err != nil {
			return nil, err
		}
		body.Write(pack(b))
	}
	return pack(body.Bytes()), nil
}

// formatArg renders an argument the way the LabVIEW side parses it:
// instances by name, maps as JSON (LabVIEW clusters), everything else as a Python literal.
func formatArg(arg any) (string, error) {
	switch v := arg.(type) {
	case *Instance:
		return v.Name, nil
	case json.RawMessage:
		return string(v), nil
	}
	if arg != nil && reflect.TypeOf(arg).Kind() == reflect.Map {
		b, err := json.Marshal(arg)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	return Repr(arg)
}

// Repr formats v as a Python literal. Supported: nil, bool, integers, floats, strings,
// slices and arrays of those.
func Repr(v any) (string, error) {
	var b strings.Builder
	if err := writeRepr(&b, reflect.ValueOf(v)); err != nil {
		return "", err
	}
	return b.String(), nil
}

func writeRepr(b *strings.Builder, v reflect.Value) error {
	if !v.IsValid() {
		b.WriteString("None")
		return nil
	}
	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			b.WriteString("True")
		} else {
			b.WriteString("False")
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		b.WriteString(strconv.FormatInt(v.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		b.WriteString(strconv.FormatUint(v.Uint(), 10))
	case reflect.Float32:
		b.WriteString(pyFloat(v.Float(), 32))
	case reflect.Float64:
		b.WriteString(pyFloat(v.Float(), 64))
	case reflect.String:
		b.WriteString(pyString(v.String()))
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			b.WriteString("[]")
			return nil
		}
		b.WriteByte('[')
		for i := 0; i < v.Len(); i++ {
			if i > 0 {
				b.WriteString(", ")
			}
			if err := writeRepr(b, v.Index(i)); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			b.WriteString("None")
			return nil
		}
		return writeRepr(b, v.Elem())
	default:
		return fmt.Errorf("cannot represent %s as a Python literal", v.Type())
	}
	return nil
}

// pyFloat mirrors Python's float repr: positional notation for exponents in [-4, 16),
// always with a fractional part, scientific notation otherwise.
func pyFloat(f float64, bitSize int) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	e := strconv.FormatFloat(f, 'e', -1, bitSize)
	exp, _ := strconv.Atoi(e[strings.IndexByte(e, 'e')+1:])
	if exp < -4 || exp >= 16 {
		return e
	}
	s := strconv.FormatFloat(f, 'f', -1, bitSize)
	if !strings.ContainsAny(s, ".") {
		s += ".0"
	}
	return s
}

func pyString(s string) string {
	quote := byte('\'')
	if strings.IndexByte(s, '\'') >= 0 && strings.IndexByte(s, '"') < 0 {
		quote = '"'
	}
	var b strings.Builder
	b.WriteByte(quote)
	for _, r := range s {
		switch {
		case r == rune(quote) || r == '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r == '\t':
			b.WriteString(`\t`)
		case unicode.IsPrint(r):
			b.WriteRune(r)
		case r <= 0xff:
			fmt.Fprintf(&b, `\x%02x`, r)
		case r <= 0xffff:
			fmt.Fprintf(&b, `\u%04x`, r)
		default:
			fmt.Fprintf(&b, `\U%08x`, r)
		}
	}
	b.WriteByte(quote)
	return b.String()
}

// exchange sends a framed request and, for synchronous calls, reads the framed reply.
// The context deadline and cancellation are applied to the socket.
func exchange(ctx context.Context, sock net.Conn, req []byte, synchronous bool) ([]byte, error) {
	dl, _ := ctx.Deadline() // zero clears a deadline left by an earlier call
	_ = sock.SetDeadline(dl)
	stop := context.AfterFunc(ctx, func() { _ = sock.SetDeadline(time.Unix(1, 0)) })
	defer func() {
		stop()
		_ = sock.SetDeadline(time.Time{})
	}()

	reply, err := roundTrip(sock, req, synchronous)
	if done := ctx.Done(); done != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		// every deadline on sock comes from ctx
		<-done
	}
	if err != nil && ctx.Err() != nil {
		return nil, fmt.Errorf("%w (%v)", ctx.Err(), err)
	}
	return reply, err
}

func roundTrip(sock net.Conn, req []byte, synchronous bool) ([]byte, error) {
	if _, err := sock.Write(req); err != nil {
		return nil, err
	}
	if !synchronous {
		return nil, nil
	}
	var n [4]byte
	if _, err := io.ReadFull(sock, n[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(n[:])
	if size > maxReplySize {
		return nil, fmt.Errorf("%w: reply of %d bytes", ErrProtocol, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(sock, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// decodeReply unpacks a (status, source, data) reply.
func decodeReply(payload []byte) (any, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	if len(payload) < headerSize {
		return nil, fmt.Errorf("%w: reply shorter than header", ErrProtocol)
	}
	text, err := encoding.NewDecoder().Bytes(payload[headerSize:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	v, err := ParseLiteral(string(text))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	t, ok := v.(Tuple)
	if !ok || len(t) != 3 {
		return nil, fmt.Errorf("%w: reply is not a (status, source, data) tuple", ErrProtocol)
	}
	if Truthy(t[0]) {
		return nil, &RemoteError{Source: fmt.Sprint(t[1])}
	}
	return t[2], nil
}
