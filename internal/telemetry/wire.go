// Package telemetry implements the §4.5/§6 flask telemetry subscriber: a
// fan-in that maintains one framed-TCP connection per Active flask,
// demultiplexing the "key" and "error" topics defined by the wire format.
package telemetry

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/chemist-sh/chemist/internal/model"
)

const (
	wireScheme    = "telemetry"
	wireVersion   = uint8(1)
	topicKey      = "key"
	topicError    = "error"
	maxStringLen  = 1 << 20 // 1MiB: a malformed length prefix must never OOM a read
	maxAttrCount  = 1 << 16
)

// Frame is the decoded envelope of one telemetry message:
// scheme/version/window/topic. readFrame returns the topic-specific payload
// alongside it, for decodeKey/decodeErrorNames.
type Frame struct {
	Scheme  string
	Version uint8
	Window  uint8
	HasWin  bool
	Topic   string
}

// ErrorNames is the error payload: Names{mine, kind, theirs} per §6.
type ErrorNames struct {
	Mine   string
	Kind   string
	Theirs string
}

// readFrame reads one five-part frame off r: scheme (ascii, length-prefixed
// uint8), version (uint8), a presence byte then optional window (uint8),
// a presence byte then optional topic (ascii, length-prefixed uint8), and
// the payload (length-prefixed uint32 bytes). Returns the envelope and the
// raw payload for topic-specific decoding.
func readFrame(r *bufio.Reader) (Frame, []byte, error) {
	scheme, err := readShortString(r)
	if err != nil {
		return Frame{}, nil, fmt.Errorf("read scheme: %w", err)
	}
	if scheme != wireScheme {
		return Frame{}, nil, fmt.Errorf("unexpected scheme %q", scheme)
	}

	version, err := r.ReadByte()
	if err != nil {
		return Frame{}, nil, fmt.Errorf("read version: %w", err)
	}
	if version != wireVersion {
		return Frame{}, nil, fmt.Errorf("unsupported version %d", version)
	}

	hasWindow, err := r.ReadByte()
	if err != nil {
		return Frame{}, nil, fmt.Errorf("read window presence: %w", err)
	}
	var window uint8
	if hasWindow != 0 {
		window, err = r.ReadByte()
		if err != nil {
			return Frame{}, nil, fmt.Errorf("read window: %w", err)
		}
	}

	hasTopic, err := r.ReadByte()
	if err != nil {
		return Frame{}, nil, fmt.Errorf("read topic presence: %w", err)
	}
	var topic string
	if hasTopic != 0 {
		topic, err = readShortString(r)
		if err != nil {
			return Frame{}, nil, fmt.Errorf("read topic: %w", err)
		}
	}

	payload, err := readLongBytes(r)
	if err != nil {
		return Frame{}, nil, fmt.Errorf("read payload: %w", err)
	}

	return Frame{Scheme: scheme, Version: version, Window: window, HasWin: hasWindow != 0, Topic: topic}, payload, nil
}

// decodeKey decodes a "key" topic payload: name, reportable, units, then
// description, then an attribute map, per §6.
func decodeKey(payload []byte) (model.Key, error) {
	r := newCursor(payload)

	name, err := r.string()
	if err != nil {
		return model.Key{}, fmt.Errorf("key name: %w", err)
	}
	reportableByte, err := r.byte()
	if err != nil {
		return model.Key{}, fmt.Errorf("key reportable: %w", err)
	}
	reportable, err := decodeReportable(reportableByte)
	if err != nil {
		return model.Key{}, err
	}
	units, err := decodeUnits(r)
	if err != nil {
		return model.Key{}, fmt.Errorf("key units: %w", err)
	}
	desc, err := r.string()
	if err != nil {
		return model.Key{}, fmt.Errorf("key description: %w", err)
	}
	attrs, err := decodeAttributes(r)
	if err != nil {
		return model.Key{}, fmt.Errorf("key attributes: %w", err)
	}

	return model.Key{Name: name, Reportable: reportable, Units: units, Description: desc, Attributes: attrs}, nil
}

// decodeErrorNames decodes an "error" topic payload: three length-prefixed
// UTF-8 strings, mine/kind/theirs, per §6.
func decodeErrorNames(payload []byte) (ErrorNames, error) {
	r := newCursor(payload)
	mine, err := r.string()
	if err != nil {
		return ErrorNames{}, fmt.Errorf("error mine: %w", err)
	}
	kind, err := r.string()
	if err != nil {
		return ErrorNames{}, fmt.Errorf("error kind: %w", err)
	}
	theirs, err := r.string()
	if err != nil {
		return ErrorNames{}, fmt.Errorf("error theirs: %w", err)
	}
	return ErrorNames{Mine: mine, Kind: kind, Theirs: theirs}, nil
}

func decodeReportable(b byte) (model.Reportable, error) {
	switch b {
	case 0:
		return model.ReportableB, nil
	case 1:
		return model.ReportableD, nil
	case 2:
		return model.ReportableS, nil
	case 3:
		return model.ReportableStats, nil
	default:
		return 0, fmt.Errorf("unknown reportable index %d", b)
	}
}

func decodeUnits(r *cursor) (model.Units, error) {
	kindByte, err := r.byte()
	if err != nil {
		return model.Units{}, fmt.Errorf("units kind: %w", err)
	}
	switch kindByte {
	case 0: // Duration{base, unit}
		base, err := r.byte()
		if err != nil {
			return model.Units{}, err
		}
		unit, err := r.byte()
		if err != nil {
			return model.Units{}, err
		}
		return model.Units{Kind: model.UnitsDuration, Base: model.TimeBase(base), Unit: model.TimeUnit(unit)}, nil
	case 1: // Bytes{base}
		base, err := r.byte()
		if err != nil {
			return model.Units{}, err
		}
		return model.Units{Kind: model.UnitsBytes, Base: model.TimeBase(base)}, nil
	case 2:
		return model.Units{Kind: model.UnitsCount}, nil
	case 3:
		return model.Units{Kind: model.UnitsRatio}, nil
	case 4:
		return model.Units{Kind: model.UnitsTrafficLight}, nil
	case 5:
		return model.Units{Kind: model.UnitsHealthy}, nil
	case 6:
		return model.Units{Kind: model.UnitsLoad}, nil
	case 7:
		return model.Units{Kind: model.UnitsNone}, nil
	default:
		return model.Units{}, fmt.Errorf("unknown units kind index %d", kindByte)
	}
}

func decodeAttributes(r *cursor) (map[string]string, error) {
	count, err := r.uint16()
	if err != nil {
		return nil, err
	}
	if int(count) > maxAttrCount {
		return nil, fmt.Errorf("attribute count %d exceeds limit", count)
	}
	if count == 0 {
		return nil, nil
	}
	attrs := make(map[string]string, count)
	for i := 0; i < int(count); i++ {
		k, err := r.string()
		if err != nil {
			return nil, err
		}
		v, err := r.string()
		if err != nil {
			return nil, err
		}
		attrs[k] = v
	}
	return attrs, nil
}

// cursor walks a decoded payload buffer.
type cursor struct {
	buf []byte
	pos int
}

func newCursor(buf []byte) *cursor { return &cursor{buf: buf} }

func (c *cursor) byte() (byte, error) {
	if c.pos >= len(c.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	b := c.buf[c.pos]
	c.pos++
	return b, nil
}

func (c *cursor) uint16() (uint16, error) {
	if c.pos+2 > len(c.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint16(c.buf[c.pos:])
	c.pos += 2
	return v, nil
}

func (c *cursor) uint32() (uint32, error) {
	if c.pos+4 > len(c.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint32(c.buf[c.pos:])
	c.pos += 4
	return v, nil
}

func (c *cursor) string() (string, error) {
	n, err := c.uint32()
	if err != nil {
		return "", err
	}
	if n > maxStringLen {
		return "", fmt.Errorf("string length %d exceeds limit", n)
	}
	if c.pos+int(n) > len(c.buf) {
		return "", io.ErrUnexpectedEOF
	}
	s := string(c.buf[c.pos : c.pos+int(n)])
	c.pos += int(n)
	return s, nil
}

func readShortString(r *bufio.Reader) (string, error) {
	n, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readLongBytes(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxStringLen {
		return nil, fmt.Errorf("payload length %d exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
