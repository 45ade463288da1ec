package telemetry

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chemist-sh/chemist/internal/model"
)

func encodeFrame(topic string, payload []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(len(wireScheme)))
	buf.WriteString(wireScheme)
	buf.WriteByte(wireVersion)
	buf.WriteByte(0) // no window
	if topic == "" {
		buf.WriteByte(0)
	} else {
		buf.WriteByte(1)
		buf.WriteByte(byte(len(topic)))
		buf.WriteString(topic)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	buf.Write(lenBuf[:])
	buf.Write(payload)
	return buf.Bytes()
}

func encodeString(s string) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	return append(lenBuf[:], []byte(s)...)
}

func encodeKeyPayload(t *testing.T, k model.Key) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.Write(encodeString(k.Name))
	buf.WriteByte(byte(k.Reportable))
	switch k.Units.Kind {
	case model.UnitsDuration:
		buf.WriteByte(0)
		buf.WriteByte(byte(k.Units.Base))
		buf.WriteByte(byte(k.Units.Unit))
	case model.UnitsBytes:
		buf.WriteByte(1)
		buf.WriteByte(byte(k.Units.Base))
	default:
		buf.WriteByte(byte(k.Units.Kind))
	}
	buf.Write(encodeString(k.Description))
	var countBuf [2]byte
	binary.BigEndian.PutUint16(countBuf[:], uint16(len(k.Attributes)))
	buf.Write(countBuf[:])
	for name, val := range k.Attributes {
		buf.Write(encodeString(name))
		buf.Write(encodeString(val))
	}
	return buf.Bytes()
}

func TestReadFrameAndDecodeKey(t *testing.T) {
	key := model.Key{
		Name:        "jvm.memory",
		Reportable:  model.ReportableD,
		Units:       model.Units{Kind: model.UnitsDuration, Base: model.BaseMega, Unit: model.UnitMilli},
		Description: "heap usage",
		Attributes:  map[string]string{"pool": "eden"},
	}
	payload := encodeKeyPayload(t, key)
	raw := encodeFrame(topicKey, payload)

	frame, got, err := readFrame(bufio.NewReader(bytes.NewReader(raw)))
	require.NoError(t, err)
	assert.Equal(t, topicKey, frame.Topic)

	decoded, err := decodeKey(got)
	require.NoError(t, err)
	assert.Equal(t, key, decoded)
}

func TestReadFrameAndDecodeErrorNames(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(encodeString("chemist"))
	buf.Write(encodeString("http"))
	buf.Write(encodeString("flask-7"))

	raw := encodeFrame(topicError, buf.Bytes())
	frame, got, err := readFrame(bufio.NewReader(bytes.NewReader(raw)))
	require.NoError(t, err)
	assert.Equal(t, topicError, frame.Topic)

	names, err := decodeErrorNames(got)
	require.NoError(t, err)
	assert.Equal(t, ErrorNames{Mine: "chemist", Kind: "http", Theirs: "flask-7"}, names)
}

func TestReadFrameRejectsWrongScheme(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(5)
	buf.WriteString("other")
	buf.WriteByte(wireVersion)
	buf.WriteByte(0)
	buf.WriteByte(0)
	var lenBuf [4]byte
	buf.Write(lenBuf[:])

	_, _, err := readFrame(bufio.NewReader(bytes.NewReader(buf.Bytes())))
	assert.Error(t, err)
}

func TestDecodeKeyRejectsUnknownUnitsKind(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(encodeString("x"))
	buf.WriteByte(0)
	buf.WriteByte(99) // invalid units kind
	_, err := decodeKey(buf.Bytes())
	assert.Error(t, err)
}
