package worker

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxFrameSize bounds a single framed message.
const MaxFrameSize = 4 << 20

// ErrFrameTooLarge is returned when a length prefix exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// envelope is the msgpack body of every frame: a kind tag plus the
// kind-specific payload.
type envelope struct {
	Kind Kind               `msgpack:"k"`
	Body msgpack.RawMessage `msgpack:"b"`
}

type message interface{ Kind() Kind }

// writeFrame writes m as a 4-byte big-endian length prefix followed by the
// msgpack envelope.
func writeFrame(w io.Writer, m message) error {
	body, err := msgpack.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", m.Kind(), err)
	}
	data, err := msgpack.Marshal(envelope{Kind: m.Kind(), Body: body})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("%s: %w", m.Kind(), ErrFrameTooLarge)
	}
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write %s frame: %w", m.Kind(), err)
	}
	return nil
}

// readFrame reads one framed envelope. It returns io.EOF only when the
// stream ends cleanly between frames.
func readFrame(r io.Reader) (envelope, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return envelope{}, fmt.Errorf("read length prefix: %w", err)
		}
		return envelope{}, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > MaxFrameSize {
		return envelope{}, fmt.Errorf("length %d: %w", n, ErrFrameTooLarge)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return envelope{}, fmt.Errorf("read frame body: %w", err)
	}
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, nil
}

// WriteCommand frames cmd onto w.
func WriteCommand(w io.Writer, cmd Command) error { return writeFrame(w, cmd) }

// WritePacket frames p onto w.
func WritePacket(w io.Writer, p Packet) error { return writeFrame(w, p) }

// ReadCommand reads the next command from r.
func ReadCommand(r io.Reader) (Command, error) {
	env, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	switch env.Kind {
	case KindChangeState:
		return decodeBody[ChangeState](env)
	case KindPoseOverride:
		return decodeBody[PoseOverride](env)
	case KindFlush:
		return decodeBody[Flush](env)
	}
	return nil, fmt.Errorf("unexpected command kind %s", env.Kind)
}

// ReadPacket reads the next packet from r.
func ReadPacket(r io.Reader) (Packet, error) {
	env, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	switch env.Kind {
	case KindPose:
		return decodeBody[PoseData](env)
	case KindDetections:
		return decodeBody[DetectionsData](env)
	case KindTagObservations:
		return decodeBody[TagObservationsData](env)
	case KindStateNotice:
		return decodeBody[StateNotice](env)
	case KindFlushAck:
		return decodeBody[FlushAck](env)
	case KindLog:
		return decodeBody[LogRecord](env)
	}
	return nil, fmt.Errorf("unexpected packet kind %s", env.Kind)
}

func decodeBody[T any](env envelope) (T, error) {
	var v T
	if err := msgpack.Unmarshal(env.Body, &v); err != nil {
		return v, fmt.Errorf("unmarshal %s: %w", env.Kind, err)
	}
	return v, nil
}
