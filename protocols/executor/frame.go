package executor

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"groupkit/view"
)

// FrameType tags the wire frames the executor protocol exchanges, one
// per spec.md §4.5 message kind.
type FrameType byte

const (
	RunRequest FrameType = iota + 1
	ConsumerReady
	ConsumerUnready
	TaskDispatch
	TaskResult
	TaskException
	TaskCancelled
	CancelRequest
)

var frameNames = map[FrameType]string{
	RunRequest:      "RUN_REQUEST",
	ConsumerReady:   "CONSUMER_READY",
	ConsumerUnready: "CONSUMER_UNREADY",
	TaskDispatch:    "TASK_DISPATCH",
	TaskResult:      "TASK_RESULT",
	TaskException:   "TASK_EXCEPTION",
	TaskCancelled:   "TASK_CANCELLED",
	CancelRequest:   "CANCEL_REQUEST",
}

func (t FrameType) String() string {
	if n, ok := frameNames[t]; ok {
		return n
	}
	return "UNKNOWN"
}

// bodyCompressThreshold mirrors event.Message's own compression
// threshold: task callables and results can be large, control frames
// (CONSUMER_READY, CANCEL_REQUEST) never are.
const bodyCompressThreshold = 256

// Frame is the Header a Frame-carrying MSG rides under the executor
// protocol's id: a type tag, the owning submission, and an optional
// body (the serialized callable on RunRequest/TaskDispatch, the result
// or failure text on TaskResult/TaskException).
type Frame struct {
	Type  FrameType
	Owner Owner
	Body  []byte
}

func (f *Frame) WriteTo(w io.Writer) error {
	if err := binary.Write(w, binary.BigEndian, byte(f.Type)); err != nil {
		return fmt.Errorf("executor: write type: %w", err)
	}
	if err := writeString(w, f.Owner.Address.String()); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, f.Owner.RequestID); err != nil {
		return fmt.Errorf("executor: write request id: %w", err)
	}

	body := f.Body
	compressed := byte(0)
	if len(body) >= bodyCompressThreshold {
		body = snappy.Encode(nil, body)
		compressed = 1
	}
	wrapped, err := proto.Marshal(wrapperspb.Bytes(body))
	if err != nil {
		return fmt.Errorf("executor: marshal body: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, compressed); err != nil {
		return fmt.Errorf("executor: write compressed flag: %w", err)
	}
	return writeBytes(w, wrapped)
}

func (f *Frame) ReadFrom(r io.Reader) error {
	var t byte
	if err := binary.Read(r, binary.BigEndian, &t); err != nil {
		return fmt.Errorf("executor: read type: %w", err)
	}
	f.Type = FrameType(t)

	addr, err := readString(r)
	if err != nil {
		return err
	}
	f.Owner.Address = view.NewAddress(addr)

	if err := binary.Read(r, binary.BigEndian, &f.Owner.RequestID); err != nil {
		return fmt.Errorf("executor: read request id: %w", err)
	}

	var compressed byte
	if err := binary.Read(r, binary.BigEndian, &compressed); err != nil {
		return fmt.Errorf("executor: read compressed flag: %w", err)
	}
	wrapped, err := readBytes(r)
	if err != nil {
		return err
	}
	var bv wrapperspb.BytesValue
	if err := proto.Unmarshal(wrapped, &bv); err != nil {
		return fmt.Errorf("executor: unmarshal body: %w", err)
	}
	body := bv.GetValue()
	if compressed == 1 {
		body, err = snappy.Decode(nil, body)
		if err != nil {
			return fmt.Errorf("executor: decompress body: %w", err)
		}
	}
	f.Body = body
	return nil
}

func (f *Frame) Size() int {
	return 1 + 4 + len(f.Owner.Address.String()) + 8 + 1 + 4 + len(f.Body)
}

func writeString(w io.Writer, s string) error {
	return writeBytes(w, []byte(s))
}

func readString(r io.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeBytes(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(b))); err != nil {
		return fmt.Errorf("executor: write length: %w", err)
	}
	if len(b) == 0 {
		return nil
	}
	_, err := w.Write(b)
	if err != nil {
		return fmt.Errorf("executor: write bytes: %w", err)
	}
	return nil
}

func readBytes(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("executor: read length: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("executor: read bytes: %w", err)
	}
	return buf, nil
}

// PortableCallable carries a callable that can't cross the wire as a
// native closure: a constructor name the receiving JVM-less side
// resolves against a local registry, plus its serialized arguments.
// Grounded on org.jgroups.util.Util.Executions.serializableCallable,
// which wraps a non-Serializable Callable the same way.
type PortableCallable struct {
	Constructor string
	Args        [][]byte
}

// Encode serializes c to the byte slice a Frame.Body carries.
func (c PortableCallable) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := writeString(buf, c.Constructor); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, uint32(len(c.Args))); err != nil {
		return nil, fmt.Errorf("executor: write arg count: %w", err)
	}
	for _, a := range c.Args {
		if err := writeBytes(buf, a); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// DecodePortableCallable reverses Encode.
func DecodePortableCallable(b []byte) (PortableCallable, error) {
	buf := bytes.NewReader(b)
	ctor, err := readString(buf)
	if err != nil {
		return PortableCallable{}, err
	}
	var n uint32
	if err := binary.Read(buf, binary.BigEndian, &n); err != nil {
		return PortableCallable{}, fmt.Errorf("executor: read arg count: %w", err)
	}
	args := make([][]byte, 0, n)
	for i := uint32(0); i < n; i++ {
		a, err := readBytes(buf)
		if err != nil {
			return PortableCallable{}, err
		}
		args = append(args, a)
	}
	return PortableCallable{Constructor: ctor, Args: args}, nil
}
