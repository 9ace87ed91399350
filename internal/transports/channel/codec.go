package channel

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v4"
)

// DefaultMaxFrameBytes ограничивает размер одного кадра.
const DefaultMaxFrameBytes = 8 << 20

// ErrFrameTooLarge возвращается для кадра больше лимита; после него поток не синхронизирован.
var ErrFrameTooLarge = errors.New("frame too large")

// Статусы ответа канала.
const (
	StatusSuccess        = "success"
	StatusNotImplemented = "not_implemented"
	StatusError          = "error"
)

// Request - вызов метода канала.
type Request struct {
	ID        uint64      `msgpack:"id"`
	Channel   string      `msgpack:"channel"`
	Method    string      `msgpack:"method"`
	Arguments interface{} `msgpack:"arguments"`
}

// Response - ответ на Request с тем же ID. Result содержит ровно один ключ
// "message" или "error"; для not_implemented он пуст.
type Response struct {
	ID     uint64                 `msgpack:"id"`
	Status string                 `msgpack:"status"`
	Result map[string]interface{} `msgpack:"result,omitempty"`
}

// DecodeError - кадр прочитан целиком, но тело не разбирается.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode frame: %v", e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

// Codec читает и пишет кадры: big-endian uint32 длина и тело msgpack.
type Codec struct {
	r        *bufio.Reader
	w        *bufio.Writer
	buf      bytes.Buffer
	encoder  *msgpack.Encoder
	maxFrame int
}

// NewCodec создает кодек поверх соединения.
func NewCodec(rw io.ReadWriter, maxFrame int) *Codec {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameBytes
	}
	c := &Codec{
		r:        bufio.NewReader(rw),
		w:        bufio.NewWriter(rw),
		maxFrame: maxFrame,
	}
	c.encoder = msgpack.NewEncoder(&c.buf)
	return c
}

// ReadFrame читает один кадр в v. io.EOF означает штатное закрытие соединения.
func (c *Codec) ReadFrame(v interface{}) error {
	var size uint32
	if err := binary.Read(c.r, binary.BigEndian, &size); err != nil {
		return err
	}
	if int64(size) > int64(c.maxFrame) {
		return fmt.Errorf("%d bytes, limit %d: %w", size, c.maxFrame, ErrFrameTooLarge)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(c.r, body); err != nil {
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	if err := msgpack.Unmarshal(body, v); err != nil {
		return &DecodeError{Err: err}
	}
	return nil
}

// WriteFrame кодирует v и отправляет его одним кадром.
func (c *Codec) WriteFrame(v interface{}) error {
	c.buf.Reset()
	if err := c.encoder.Encode(v); err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if c.buf.Len() > c.maxFrame {
		return fmt.Errorf("encoded %d bytes, limit %d: %w", c.buf.Len(), c.maxFrame, ErrFrameTooLarge)
	}
	if err := binary.Write(c.w, binary.BigEndian, uint32(c.buf.Len())); err != nil {
		return fmt.Errorf("write frame size: %w", err)
	}
	if _, err := c.w.Write(c.buf.Bytes()); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return c.w.Flush()
}
