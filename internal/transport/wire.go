package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/openmined/sealbox/internal/codec"
)

// Control frames are a 4-byte big-endian length followed by a UTF-8 JSON
// object. Upload bodies follow their control exchange as length-prefixed
// chunks terminated by an empty chunk. Download bodies follow their control
// response as exactly Response.Size raw bytes.

const (
	maxFrameSize = 16 << 20
	maxChunkSize = 64 << 10
)

const (
	ActionLogin           = "login"
	ActionCatalogueExists = "keyfile_exists"
	ActionGetCatalogue    = "get_keyfile"
	ActionPutCatalogue    = "put_keyfile"
	ActionGetFile         = "get_file"
	ActionCreateFile      = "create_file"
	ActionUpdateFile      = "update_file"
	ActionDeleteFile      = "delete_file"
)

var errFrameTooLarge = errors.New("frame too large")

type Request struct {
	ID       string `json:"id"`
	Action   string `json:"action"`
	Location string `json:"location,omitempty"`
	User     string `json:"user,omitempty"`
	Token    string `json:"token,omitempty"`
	Client   string `json:"client,omitempty"`
}

type Response struct {
	ID       string `json:"id"`
	Success  bool   `json:"success"`
	Code     string `json:"code,omitempty"`
	Error    string `json:"error,omitempty"`
	Location string `json:"location,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Exists   bool   `json:"exists,omitempty"`
}

// Err converts an unsuccessful response into a *RemoteError.
func (r *Response) Err() error {
	if r.Success {
		return nil
	}
	return NewRemoteError(r.Code, r.Error)
}

func WriteFrame(w io.Writer, v any) error {
	payload, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(payload) > maxFrameSize {
		return errFrameTooLarge
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

func ReadFrame(r io.Reader, v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > maxFrameSize {
		return errFrameTooLarge
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}
	if err := codec.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}

// ChunkWriter frames a body as length-prefixed chunks.
type ChunkWriter struct {
	w io.Writer
}

func NewChunkWriter(w io.Writer) *ChunkWriter {
	return &ChunkWriter{w: w}
}

func (c *ChunkWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n := min(len(p), maxChunkSize)

		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], uint32(n))
		if _, err := c.w.Write(hdr[:]); err != nil {
			return written, err
		}
		if _, err := c.w.Write(p[:n]); err != nil {
			return written, err
		}
		written += n
		p = p[n:]
	}
	return written, nil
}

// Finish writes the terminating empty chunk.
func (c *ChunkWriter) Finish() error {
	var hdr [4]byte
	_, err := c.w.Write(hdr[:])
	return err
}

// ChunkReader reads a chunked body until the terminating empty chunk.
type ChunkReader struct {
	r         io.Reader
	remaining uint32
	done      bool
}

func NewChunkReader(r io.Reader) *ChunkReader {
	return &ChunkReader{r: r}
}

func (c *ChunkReader) Read(p []byte) (int, error) {
	for c.remaining == 0 {
		if c.done {
			return 0, io.EOF
		}
		var hdr [4]byte
		if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
			return 0, unexpected(err)
		}
		c.remaining = binary.BigEndian.Uint32(hdr[:])
		if c.remaining > maxChunkSize {
			return 0, errFrameTooLarge
		}
		if c.remaining == 0 {
			c.done = true
		}
	}

	if uint32(len(p)) > c.remaining {
		p = p[:c.remaining]
	}
	n, err := c.r.Read(p)
	c.remaining -= uint32(n)
	if err != nil {
		return n, unexpected(err)
	}
	return n, nil
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
