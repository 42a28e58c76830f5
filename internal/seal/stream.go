package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	BlockSize = aes.BlockSize
	IVSize    = aes.BlockSize

	readChunk = 4096
)

var errWriterClosed = errors.New("seal: write after close")

func newBlock(key []byte) (cipher.Block, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrKeySize, len(key))
	}
	return aes.NewCipher(key)
}

// Writer encrypts a stream with AES-256-CBC and PKCS7 padding. Close writes
// the final padded block; it does not close the underlying writer.
type Writer struct {
	w       io.Writer
	mode    cipher.BlockMode
	pending []byte
	out     []byte
	closed  bool
}

// NewWriter writes a fresh random IV to w and returns a writer sealing
// everything after it.
func NewWriter(w io.Writer, key []byte) (*Writer, error) {
	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}
	if _, err := w.Write(iv); err != nil {
		return nil, err
	}
	return newWriterIV(w, block, iv), nil
}

func newWriterIV(w io.Writer, block cipher.Block, iv []byte) *Writer {
	return &Writer{
		w:       w,
		mode:    cipher.NewCBCEncrypter(block, iv),
		pending: make([]byte, 0, BlockSize),
	}
}

func (e *Writer) Write(p []byte) (int, error) {
	if e.closed {
		return 0, errWriterClosed
	}
	written := len(p)

	if len(e.pending) > 0 {
		need := BlockSize - len(e.pending)
		if len(p) < need {
			e.pending = append(e.pending, p...)
			return written, nil
		}
		e.pending = append(e.pending, p[:need]...)
		p = p[need:]
		if err := e.emit(e.pending); err != nil {
			return 0, err
		}
		e.pending = e.pending[:0]
	}

	full := len(p) - len(p)%BlockSize
	if full > 0 {
		if err := e.emit(p[:full]); err != nil {
			return 0, err
		}
	}
	e.pending = append(e.pending, p[full:]...)
	return written, nil
}

func (e *Writer) emit(src []byte) error {
	if cap(e.out) < len(src) {
		e.out = make([]byte, len(src))
	}
	out := e.out[:len(src)]
	e.mode.CryptBlocks(out, src)
	_, err := e.w.Write(out)
	return err
}

func (e *Writer) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	pad := BlockSize - len(e.pending)
	for range pad {
		e.pending = append(e.pending, byte(pad))
	}
	return e.emit(e.pending)
}

// Reader decrypts an AES-256-CBC stream. The last block is held back until
// the source is exhausted so the padding can be checked and stripped.
type Reader struct {
	r     io.Reader
	mode  cipher.BlockMode
	in    []byte
	out   []byte
	chunk []byte
	eof   bool
	err   error
}

// NewReader reads the IV prefix from r and returns a reader yielding the
// plaintext.
func NewReader(r io.Reader, key []byte) (*Reader, error) {
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(r, iv); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: missing iv", ErrDecrypt)
		}
		return nil, err
	}
	return NewReaderIV(r, key, iv)
}

// NewReaderIV decrypts r with a caller supplied IV. It is the decode path for
// content written by older clients with a fixed IV.
func NewReaderIV(r io.Reader, key, iv []byte) (*Reader, error) {
	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("seal: iv must be %d bytes", IVSize)
	}
	return &Reader{
		r:     r,
		mode:  cipher.NewCBCDecrypter(block, iv),
		chunk: make([]byte, readChunk),
	}, nil
}

func (d *Reader) Read(p []byte) (int, error) {
	for len(d.out) == 0 {
		if d.err != nil {
			return 0, d.err
		}
		d.fill()
	}
	n := copy(p, d.out)
	d.out = d.out[n:]
	return n, nil
}

func (d *Reader) fill() {
	if d.eof {
		d.err = io.EOF
		return
	}

	n, err := d.r.Read(d.chunk)
	d.in = append(d.in, d.chunk[:n]...)
	switch {
	case err == io.EOF:
		d.eof = true
	case err != nil:
		d.err = err
		return
	}

	var ready int
	if d.eof {
		if len(d.in) == 0 || len(d.in)%BlockSize != 0 {
			d.err = fmt.Errorf("%w: ciphertext is not a whole number of blocks", ErrDecrypt)
			return
		}
		ready = len(d.in)
	} else if len(d.in) > 0 {
		ready = (len(d.in) - 1) / BlockSize * BlockSize
	}
	if ready == 0 {
		return
	}

	plain := make([]byte, ready)
	d.mode.CryptBlocks(plain, d.in[:ready])
	d.in = append(d.in[:0], d.in[ready:]...)

	if d.eof {
		plain, err = unpad(plain)
		if err != nil {
			d.err = err
			return
		}
	}
	d.out = plain
}

func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrDecrypt)
	}
	pad := int(b[len(b)-1])
	if pad == 0 || pad > BlockSize || pad > len(b) {
		return nil, fmt.Errorf("%w: bad padding", ErrDecrypt)
	}
	for _, c := range b[len(b)-pad:] {
		if int(c) != pad {
			return nil, fmt.Errorf("%w: bad padding", ErrDecrypt)
		}
	}
	return b[:len(b)-pad], nil
}
