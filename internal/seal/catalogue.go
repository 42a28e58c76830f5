package seal

import (
	"errors"
	"fmt"
	"io"

	"github.com/openmined/sealbox/internal/catalog"
	"github.com/openmined/sealbox/internal/codec"
)

// WriteCatalogue seals kf under m. The blob is the derivation header
// followed by IV and ciphertext of the JSON catalogue.
func WriteCatalogue(w io.Writer, m *MasterKey, kf *catalog.KeyFile) error {
	if err := writeHeader(w, m); err != nil {
		return err
	}
	enc, err := NewWriter(w, m.key)
	if err != nil {
		return err
	}
	if err := codec.Encode(enc, kf); err != nil {
		return fmt.Errorf("encode catalogue: %w", err)
	}
	return enc.Close()
}

// ReadCatalogue opens a catalogue blob with password.
func ReadCatalogue(r io.Reader, password string) (*catalog.KeyFile, *MasterKey, error) {
	return readCatalogue(r, password, nil, nil)
}

// ReadLegacyCatalogue opens a catalogue blob written by older clients, which
// carry no IV prefix and were sealed with the fixed iv.
func ReadLegacyCatalogue(r io.Reader, password string, iv []byte) (*catalog.KeyFile, *MasterKey, error) {
	return readCatalogue(r, password, iv, nil)
}

// readCatalogue reuses cached when its parameters match the blob header.
func readCatalogue(r io.Reader, password string, legacyIV []byte, cached *MasterKey) (*catalog.KeyFile, *MasterKey, error) {
	salt, iterations, err := readHeader(r)
	if err != nil {
		return nil, nil, err
	}

	m := cached
	if m == nil || !m.sameParams(salt, iterations) {
		if m, err = DeriveMasterKey(password, salt, iterations); err != nil {
			return nil, nil, err
		}
	}

	var dec *Reader
	if legacyIV != nil {
		dec, err = NewReaderIV(r, m.key, legacyIV)
	} else {
		dec, err = NewReader(r, m.key)
	}
	if err != nil {
		return nil, nil, err
	}

	src := &errReader{r: dec}
	kf := catalog.New()
	if err := codec.Decode(src, kf); err != nil {
		switch {
		case src.err != nil:
			return nil, nil, src.err
		case errors.Is(err, catalog.ErrInvalidEntry):
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	// drain so the padding of the final block is checked
	if _, err := io.Copy(io.Discard, dec); err != nil {
		return nil, nil, err
	}
	return kf, m, nil
}

// errReader remembers the first read failure so decode errors caused by the
// source can be told apart from malformed plaintext.
type errReader struct {
	r   io.Reader
	err error
}

func (e *errReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err != nil && err != io.EOF && e.err == nil {
		e.err = err
	}
	return n, err
}
