//go:build sonic

package codec

import (
	"io"

	"github.com/bytedance/sonic"
)

const implName = "bytedance/sonic"

var (
	Marshal       = sonic.Marshal
	MarshalIndent = sonic.ConfigDefault.MarshalIndent
	Unmarshal     = sonic.Unmarshal
)

func Encode(w io.Writer, v any) error {
	return sonic.ConfigDefault.NewEncoder(w).Encode(v)
}

func Decode(r io.Reader, v any) error {
	return sonic.ConfigDefault.NewDecoder(r).Decode(v)
}
