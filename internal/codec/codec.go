// Package codec selects the JSON implementation used for the catalogue and the
// wire protocol. goccy/go-json is the default; build with -tags sonic to use
// bytedance/sonic instead.
package codec

// Name reports which JSON implementation was compiled in.
func Name() string {
	return implName
}
