package remote

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Codec is the inbound "remote blob codec" interface of spec.md §6: the
// core is codec-agnostic about compression/encryption, it only needs
// encode/decode.
type Codec interface {
	Encode(b Blob) ([]byte, error)
	Decode(data []byte) (Blob, error)
}

// YAMLCodec is the default Codec, grounded on this module's existing
// yaml.v3 dependency (already used for the local configuration file);
// it applies no compression or encryption of its own.
type YAMLCodec struct{}

// NewYAMLCodec constructs the default codec.
func NewYAMLCodec() YAMLCodec { return YAMLCodec{} }

func (YAMLCodec) Encode(b Blob) ([]byte, error) {
	finalized := WithChecksum(b)
	out, err := yaml.Marshal(finalized)
	if err != nil {
		return nil, fmt.Errorf("remote: encode blob: %w", err)
	}
	return out, nil
}

func (YAMLCodec) Decode(data []byte) (Blob, error) {
	var b Blob
	if err := yaml.Unmarshal(data, &b); err != nil {
		return Blob{}, fmt.Errorf("remote: decode blob: %w", err)
	}
	return b, nil
}

// marshalForChecksum is the canonical byte form blob.go hashes. Reusing
// yaml.Marshal keeps the checksum computation in lock-step with the
// wire encoding instead of diverging into a second serialization.
func marshalForChecksum(b Blob) ([]byte, error) {
	return yaml.Marshal(b)
}
