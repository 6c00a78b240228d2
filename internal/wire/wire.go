package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"carecrypt/internal/domain"
)

// MaxFrameSize bounds a decoded frame.
const MaxFrameSize = 64 << 20

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1 << 16,
		MaxMapPairs:      1 << 16,
		MaxNestedLevels:  16,
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// MarshalFrame encodes f as CBOR.
func MarshalFrame(f domain.Frame) ([]byte, error) {
	if err := checkFrame(f); err != nil {
		return nil, err
	}
	return encMode.Marshal(f)
}

// UnmarshalFrame decodes a CBOR frame and checks that its payload matches its kind.
func UnmarshalFrame(b []byte) (domain.Frame, error) {
	var f domain.Frame
	if len(b) > MaxFrameSize {
		return f, fmt.Errorf("%w: frame too large", domain.ErrMalformedEnvelope)
	}
	if err := decMode.Unmarshal(b, &f); err != nil {
		return f, fmt.Errorf("%w: %v", domain.ErrMalformedEnvelope, err)
	}
	if err := checkFrame(f); err != nil {
		return f, err
	}
	return f, nil
}

// MarshalFrames encodes a batch as a CBOR array of encoded frames.
func MarshalFrames(fs []domain.Frame) ([]byte, error) {
	raws := make([]cbor.RawMessage, 0, len(fs))
	for _, f := range fs {
		b, err := MarshalFrame(f)
		if err != nil {
			return nil, err
		}
		raws = append(raws, b)
	}
	return encMode.Marshal(raws)
}

// UnmarshalFrames reverses MarshalFrames.
func UnmarshalFrames(b []byte) ([]domain.Frame, error) {
	var raws []cbor.RawMessage
	if err := decMode.Unmarshal(b, &raws); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedEnvelope, err)
	}
	out := make([]domain.Frame, 0, len(raws))
	for _, raw := range raws {
		f, err := UnmarshalFrame(raw)
		if err != nil {
			return out, err
		}
		out = append(out, f)
	}
	return out, nil
}

// EnvelopeFrame wraps an envelope.
func EnvelopeFrame(env domain.Envelope) domain.Frame {
	return domain.Frame{Kind: domain.FrameEnvelope, Envelope: &env}
}

// HandshakeFrame wraps a handshake message.
func HandshakeFrame(msg domain.HandshakeMessage) domain.Frame {
	return domain.Frame{Kind: domain.FrameHandshake, Handshake: &msg}
}

func checkFrame(f domain.Frame) error {
	switch f.Kind {
	case domain.FrameEnvelope:
		if f.Envelope == nil {
			return fmt.Errorf("%w: envelope frame without envelope", domain.ErrMalformedEnvelope)
		}
	case domain.FrameHandshake:
		if f.Handshake == nil {
			return fmt.Errorf("%w: handshake frame without handshake", domain.ErrMalformedEnvelope)
		}
	default:
		return fmt.Errorf("%w: unknown frame kind %d", domain.ErrMalformedEnvelope, f.Kind)
	}
	return nil
}

// MarshalEnvelopeJSON returns the JSON form of env.
func MarshalEnvelopeJSON(env domain.Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// EnvelopeMap returns the JSON form of env as a generic map.
func EnvelopeMap(env domain.Envelope) (map[string]any, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return DecodeMap(b)
}

// DecodeMap parses a JSON object into a generic map.
func DecodeMap(b []byte) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.New("not a JSON object")
	}
	return m, nil
}
