package runtime

import (
	"encoding/json"
	"fmt"

	errspkg "github.com/drblury/backplane/internal/runtime/errors"
	"github.com/drblury/backplane/internal/runtime/jsoncodec"
)

// Args is the ordered argument list of one event. Each element holds the
// JSON encoding of one published value.
type Args []json.RawMessage

// EncodeArgs encodes values in order.
func EncodeArgs(values ...any) (Args, error) {
	args := make(Args, 0, len(values))
	for i, v := range values {
		raw, err := jsoncodec.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode argument %d: %w", i, err)
		}
		args = append(args, raw)
	}
	return args, nil
}

// DecodeArgs splits an event payload back into its arguments.
func DecodeArgs(payload []byte) (Args, error) {
	var args Args
	if err := jsoncodec.Unmarshal(payload, &args); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	return args, nil
}

// Encode returns the payload blob stored in the event log: a JSON array.
func (a Args) Encode() ([]byte, error) {
	if a == nil {
		a = Args{}
	}
	return jsoncodec.Marshal([]json.RawMessage(a))
}

// Len returns the number of arguments.
func (a Args) Len() int {
	return len(a)
}

// Decode unmarshals argument i into dst.
func (a Args) Decode(i int, dst any) error {
	if i < 0 || i >= len(a) {
		return fmt.Errorf("%w: %d of %d", errspkg.ErrArgIndex, i, len(a))
	}
	if err := jsoncodec.Unmarshal(a[i], dst); err != nil {
		return fmt.Errorf("decode argument %d: %w", i, err)
	}
	return nil
}

// Scan decodes the leading arguments into dst in order; a nil target skips
// its position. Passing more targets than there are arguments fails with
// ErrArgIndex.
func (a Args) Scan(dst ...any) error {
	if len(dst) > len(a) {
		return fmt.Errorf("%w: want %d, have %d", errspkg.ErrArgIndex, len(dst), len(a))
	}
	for i, d := range dst {
		if d == nil {
			continue
		}
		if err := a.Decode(i, d); err != nil {
			return err
		}
	}
	return nil
}

// Strings renders every argument as its raw JSON text.
func (a Args) Strings() []string {
	out := make([]string, len(a))
	for i, raw := range a {
		out[i] = string(raw)
	}
	return out
}
