// Package codec implements the canonical binary encoding of claim tickets.
// Signing and verification both depend on byte-exact reconstruction, so the
// layout is fixed: little-endian integers, IEEE-754 doubles, explicit length
// prefixes for strings. Encode is a pure function.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// SignatureSize is the fixed trailing signature block of a persisted ticket.
	SignatureSize = 64

	maxShortString = math.MaxUint16
	maxFreeText    = 1 << 20 // locationHint cap, well under the uint32 prefix
)

var (
	ErrMissingField   = errors.New("codec: missing required field")
	ErrOutOfRange     = errors.New("codec: field out of range")
	ErrNotFinite      = errors.New("codec: non-finite coordinate")
	ErrTruncated      = errors.New("codec: truncated input")
	ErrTrailingBytes  = errors.New("codec: trailing bytes after ticket")
	ErrBadSignatureSz = errors.New("codec: signature must be 64 bytes")
)

// Ticket is the claim ticket as signed and persisted. Signature is excluded
// from the signing message and appended as a fixed 64-byte block when the
// full record is encoded.
type Ticket struct {
	ClaimID      uint64
	KeyID        string
	RewardID     string
	Latitude     float64
	Longitude    float64
	IssuedAt     int64 // unix seconds
	TTLSeconds   uint32
	LocationHint string
	Signature    []byte
}

// Validate rejects structurally bad tickets before any bytes are produced.
func (t *Ticket) Validate() error {
	if t.ClaimID == 0 {
		return fmt.Errorf("%w: claim_id", ErrMissingField)
	}
	if t.KeyID == "" {
		return fmt.Errorf("%w: key_id", ErrMissingField)
	}
	if t.RewardID == "" {
		return fmt.Errorf("%w: reward_id", ErrMissingField)
	}
	if t.IssuedAt <= 0 {
		return fmt.Errorf("%w: issued_at", ErrMissingField)
	}
	if t.TTLSeconds == 0 {
		return fmt.Errorf("%w: ttl_seconds", ErrMissingField)
	}
	if math.IsNaN(t.Latitude) || math.IsInf(t.Latitude, 0) ||
		math.IsNaN(t.Longitude) || math.IsInf(t.Longitude, 0) {
		return ErrNotFinite
	}
	if t.Latitude < -90 || t.Latitude > 90 {
		return fmt.Errorf("%w: latitude %v", ErrOutOfRange, t.Latitude)
	}
	if t.Longitude < -180 || t.Longitude > 180 {
		return fmt.Errorf("%w: longitude %v", ErrOutOfRange, t.Longitude)
	}
	if len(t.KeyID) > maxShortString || len(t.RewardID) > maxShortString {
		return fmt.Errorf("%w: identifier too long", ErrOutOfRange)
	}
	if len(t.LocationHint) > maxFreeText {
		return fmt.Errorf("%w: location_hint too long", ErrOutOfRange)
	}
	return nil
}

// SigningBytes returns the canonical message the signature covers: every
// field except the signature itself, in fixed order.
func SigningBytes(t *Ticket) ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	size := 8 + // claim_id
		2 + len(t.KeyID) +
		2 + len(t.RewardID) +
		8 + 8 + // lat, lng
		8 + // issued_at
		4 + // ttl
		4 + len(t.LocationHint)

	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint64(buf, t.ClaimID)
	buf = appendShortString(buf, t.KeyID)
	buf = appendShortString(buf, t.RewardID)
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(t.Latitude))
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(t.Longitude))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(t.IssuedAt))
	buf = binary.LittleEndian.AppendUint32(buf, t.TTLSeconds)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(t.LocationHint)))
	buf = append(buf, t.LocationHint...)
	return buf, nil
}

// Encode produces the persisted record: the signing message followed by the
// fixed 64-byte signature block.
func Encode(t *Ticket) ([]byte, error) {
	if len(t.Signature) != SignatureSize {
		return nil, ErrBadSignatureSz
	}
	msg, err := SigningBytes(t)
	if err != nil {
		return nil, err
	}
	return append(msg, t.Signature...), nil
}

// Decode reconstructs a ticket from a persisted record produced by Encode.
func Decode(data []byte) (*Ticket, error) {
	r := reader{buf: data}

	var t Ticket
	var err error
	if t.ClaimID, err = r.uint64(); err != nil {
		return nil, err
	}
	if t.KeyID, err = r.shortString(); err != nil {
		return nil, err
	}
	if t.RewardID, err = r.shortString(); err != nil {
		return nil, err
	}
	var bits uint64
	if bits, err = r.uint64(); err != nil {
		return nil, err
	}
	t.Latitude = math.Float64frombits(bits)
	if bits, err = r.uint64(); err != nil {
		return nil, err
	}
	t.Longitude = math.Float64frombits(bits)
	if bits, err = r.uint64(); err != nil {
		return nil, err
	}
	t.IssuedAt = int64(bits)
	if t.TTLSeconds, err = r.uint32(); err != nil {
		return nil, err
	}
	if t.LocationHint, err = r.longString(); err != nil {
		return nil, err
	}
	if t.Signature, err = r.take(SignatureSize); err != nil {
		return nil, err
	}
	if r.remaining() != 0 {
		return nil, ErrTrailingBytes
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

func appendShortString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) take(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, ErrTruncated
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return append([]byte(nil), b...), nil
}

func (r *reader) uint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *reader) uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) shortString() (string, error) {
	b, err := r.take(2)
	if err != nil {
		return "", err
	}
	s, err := r.take(int(binary.LittleEndian.Uint16(b)))
	if err != nil {
		return "", err
	}
	return string(s), nil
}

func (r *reader) longString() (string, error) {
	b, err := r.take(4)
	if err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint32(b)
	if n > maxFreeText {
		return "", fmt.Errorf("%w: string length %d", ErrOutOfRange, n)
	}
	s, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(s), nil
}
