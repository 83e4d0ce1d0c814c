package tickets

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/mr-tron/base58"

	"github.com/emberworks/geomint/geomint/codec"
)

var ErrBadTransportForm = errors.New("tickets: malformed ticket")

// SignedTicket is the structured wire form of an issued ticket: numeric
// strings for the 64-bit fields so JavaScript clients keep precision, floats
// for coordinates, base58 for the signature.
type SignedTicket struct {
	ClaimID      string  `json:"claim_id"`
	KeyID        string  `json:"key_id"`
	RewardID     string  `json:"reward_id"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	IssuedAt     string  `json:"issued_at"`
	TTLSeconds   uint32  `json:"ttl_seconds"`
	LocationHint string  `json:"location_hint,omitempty"`
	Signature    string  `json:"signature"`
}

// TransportForm converts a signed ticket to its wire shape.
func TransportForm(t *codec.Ticket) *SignedTicket {
	return &SignedTicket{
		ClaimID:      strconv.FormatUint(t.ClaimID, 10),
		KeyID:        t.KeyID,
		RewardID:     t.RewardID,
		Latitude:     t.Latitude,
		Longitude:    t.Longitude,
		IssuedAt:     strconv.FormatInt(t.IssuedAt, 10),
		TTLSeconds:   t.TTLSeconds,
		LocationHint: t.LocationHint,
		Signature:    base58.Encode(t.Signature),
	}
}

// Ticket converts the wire shape back for verification.
func (s *SignedTicket) Ticket() (*codec.Ticket, error) {
	claimID, err := strconv.ParseUint(s.ClaimID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: claim_id %q", ErrBadTransportForm, s.ClaimID)
	}
	issuedAt, err := strconv.ParseInt(s.IssuedAt, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: issued_at %q", ErrBadTransportForm, s.IssuedAt)
	}
	sig, err := ParseSignature(s.Signature)
	if err != nil {
		return nil, err
	}
	return &codec.Ticket{
		ClaimID:      claimID,
		KeyID:        s.KeyID,
		RewardID:     s.RewardID,
		Latitude:     s.Latitude,
		Longitude:    s.Longitude,
		IssuedAt:     issuedAt,
		TTLSeconds:   s.TTLSeconds,
		LocationHint: s.LocationHint,
		Signature:    sig,
	}, nil
}

// ParseSignature normalizes the accepted signature shapes: base58 string,
// base64 string, JSON numeric array, or raw 64 bytes.
func ParseSignature(v any) ([]byte, error) {
	switch sig := v.(type) {
	case []byte:
		if len(sig) == codec.SignatureSize {
			return sig, nil
		}
		return nil, fmt.Errorf("%w: signature is %d bytes", ErrBadTransportForm, len(sig))
	case string:
		if raw, err := base58.Decode(sig); err == nil && len(raw) == codec.SignatureSize {
			return raw, nil
		}
		if raw, err := base64.StdEncoding.DecodeString(sig); err == nil && len(raw) == codec.SignatureSize {
			return raw, nil
		}
		return nil, fmt.Errorf("%w: signature string is not base58 or base64", ErrBadTransportForm)
	case []any:
		raw := make([]byte, len(sig))
		for i, n := range sig {
			f, ok := n.(float64) // JSON numbers decode as float64
			if !ok || f < 0 || f > 255 || f != float64(int(f)) {
				return nil, fmt.Errorf("%w: signature array element %d", ErrBadTransportForm, i)
			}
			raw[i] = byte(f)
		}
		if len(raw) != codec.SignatureSize {
			return nil, fmt.Errorf("%w: signature array is %d bytes", ErrBadTransportForm, len(raw))
		}
		return raw, nil
	case json.RawMessage:
		var arr []any
		if err := json.Unmarshal(sig, &arr); err == nil {
			return ParseSignature(arr)
		}
		var str string
		if err := json.Unmarshal(sig, &str); err == nil {
			return ParseSignature(str)
		}
		return nil, fmt.Errorf("%w: unsupported signature encoding", ErrBadTransportForm)
	default:
		return nil, fmt.Errorf("%w: unsupported signature type %T", ErrBadTransportForm, v)
	}
}
