package register

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// SetAddress validates s as a 20-byte hex-prefixed EVM-style address and
// binds it to name as a KindAddress value. It rejects malformed hex, the
// wrong byte length, and the zero address.
//
// No Ethereum SDK appears anywhere in the retrieval pack (see
// DESIGN.md's web3 section), so address validation is built directly
// on encoding/hex rather than borrowing an address type from a library
// that was never in scope.
func (r *Register) SetAddress(name, s string) error {
	addr, err := ParseAddress(s)
	if err != nil {
		return err
	}
	return r.Set(name, Value{Kind: KindAddress, Address: addr})
}

// ParseAddress normalizes and validates an address string, returning it
// lower-cased with the 0x prefix.
func ParseAddress(s string) (string, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return "", fmt.Errorf("register: address %q missing 0x prefix", s)
	}
	hexPart := s[2:]
	if len(hexPart) != 40 {
		return "", fmt.Errorf("register: address %q is not 20 bytes", s)
	}
	raw, err := hex.DecodeString(hexPart)
	if err != nil {
		return "", fmt.Errorf("register: address %q is not valid hex: %w", s, err)
	}
	allZero := true
	for _, b := range raw {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return "", fmt.Errorf("register: address %q is the zero address", s)
	}
	return "0x" + strings.ToLower(hexPart), nil
}

// GetAddress reads a KindAddress value.
func (r *Register) GetAddress(name string) (string, bool) {
	v, ok := r.Get(name)
	if !ok || v.Kind != KindAddress {
		return "", false
	}
	return v.Address, true
}

// SetRawInteger binds an arbitrary-precision unsigned decimal integer
// string to name.
func (r *Register) SetRawInteger(name, raw string) error {
	if _, ok := new(big.Int).SetString(raw, 10); !ok {
		return fmt.Errorf("register: %q is not a valid base-10 integer", raw)
	}
	return r.Set(name, Value{Kind: KindRawInteger, Raw: raw})
}

// ToRawAmount converts a human-readable decimal amount (e.g. "0.01") at
// the given token decimals into its exact integer raw-unit
// representation (e.g. decimals=18 → "10000000000000000"), using
// arbitrary-precision integer arithmetic so no floating-point rounding
// error can enter a transfer amount.
func ToRawAmount(human string, decimals int) (string, error) {
	neg := false
	s := human
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > decimals {
		return "", fmt.Errorf("register: %q has more than %d fractional digits", human, decimals)
	}
	if hasFrac {
		frac = frac + strings.Repeat("0", decimals-len(frac))
	} else {
		frac = strings.Repeat("0", decimals)
	}
	combined := whole + frac
	n, ok := new(big.Int).SetString(combined, 10)
	if !ok {
		return "", fmt.Errorf("register: %q is not a valid decimal amount", human)
	}
	if neg {
		n.Neg(n)
	}
	return n.String(), nil
}

// ToRawAmount binds the exact raw-unit conversion of a human amount to
// name, as the typed setter the spec names (§4.2).
func (r *Register) ToRawAmount(name, human string, decimals int) error {
	raw, err := ToRawAmount(human, decimals)
	if err != nil {
		return err
	}
	return r.SetRawInteger(name, raw)
}

// GetRawInteger reads a KindRawInteger value as a *big.Int.
func (r *Register) GetRawInteger(name string) (*big.Int, bool) {
	v, ok := r.Get(name)
	if !ok || v.Kind != KindRawInteger {
		return nil, false
	}
	n, ok := new(big.Int).SetString(v.Raw, 10)
	return n, ok
}

// SetTokenRef binds a resolved token reference to name.
func (r *Register) SetTokenRef(name string, t TokenRef) error {
	return r.Set(name, Value{Kind: KindTokenRef, Token: t})
}

// SetBytes binds raw bytes (e.g. calldata) to name.
func (r *Register) SetBytes(name string, b []byte) error {
	return r.Set(name, Value{Kind: KindBytes, Bytes: b})
}

// SetJSON binds a raw JSON payload to name.
func (r *Register) SetJSON(name string, j []byte) error {
	return r.Set(name, Value{Kind: KindJSON, JSON: j})
}

// SetDecoded binds a structured tuple (e.g. a decoded swap quote) to name.
func (r *Register) SetDecoded(name string, tuple map[string]any) error {
	return r.Set(name, Value{Kind: KindDecoded, Decoded: tuple})
}

// GetJSONPath reads one field out of a KindJSON value without decoding
// the whole payload, e.g. GetJSONPath("quote", "route.0.pool_address").
func (r *Register) GetJSONPath(name, path string) (gjson.Result, bool) {
	v, ok := r.Get(name)
	if !ok || v.Kind != KindJSON {
		return gjson.Result{}, false
	}
	res := gjson.GetBytes(v.JSON, path)
	return res, res.Exists()
}

// SetJSONPath sets one field inside an existing KindJSON value in place,
// or starts a fresh `{}` document if name isn't already bound.
func (r *Register) SetJSONPath(name, path string, value any) error {
	base := []byte("{}")
	if v, ok := r.Get(name); ok {
		if v.Kind != KindJSON {
			return fmt.Errorf("register: %q is not a JSON value", name)
		}
		base = v.JSON
	}
	updated, err := sjson.SetBytes(base, path, value)
	if err != nil {
		return fmt.Errorf("register: setting %s at %q: %w", name, path, err)
	}
	return r.Set(name, Value{Kind: KindJSON, JSON: updated})
}
