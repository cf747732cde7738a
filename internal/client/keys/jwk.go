package keys

import (
	"crypto/ecdh"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/atinyakov/hammerchat/internal/apperr"
)

const coordSize = 32

type ecJWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// PublicJWK encodes a P-256 public key as a JSON Web Key.
func PublicJWK(pub *ecdh.PublicKey) (string, error) {
	if pub == nil || pub.Curve() != ecdh.P256() {
		return "", apperr.New(apperr.Encryption, "public key must be P-256")
	}
	raw := pub.Bytes() // 0x04 || X || Y
	if len(raw) != 1+2*coordSize || raw[0] != 4 {
		return "", apperr.New(apperr.Encryption, "unexpected public key encoding")
	}
	b, err := json.Marshal(ecJWK{
		Kty: "EC",
		Crv: "P-256",
		X:   base64.RawURLEncoding.EncodeToString(raw[1 : 1+coordSize]),
		Y:   base64.RawURLEncoding.EncodeToString(raw[1+coordSize:]),
	})
	if err != nil {
		return "", apperr.Wrap(apperr.Encryption, "encode JWK", err)
	}
	return string(b), nil
}

// ParsePublicJWK decodes a P-256 JSON Web Key and checks the point is on the curve.
func ParsePublicJWK(s string) (*ecdh.PublicKey, error) {
	var j ecJWK
	if err := json.Unmarshal([]byte(s), &j); err != nil {
		return nil, apperr.Wrap(apperr.Encryption, "malformed JWK", err)
	}
	if j.Kty != "EC" || j.Crv != "P-256" {
		return nil, apperr.New(apperr.Encryption, fmt.Sprintf("unsupported JWK %s/%s", j.Kty, j.Crv))
	}
	x, err := decodeCoord(j.X)
	if err != nil {
		return nil, apperr.Wrap(apperr.Encryption, "malformed JWK x", err)
	}
	y, err := decodeCoord(j.Y)
	if err != nil {
		return nil, apperr.Wrap(apperr.Encryption, "malformed JWK y", err)
	}
	raw := make([]byte, 0, 1+2*coordSize)
	raw = append(raw, 4)
	raw = append(raw, x...)
	raw = append(raw, y...)
	pub, err := ecdh.P256().NewPublicKey(raw)
	if err != nil {
		return nil, apperr.Wrap(apperr.Encryption, "invalid P-256 point", err)
	}
	return pub, nil
}

func decodeCoord(s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != coordSize {
		return nil, fmt.Errorf("coordinate must be %d bytes, got %d", coordSize, len(b))
	}
	return b, nil
}
