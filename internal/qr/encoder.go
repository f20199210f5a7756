package qr

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/shopspring/decimal"

	"fiscalpos/backend/internal/domain"
	"fiscalpos/backend/internal/jurisdiction"
)

const timestampLayout = "2006-01-02T15:04:05Z"

type Signer interface {
	Sign(message []byte) ([]byte, error)
	PublicKey() []byte
}

type Ed25519Signer struct {
	key ed25519.PrivateKey
}

// NewEd25519Signer derives the signing key from a hex encoded 32-byte seed.
func NewEd25519Signer(seedHex string) (*Ed25519Signer, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("signing seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &Ed25519Signer{key: ed25519.NewKeyFromSeed(seed)}, nil
}

func (s *Ed25519Signer) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(s.key, message), nil
}

func (s *Ed25519Signer) PublicKey() []byte {
	return s.key.Public().(ed25519.PublicKey)
}

type Encoder struct {
	profiles *jurisdiction.Registry
	signer   Signer
}

// NewEncoder builds an encoder. signer may be nil, in which case chain-proof
// payloads carry the hash tag only.
func NewEncoder(profiles *jurisdiction.Registry, signer Signer) *Encoder {
	if profiles == nil {
		profiles = jurisdiction.NewDefaultRegistry()
	}
	return &Encoder{profiles: profiles, signer: signer}
}

// Fields lists the TLV fields for inv in tag order.
func (e *Encoder) Fields(inv domain.Invoice) ([]Field, error) {
	profile, err := e.profiles.Lookup(inv.Jurisdiction)
	if err != nil {
		return nil, err
	}
	fields := []Field{
		{Tag: TagSellerName, Value: inv.Seller.Name},
		{Tag: TagTaxID, Value: inv.Seller.TaxID},
		{Tag: TagTimestamp, Value: inv.IssuedAt.UTC().Format(timestampLayout)},
		{Tag: TagTotal, Value: formatMinor(inv.Totals.Total, profile.MinorUnits)},
		{Tag: TagTaxAmount, Value: formatMinor(inv.Totals.TaxAmount, profile.MinorUnits)},
	}
	if !profile.ChainProof {
		return fields, nil
	}

	fields = append(fields, Field{Tag: TagHash, Value: inv.ChainHash})
	if e.signer != nil {
		digest, err := hex.DecodeString(inv.ChainHash)
		if err != nil {
			return nil, fmt.Errorf("chain hash is not hex: %w", err)
		}
		sig, err := e.signer.Sign(digest)
		if err != nil {
			return nil, fmt.Errorf("sign chain hash: %w", err)
		}
		fields = append(fields,
			Field{Tag: TagSignature, Value: base64.StdEncoding.EncodeToString(sig)},
			Field{Tag: TagPublicKey, Value: base64.StdEncoding.EncodeToString(e.signer.PublicKey())},
		)
	}
	return fields, nil
}

// Encode returns the base64 TLV payload for inv. Equal invoices always
// produce equal payloads.
func (e *Encoder) Encode(inv domain.Invoice) (string, error) {
	fields, err := e.Fields(inv)
	if err != nil {
		return "", err
	}
	raw, err := EncodeTLV(fields)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// ValidateSeller checks the seller fields fit in a TLV value.
func ValidateSeller(s domain.Seller) error {
	_, err := EncodeTLV([]Field{{Tag: TagSellerName, Value: s.Name}, {Tag: TagTaxID, Value: s.TaxID}})
	return err
}

func formatMinor(amount int64, places int32) string {
	return decimal.New(amount, -places).StringFixed(places)
}
