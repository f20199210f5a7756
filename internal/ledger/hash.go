package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

const (
	HashSHA256     = "sha256"
	HashSHA3_256   = "sha3-256"
	HashBLAKE2b256 = "blake2b-256"
)

// GenesisHash is the previous hash of the first invoice on every device.
var GenesisHash = strings.Repeat("0", 64)

// Hasher computes chain hashes as H(previousHash || body), hex encoded.
type Hasher struct {
	name    string
	factory func() hash.Hash
}

func NewHasher(name string) (Hasher, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", HashSHA256:
		return Hasher{name: HashSHA256, factory: sha256.New}, nil
	case HashSHA3_256:
		return Hasher{name: HashSHA3_256, factory: sha3.New256}, nil
	case HashBLAKE2b256:
		return Hasher{name: HashBLAKE2b256, factory: func() hash.Hash {
			h, _ := blake2b.New256(nil)
			return h
		}}, nil
	default:
		return Hasher{}, fmt.Errorf("unsupported chain hash algorithm %q", name)
	}
}

func (h Hasher) Name() string {
	return h.name
}

func (h Hasher) Sum(previousHash string, body []byte) string {
	d := h.factory()
	d.Write([]byte(previousHash))
	d.Write(body)
	return hex.EncodeToString(d.Sum(nil))
}
