package helper

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"math/rand"
	"time"

	"github.com/DanglingPointer/mstun/pkg/stun/types"
)

// NewSeededRand creates a PRNG seeded from system entropy. Transaction
// ids need uniformity for collision avoidance, not unpredictability, so
// a seeded PRNG is sufficient.
func NewSeededRand() *rand.Rand {
	var seed [8]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		return rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return rand.New(rand.NewSource(int64(binary.LittleEndian.Uint64(seed[:]))))
}

// GenerateTransactionID draws a uniform 96-bit transaction id.
func GenerateTransactionID(rng *rand.Rand) types.TransactionID {
	var tid types.TransactionID
	rng.Read(tid[:])
	return tid
}
