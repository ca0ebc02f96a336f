package ycrdt

import (
	"github.com/cespare/xxhash"
	"github.com/google/uuid"
)

// generateClientID derives a 32 bit replica id from a random uuid.
func generateClientID() uint64 {
	u := uuid.New()
	return uint64(uint32(xxhash.Sum64(u[:])))
}

func generateGUID() string {
	return uuid.NewString()
}
