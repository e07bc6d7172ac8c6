package aggregator

import (
	"encoding/binary"

	"github.com/zeebo/xxh3"
)

// Router assigns keys to partitions with a deterministic, stable hash.
// Every record sharing a key lands on the same partition for the lifetime
// of the topology, which is what lets each worker own its keys' state
// without locking.
type Router struct {
	partitions uint64
}

// NewRouter creates a new Router over the given number of partitions.
func NewRouter(partitions int) *Router {
	return &Router{partitions: uint64(partitions)}
}

// Route returns the partition responsible for key.
func (r *Router) Route(key int) int {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(int64(key)))

	return int(xxh3.Hash(buf[:]) % r.partitions)
}

// Partitions returns the number of partitions the Router spreads keys over.
func (r *Router) Partitions() int {
	return int(r.partitions)
}
