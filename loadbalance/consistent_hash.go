package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"
)

// ConsistentHashBalancer maps a peer identity to an endpoint using a hash ring,
// so a reconnecting peer lands on the server that still holds its grace-period
// state, as long as the endpoint list is unchanged.
//
// Each endpoint is placed on the ring as many virtual nodes to keep the
// distribution even with few endpoints.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu        sync.Mutex
	signature string         // Endpoint URLs the ring was built from
	ring      []uint32       // Sorted hash values on the ring
	nodes     map[uint32]int // Hash value → endpoint index
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per endpoint.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{replicas: 100}
}

// Pick finds the endpoint responsible for key. The ring is rebuilt whenever
// the endpoint list differs from the previous call.
func (b *ConsistentHashBalancer) Pick(key string, endpoints []Endpoint) (*Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if sig := signatureOf(endpoints); sig != b.signature {
		b.build(endpoints)
		b.signature = sig
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return &endpoints[b.nodes[b.ring[idx]]], nil
}

func (b *ConsistentHashBalancer) build(endpoints []Endpoint) {
	replicas := b.replicas
	if replicas <= 0 {
		replicas = 100
	}
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]int, len(endpoints)*replicas)
	for i, ep := range endpoints {
		for r := 0; r < replicas; r++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", ep.URL, r)))
			if _, taken := b.nodes[hash]; taken {
				continue
			}
			b.ring = append(b.ring, hash)
			b.nodes[hash] = i
		}
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

func signatureOf(endpoints []Endpoint) string {
	urls := make([]string, len(endpoints))
	for i, ep := range endpoints {
		urls[i] = ep.URL
	}
	return strings.Join(urls, "\x00")
}
