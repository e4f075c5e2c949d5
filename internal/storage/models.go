package storage

// ZMember is one entry of a sorted set.
type ZMember struct {
	Member string
	Score  float64
}
