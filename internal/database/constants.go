package database

// HNSW index parameters for 512-dim face embeddings
const (
	// HNSWMaxNeighbors (M) is the maximum number of neighbors per node.
	// Higher values improve recall but increase memory and build time.
	HNSWMaxNeighbors = 16

	// HNSWEfSearch is the search candidate pool size.
	HNSWEfSearch = 100

	// HNSWSearchMultiplier is the factor to request more candidates from HNSW
	// to make up for deleted identities still present in the graph.
	HNSWSearchMultiplier = 3

	// DefaultNearestLimit is used when a caller asks for a non-positive limit.
	DefaultNearestLimit = 5
)
