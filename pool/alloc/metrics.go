package alloc

// SubpageMetrics describes one subpage currently linked in a pool list.
type SubpageMetrics struct {
	MaxNumElements int `json:"maxNumElements"`
	NumAvailable   int `json:"numAvailable"`
	ElementSize    int `json:"elementSize"`
	PageSize       int `json:"pageSize"`
}

// ChunkMetrics describes one pooled chunk.
type ChunkMetrics struct {
	Usage     int `json:"usage"`
	ChunkSize int `json:"chunkSize"`
	FreeBytes int `json:"freeBytes"`
}

// ChunkListMetrics describes one usage list. Bounds are clamped to [0, 100].
type ChunkListMetrics struct {
	MinUsage int            `json:"minUsage"`
	MaxUsage int            `json:"maxUsage"`
	Chunks   []ChunkMetrics `json:"chunks,omitempty"`
}

// ArenaMetrics is a point-in-time snapshot of an arena.
type ArenaMetrics struct {
	Direct          bool `json:"direct"`
	NumThreadCaches int  `json:"numThreadCaches"`

	NumAllocations       int64 `json:"numAllocations"`
	NumTinyAllocations   int64 `json:"numTinyAllocations"`
	NumSmallAllocations  int64 `json:"numSmallAllocations"`
	NumNormalAllocations int64 `json:"numNormalAllocations"`
	NumHugeAllocations   int64 `json:"numHugeAllocations"`

	NumDeallocations       int64 `json:"numDeallocations"`
	NumTinyDeallocations   int64 `json:"numTinyDeallocations"`
	NumSmallDeallocations  int64 `json:"numSmallDeallocations"`
	NumNormalDeallocations int64 `json:"numNormalDeallocations"`
	NumHugeDeallocations   int64 `json:"numHugeDeallocations"`

	NumActiveAllocations int64 `json:"numActiveAllocations"`
	NumActiveBytes       int64 `json:"numActiveBytes"`

	ChunkLists    []ChunkListMetrics `json:"chunkLists"`
	TinySubpages  []SubpageMetrics   `json:"tinySubpages,omitempty"`
	SmallSubpages []SubpageMetrics   `json:"smallSubpages,omitempty"`
}

// NumChunks counts pooled chunks across all lists.
func (m ArenaMetrics) NumChunks() int {
	n := 0
	for _, l := range m.ChunkLists {
		n += len(l.Chunks)
	}
	return n
}
