package memory

import (
	"math"
	"sync"

	"github.com/coder/hnsw"
)

// vectorIndex is an in-process ANN index over record embeddings, keyed by
// record id. It only produces candidates; the store re-ranks them with exact
// cosine similarity, so approximation errors cost recall, never ordering.
type vectorIndex struct {
	mu    sync.Mutex
	graph *hnsw.Graph[string]
	size  int
}

func newVectorIndex() *vectorIndex {
	return &vectorIndex{graph: hnsw.NewGraph[string]()}
}

func (x *vectorIndex) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.size
}

// Upsert indexes the embedding under id, replacing any previous vector.
func (x *vectorIndex) Upsert(id string, vec []float32) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.graph.Delete(id) {
		x.size--
	}
	x.graph.Add(hnsw.MakeNode(id, vec))
	x.size++
}

func (x *vectorIndex) Delete(id string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.graph.Delete(id) {
		x.size--
	}
}

// Search returns up to k candidate record ids nearest to the query vector.
func (x *vectorIndex) Search(query []float32, k int) []string {
	if k <= 0 {
		return nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.size == 0 {
		return nil
	}
	neighbors := x.graph.Search(query, k)
	ids := make([]string, 0, len(neighbors))
	for _, n := range neighbors {
		ids = append(ids, n.Key)
	}
	return ids
}

// cosineSimilarity computes exact cosine similarity between two vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
