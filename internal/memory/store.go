package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/keepsake/internal/embed"
)

const (
	// Writers to distinct subjects proceed in parallel; a stripe only
	// serializes the find-duplicate-then-write window for one subject.
	writeStripes = 32

	// Below this many records retrieval scans exactly instead of asking
	// the ANN index; realistic per-user sets rarely cross it.
	exactScanFloor = 64

	// Similarity delta below which two rankings count as tied and the more
	// recently updated record wins.
	similarityTieEpsilon = 1e-9
)

// Options configures a Store.
type Options struct {
	Embedder embed.Embedder
	Backend  Backend
	// DedupThreshold is the cosine similarity above which same-subject
	// content counts as the same fact.
	DedupThreshold float64
	// ReinforceStep moves confidence toward 1.0 on every duplicate
	// observation: conf' = base + step*(1-base) with base = max(old, new).
	ReinforceStep float64
}

// Store owns every persisted memory record: dedup policy, similarity-ranked
// retrieval and durability. Readers see consistent snapshots; a record's
// content and embedding always change together.
type Store struct {
	embedder       embed.Embedder
	backend        Backend
	dedupThreshold float64
	reinforceStep  float64

	mu      sync.RWMutex
	records map[string]*Record
	index   *vectorIndex

	stripes [writeStripes]sync.Mutex
}

// Open loads the backend's records into the working set and builds the index.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Embedder == nil {
		return nil, fmt.Errorf("memory store requires an embedder")
	}
	if opts.Backend == nil {
		opts.Backend = nullBackend{}
	}
	if opts.DedupThreshold <= 0 {
		opts.DedupThreshold = 0.92
	}
	if opts.ReinforceStep <= 0 {
		opts.ReinforceStep = 0.15
	}

	s := &Store{
		embedder:       opts.Embedder,
		backend:        opts.Backend,
		dedupThreshold: opts.DedupThreshold,
		reinforceStep:  opts.ReinforceStep,
		records:        make(map[string]*Record),
		index:          newVectorIndex(),
	}

	loaded, err := opts.Backend.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	for i := range loaded {
		r := loaded[i]
		s.records[r.ID] = &r
		s.index.Upsert(r.ID, r.Embedding)
	}
	return s, nil
}

// Upsert inserts the candidate or merges it into a semantically equivalent
// same-subject record. The existing id survives a merge; content is replaced
// by the higher-confidence version (ties keep the newer) and confidence is
// reinforced toward 1.0, never decreased.
func (s *Store) Upsert(ctx context.Context, cand Candidate) (Record, error) {
	if err := cand.validate(); err != nil {
		return Record{}, err
	}
	cand.Subject = strings.TrimSpace(cand.Subject)
	cand.Content = strings.TrimSpace(cand.Content)
	cand.Confidence = clampConfidence(cand.Confidence)
	cand.Category = ParseCategory(string(cand.Category))

	vec, err := s.embedder.Embed(ctx, cand.Content)
	if err != nil {
		return Record{}, fmt.Errorf("embed candidate: %w", err)
	}

	stripe := &s.stripes[stripeFor(cand.Subject)]
	stripe.Lock()
	defer stripe.Unlock()

	existing, sim := s.nearestSameSubject(cand.Subject, vec)
	now := time.Now().UTC()

	if existing != nil && sim >= s.dedupThreshold {
		merged := *existing
		switch {
		case cand.Confidence > existing.Confidence:
			merged.Content = cand.Content
			merged.Embedding = vec
		case cand.Confidence == existing.Confidence:
			// Tie keeps the newer observation.
			merged.Content = cand.Content
			merged.Embedding = vec
		}
		base := existing.Confidence
		if cand.Confidence > base {
			base = cand.Confidence
		}
		merged.Confidence = base + s.reinforceStep*(1-base)
		merged.UpdatedAt = now
		merged.SourceTurnID = cand.SourceTurnID

		if err := s.backend.Save(ctx, merged); err != nil {
			return Record{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}

		s.mu.Lock()
		stored := merged
		s.records[merged.ID] = &stored
		s.mu.Unlock()
		s.index.Upsert(merged.ID, merged.Embedding)
		return cloneRecord(merged), nil
	}

	rec := Record{
		ID:           uuid.NewString(),
		Subject:      cand.Subject,
		Content:      cand.Content,
		Category:     cand.Category,
		Confidence:   cand.Confidence,
		Embedding:    vec,
		SourceTurnID: cand.SourceTurnID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.backend.Save(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s.mu.Lock()
	stored := rec
	s.records[rec.ID] = &stored
	s.mu.Unlock()
	s.index.Upsert(rec.ID, rec.Embedding)
	return cloneRecord(rec), nil
}

// Retrieve ranks records with confidence >= minConfidence by descending
// similarity to the query, ties broken by more recent update. k <= 0 yields
// an empty result, never an error.
func (s *Store) Retrieve(ctx context.Context, query string, k int, minConfidence float64) ([]Record, error) {
	if k <= 0 {
		return nil, nil
	}
	qvec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	type scored struct {
		rec *Record
		sim float64
	}

	fetch := k * 4
	if fetch < exactScanFloor {
		fetch = exactScanFloor
	}

	s.mu.RLock()
	var hits []scored
	if len(s.records) <= fetch {
		for _, r := range s.records {
			if r.Confidence < minConfidence {
				continue
			}
			hits = append(hits, scored{rec: r, sim: cosineSimilarity(qvec, r.Embedding)})
		}
	} else {
		for _, id := range s.index.Search(qvec, fetch) {
			r, ok := s.records[id]
			if !ok || r.Confidence < minConfidence {
				continue
			}
			hits = append(hits, scored{rec: r, sim: cosineSimilarity(qvec, r.Embedding)})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		di := hits[i].sim - hits[j].sim
		if di > similarityTieEpsilon {
			return true
		}
		if di < -similarityTieEpsilon {
			return false
		}
		return hits[i].rec.UpdatedAt.After(hits[j].rec.UpdatedAt)
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	out := make([]Record, 0, len(hits))
	for _, h := range hits {
		out = append(out, cloneRecord(*h.rec))
	}
	s.mu.RUnlock()
	return out, nil
}

// Forget deletes every record whose subject starts with prefix and reports
// how many were removed. Calling it again returns 0.
func (s *Store) Forget(ctx context.Context, subjectPrefix string) (int, error) {
	s.mu.RLock()
	var (
		ids      []string
		subjects = map[string]struct{}{}
	)
	for id, r := range s.records {
		if strings.HasPrefix(r.Subject, subjectPrefix) {
			ids = append(ids, id)
			subjects[r.Subject] = struct{}{}
		}
	}
	s.mu.RUnlock()
	if len(ids) == 0 {
		return 0, nil
	}

	// Hold every involved subject stripe so an in-flight upsert cannot
	// resurrect a record between backend delete and working-set delete.
	for _, idx := range stripeSet(subjects) {
		s.stripes[idx].Lock()
		defer s.stripes[idx].Unlock()
	}

	if err := s.backend.Delete(ctx, ids); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s.mu.Lock()
	deleted := 0
	for _, id := range ids {
		if _, ok := s.records[id]; ok {
			delete(s.records, id)
			deleted++
		}
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.index.Delete(id)
	}
	return deleted, nil
}

// Get returns a record by id.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	return cloneRecord(*r), true
}

// Count returns the number of stored records.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Store) Close() error {
	return s.backend.Close()
}

// nearestSameSubject returns the most similar record sharing the subject.
// Same-subject sets are small, so this is an exact scan.
func (s *Store) nearestSameSubject(subject string, vec []float32) (*Record, float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best    *Record
		bestSim float64
	)
	for _, r := range s.records {
		if r.Subject != subject {
			continue
		}
		sim := cosineSimilarity(vec, r.Embedding)
		if best == nil || sim > bestSim {
			best = r
			bestSim = sim
		}
	}
	return best, bestSim
}

func cloneRecord(r Record) Record {
	r.Embedding = append([]float32(nil), r.Embedding...)
	return r
}

func stripeFor(subject string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(subject))
	return int(h.Sum32() % writeStripes)
}

// stripeSet returns the distinct stripe indexes for a subject set, in
// ascending order so multi-stripe lockers cannot deadlock each other.
func stripeSet(subjects map[string]struct{}) []int {
	seen := map[int]struct{}{}
	var out []int
	for subject := range subjects {
		idx := stripeFor(subject)
		if _, ok := seen[idx]; ok {
			continue
		}
		seen[idx] = struct{}{}
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}
