package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/antoniostano/keepsake/internal/embed"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Options{
		Embedder:       embed.NewLocalEmbedder(256),
		DedupThreshold: 0.92,
		ReinforceStep:  0.15,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return s
}

func TestUpsertInsertsNewRecord(t *testing.T) {
	s := newTestStore(t)
	rec, err := s.Upsert(context.Background(), Candidate{
		Subject:    "user.name",
		Content:    "The user's name is Alex",
		Category:   CategoryIdentity,
		Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if rec.ID == "" {
		t.Fatalf("inserted record has empty id")
	}
	if rec.Confidence != 0.9 {
		t.Fatalf("Confidence = %v, want 0.9", rec.Confidence)
	}
	if s.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", s.Count())
	}
}

func TestUpsertIdempotentForDuplicateContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cand := Candidate{
		Subject:    "user.name",
		Content:    "The user's name is Alex",
		Category:   CategoryIdentity,
		Confidence: 0.8,
	}

	first, err := s.Upsert(ctx, cand)
	if err != nil {
		t.Fatalf("first Upsert() error = %v", err)
	}
	second, err := s.Upsert(ctx, cand)
	if err != nil {
		t.Fatalf("second Upsert() error = %v", err)
	}

	if s.Count() != 1 {
		t.Fatalf("Count() = %d, want 1 after duplicate upsert", s.Count())
	}
	if second.ID != first.ID {
		t.Fatalf("merged record changed id: %s -> %s", first.ID, second.ID)
	}
	if second.Confidence <= first.Confidence {
		t.Fatalf("Confidence = %v, want reinforced above %v", second.Confidence, first.Confidence)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("CreatedAt changed on merge")
	}
}

func TestUpsertDistinctSubjectsStaySeparate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.Upsert(ctx, Candidate{Subject: "user.name", Content: "The user's name is Alex", Confidence: 0.8}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if _, err := s.Upsert(ctx, Candidate{Subject: "business.name", Content: "The user's name is Alex", Confidence: 0.8}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if s.Count() != 2 {
		t.Fatalf("Count() = %d, want 2: dedup must be per subject", s.Count())
	}
}

func TestUpsertConfidenceBoundedAndMonotone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cand := Candidate{Subject: "user.coffee", Content: "Prefers oat milk lattes", Category: CategoryPreference, Confidence: 0.7}

	prev := 0.0
	for i := 0; i < 25; i++ {
		rec, err := s.Upsert(ctx, cand)
		if err != nil {
			t.Fatalf("Upsert() #%d error = %v", i, err)
		}
		if rec.Confidence < prev {
			t.Fatalf("confidence decreased: %v -> %v", prev, rec.Confidence)
		}
		if rec.Confidence < 0 || rec.Confidence > 1 {
			t.Fatalf("confidence out of bounds: %v", rec.Confidence)
		}
		prev = rec.Confidence
	}
	if prev <= 0.9 {
		t.Fatalf("repeated reinforcement should approach 1.0, got %v", prev)
	}
}

func TestUpsertHigherConfidenceContentWins(t *testing.T) {
	// A permissive threshold forces the near-duplicate merge path.
	s, err := Open(context.Background(), Options{
		Embedder:       embed.NewLocalEmbedder(256),
		DedupThreshold: 0.5,
		ReinforceStep:  0.15,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	ctx := context.Background()
	strong, err := s.Upsert(ctx, Candidate{Subject: "business.hours", Content: "the shop opens at nine most days", Confidence: 0.9})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	merged, err := s.Upsert(ctx, Candidate{Subject: "business.hours", Content: "the shop opens at nine", Confidence: 0.3})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if merged.ID != strong.ID {
		t.Fatalf("near-duplicate did not merge: %s vs %s", merged.ID, strong.ID)
	}
	if merged.Content != strong.Content {
		t.Fatalf("lower-confidence duplicate replaced content: %q", merged.Content)
	}
	if merged.Confidence < strong.Confidence {
		t.Fatalf("merge decreased confidence: %v -> %v", strong.Confidence, merged.Confidence)
	}
}

func TestUpsertRejectsEmptySubject(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Upsert(context.Background(), Candidate{Subject: " ", Content: "something"}); err == nil {
		t.Fatalf("Upsert() should reject empty subject")
	}
}

func TestRetrieveRankingAndTruncation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seed := []Candidate{
		{Subject: "user.name", Content: "The user's name is Alex", Confidence: 0.9},
		{Subject: "business.hours", Content: "The bakery opens at seven in the morning", Confidence: 0.9},
		{Subject: "user.pet", Content: "Has a golden retriever called Biscuit", Confidence: 0.9},
	}
	for _, c := range seed {
		if _, err := s.Upsert(ctx, c); err != nil {
			t.Fatalf("Upsert(%s) error = %v", c.Subject, err)
		}
	}

	got, err := s.Retrieve(ctx, "what is the user's name", 2, 0)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Subject != "user.name" {
		t.Fatalf("top result subject = %q, want user.name", got[0].Subject)
	}

	// Descending similarity order must hold across the returned set.
	q, _ := embed.NewLocalEmbedder(256).Embed(ctx, "what is the user's name")
	for i := 1; i < len(got); i++ {
		if cosineSimilarity(q, got[i-1].Embedding) < cosineSimilarity(q, got[i].Embedding) {
			t.Fatalf("results not in descending similarity order")
		}
	}
}

func TestRetrieveZeroK(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Retrieve(context.Background(), "anything", 0, 0)
	if err != nil {
		t.Fatalf("Retrieve(k=0) error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("len = %d, want 0", len(got))
	}
}

func TestRetrieveMinConfidenceFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.Upsert(ctx, Candidate{Subject: "user.guess", Content: "Might be vegetarian", Confidence: 0.2}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if _, err := s.Upsert(ctx, Candidate{Subject: "user.diet", Content: "Is definitely vegetarian", Confidence: 0.95}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	got, err := s.Retrieve(ctx, "vegetarian", 10, 0.5)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	for _, r := range got {
		if r.Confidence < 0.5 {
			t.Fatalf("record %s below min confidence: %v", r.Subject, r.Confidence)
		}
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
}

func TestRetrieveTieBrokenByRecency(t *testing.T) {
	s := newTestStore(t)

	// Bypass Upsert to plant two records with identical embeddings and
	// distinct update times.
	vec, _ := embed.NewLocalEmbedder(256).Embed(context.Background(), "identical fact")
	older := Record{
		ID: "older", Subject: "a.fact", Content: "identical fact",
		Category: CategoryOther, Confidence: 0.9, Embedding: vec,
		CreatedAt: time.Now().Add(-2 * time.Hour), UpdatedAt: time.Now().Add(-2 * time.Hour),
	}
	newer := older
	newer.ID = "newer"
	newer.Subject = "b.fact"
	newer.UpdatedAt = time.Now()

	s.records[older.ID] = &older
	s.records[newer.ID] = &newer
	s.index.Upsert(older.ID, vec)
	s.index.Upsert(newer.ID, vec)

	got, err := s.Retrieve(context.Background(), "identical fact", 2, 0)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != "newer" {
		t.Fatalf("tie should be broken by recency, got %q first", got[0].ID)
	}
}

func TestForgetErasesPrefixAndIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seed := []Candidate{
		{Subject: "business.hours", Content: "Opens at nine", Confidence: 0.9},
		{Subject: "business.address", Content: "On Elm Street", Confidence: 0.9},
		{Subject: "user.name", Content: "The user's name is Alex", Confidence: 0.9},
	}
	for _, c := range seed {
		if _, err := s.Upsert(ctx, c); err != nil {
			t.Fatalf("Upsert(%s) error = %v", c.Subject, err)
		}
	}

	n, err := s.Forget(ctx, "business.")
	if err != nil {
		t.Fatalf("Forget() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("Forget() = %d, want 2", n)
	}

	got, err := s.Retrieve(ctx, "business hours address", 10, 0)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	for _, r := range got {
		if len(r.Subject) >= 9 && r.Subject[:9] == "business." {
			t.Fatalf("forgotten record still retrievable: %s", r.Subject)
		}
	}

	again, err := s.Forget(ctx, "business.")
	if err != nil {
		t.Fatalf("second Forget() error = %v", err)
	}
	if again != 0 {
		t.Fatalf("second Forget() = %d, want 0", again)
	}
}

func TestUpsertSurfacesStoreUnavailable(t *testing.T) {
	failing := &flakyBackend{failSaves: true}
	s, err := Open(context.Background(), Options{
		Embedder: embed.NewLocalEmbedder(64),
		Backend:  failing,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	_, err = s.Upsert(context.Background(), Candidate{Subject: "user.name", Content: "Alex", Confidence: 0.8})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}
	if s.Count() != 0 {
		t.Fatalf("failed save must not land in the working set")
	}
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := s.Upsert(ctx, Candidate{
				Subject:    fmt.Sprintf("user.fact%d", i),
				Content:    fmt.Sprintf("fact number %d", i),
				Confidence: 0.8,
			})
			if err != nil {
				t.Errorf("Upsert() error = %v", err)
			}
		}(i)
		go func() {
			defer wg.Done()
			if _, err := s.Retrieve(ctx, "fact number", 5, 0); err != nil {
				t.Errorf("Retrieve() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if s.Count() != 8 {
		t.Fatalf("Count() = %d, want 8", s.Count())
	}
}

func TestReopenLoadsPersistedRecords(t *testing.T) {
	backend := newFakeBackend()
	ctx := context.Background()

	s1, err := Open(ctx, Options{Embedder: embed.NewLocalEmbedder(64), Backend: backend})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := s1.Upsert(ctx, Candidate{Subject: "user.name", Content: "The user's name is Alex", Confidence: 0.9}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	s2, err := Open(ctx, Options{Embedder: embed.NewLocalEmbedder(64), Backend: backend})
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	if s2.Count() != 1 {
		t.Fatalf("reopened Count() = %d, want 1", s2.Count())
	}
	got, err := s2.Retrieve(ctx, "what is the user's name", 1, 0)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(got) != 1 || got[0].Subject != "user.name" {
		t.Fatalf("reopened store did not retrieve persisted record: %+v", got)
	}
}

type flakyBackend struct {
	failSaves bool
}

func (b *flakyBackend) LoadAll(context.Context) ([]Record, error) { return nil, nil }
func (b *flakyBackend) Save(context.Context, Record) error {
	if b.failSaves {
		return errors.New("disk on fire")
	}
	return nil
}
func (b *flakyBackend) Delete(context.Context, []string) error { return nil }
func (b *flakyBackend) Close() error                           { return nil }

type fakeBackend struct {
	mu   sync.Mutex
	rows map[string]Record
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{rows: make(map[string]Record)}
}

func (b *fakeBackend) LoadAll(context.Context) ([]Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Record, 0, len(b.rows))
	for _, r := range b.rows {
		out = append(out, r)
	}
	return out, nil
}

func (b *fakeBackend) Save(_ context.Context, r Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rows[r.ID] = r
	return nil
}

func (b *fakeBackend) Delete(_ context.Context, ids []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range ids {
		delete(b.rows, id)
	}
	return nil
}

func (b *fakeBackend) Close() error { return nil }
