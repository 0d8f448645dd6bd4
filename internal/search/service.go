package search

import (
	"context"
	"log"

	"rundown/api/internal/store"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexRundown indexes a rundown and its rows (fire-and-forget to
// Meilisearch). Saves are frequent; indexing must never sit on the save path.
func (s *Service) IndexRundown(doc store.Rundown) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	record := RundownRecord{
		ID:            doc.ID,
		Title:         doc.Title,
		ShowDate:      doc.ShowDate,
		ExternalNotes: doc.ExternalNotes,
		TeamID:        doc.TeamID,
	}
	items := make([]ItemRecord, 0, len(doc.Items))
	for _, it := range doc.Items {
		items = append(items, ItemRecord{
			ID:        it.ID,
			Name:      it.Name,
			Talent:    it.Talent,
			Script:    it.Script,
			Notes:     it.Notes,
			RundownID: doc.ID,
			TeamID:    doc.TeamID,
		})
	}
	go func() {
		if err := s.meili.IndexRundown(record); err != nil {
			log.Printf("search: index rundown %s: %v", record.ID, err)
		}
		if err := s.meili.IndexItems(items); err != nil {
			log.Printf("search: index items for %s: %v", record.ID, err)
		}
	}()
}

// DeleteRundown removes a rundown and its rows from the search index
// (fire-and-forget).
func (s *Service) DeleteRundown(doc store.Rundown) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	ids := make([]string, 0, len(doc.Items))
	for _, it := range doc.Items {
		ids = append(ids, it.ID)
	}
	go func() {
		if err := s.meili.DeleteRundown(doc.ID); err != nil {
			log.Printf("search: delete rundown %s: %v", doc.ID, err)
		}
		if err := s.meili.DeleteItems(ids); err != nil {
			log.Printf("search: delete items for %s: %v", doc.ID, err)
		}
	}()
}

// ReindexAllFromPG reindexes all searchable entities from PostgreSQL into
// Meilisearch. Called at startup when Meilisearch is configured.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	rundowns, items, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if len(rundowns) > 0 {
		if err := s.meili.IndexRundowns(rundowns); err != nil {
			log.Printf("search: reindex rundowns: %v", err)
		}
	}
	if len(items) > 0 {
		if err := s.meili.IndexItems(items); err != nil {
			log.Printf("search: reindex items: %v", err)
		}
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
