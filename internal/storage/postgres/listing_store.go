package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/JakeFAU/listing-ingest/internal/crawler"
)

// UpsertListing inserts or refreshes a listing and stamps it with the run
// that saw it. A listing that reappears is no longer marked removed.
func (s *Store) UpsertListing(ctx context.Context, rec crawler.ListingRecord) error {
	if rec.DataSourceID == "" || rec.SourceItemID == "" {
		return fmt.Errorf("data source id and source item id are required")
	}
	attributes, err := json.Marshal(nonNilMap(rec.Fields.AttributesJSON))
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}
	images, err := json.Marshal(nonNilSlice(rec.Fields.ImageURLs))
	if err != nil {
		return fmt.Errorf("marshal image urls: %w", err)
	}

	const query = `
INSERT INTO listings (
	data_source_id,
	source_item_id,
	url,
	last_run_id,
	title,
	description_text,
	price_amount,
	price_currency,
	primary_image_url,
	attributes,
	image_urls,
	content_hash,
	blob_uri,
	fetched_at,
	first_seen_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$14
)
ON CONFLICT (data_source_id, source_item_id) DO UPDATE SET
	url = EXCLUDED.url,
	last_run_id = EXCLUDED.last_run_id,
	title = EXCLUDED.title,
	description_text = EXCLUDED.description_text,
	price_amount = EXCLUDED.price_amount,
	price_currency = EXCLUDED.price_currency,
	primary_image_url = EXCLUDED.primary_image_url,
	attributes = EXCLUDED.attributes,
	image_urls = EXCLUDED.image_urls,
	content_hash = EXCLUDED.content_hash,
	blob_uri = EXCLUDED.blob_uri,
	fetched_at = EXCLUDED.fetched_at,
	removed_at = NULL`

	f := rec.Fields.BaseFields
	args := []any{
		rec.DataSourceID,
		rec.SourceItemID,
		rec.URL,
		rec.RunID,
		f.Title,
		f.DescriptionText,
		f.PriceAmount,
		f.PriceCurrency,
		f.PrimaryImageURL,
		attributes,
		images,
		rec.ContentHash,
		rec.BlobURI,
		rec.FetchedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert listing %s/%s: %w", rec.DataSourceID, rec.SourceItemID, err)
	}
	return nil
}

// MarkMissing flags listings of the data source that runID neither wrote nor
// listed in seen as removed and returns how many changed.
func (s *Store) MarkMissing(ctx context.Context, dataSourceID, runID string, seen []string, at time.Time) (int64, error) {
	const query = `
UPDATE listings
SET removed_at = $3
WHERE data_source_id = $1
  AND last_run_id <> $2
  AND source_item_id <> ALL($4)
  AND removed_at IS NULL`

	if seen == nil {
		seen = []string{}
	}
	tag, err := s.pool.Exec(ctx, query, dataSourceID, runID, at, seen)
	if err != nil {
		return 0, fmt.Errorf("mark missing listings for %s: %w", dataSourceID, err)
	}
	return tag.RowsAffected(), nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nonNilSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
