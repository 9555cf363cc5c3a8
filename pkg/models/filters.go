package models

import "time"

// SortDirection orders list results.
type SortDirection string

// Sort directions.
const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// ItemFilter is the composable filter grammar for ItemStore.List.
// Zero values mean "no constraint".
type ItemFilter struct {
	SearchText         string
	MainCategory       string
	SubCategory        string
	Source             string
	ProcessingComplete *bool
	NeedsReprocessing  *bool
	DateRangeStart     *time.Time
	DateRangeEnd       *time.Time

	SortField     string // defaults to created_at
	SortDirection SortDirection

	Limit  int
	Offset int
}

// ItemListResult is a paginated list response.
type ItemListResult struct {
	Items      []*Item `json:"items"`
	TotalCount int     `json:"total_count"`
	Limit      int     `json:"limit"`
	Offset     int     `json:"offset"`
}

// ItemAggregates is the summary returned by ItemStore.Stats.
type ItemAggregates struct {
	Total             int `json:"total"`
	Cached            int `json:"cached"`
	MediaProcessed    int `json:"media_processed"`
	Categorized       int `json:"categorized"`
	KBCreated         int `json:"kb_created"`
	Completed         int `json:"completed"`
	Failed            int `json:"failed"`
	PendingReprocess  int `json:"pending_reprocess"`
	DistinctMainCats  int `json:"distinct_main_categories"`
	DistinctCatPairs  int `json:"distinct_category_pairs"`
	TotalMediaRefs    int `json:"total_media_refs"`
	OldestUnprocessed *time.Time `json:"oldest_unprocessed,omitempty"`
}
