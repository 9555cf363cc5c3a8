package models

import "time"

// Category is one row of the hierarchical (main, sub) category registry.
// The pair (Main, Sub) is unique.
type Category struct {
	Main        string    `db:"main_category" json:"main_category"`
	Sub         string    `db:"sub_category" json:"sub_category"`
	DisplayName string    `db:"display_name" json:"display_name"`
	SortOrder   int       `db:"sort_order" json:"sort_order"`
	IsActive    bool      `db:"is_active" json:"is_active"`
	ItemCount   int       `db:"item_count" json:"item_count"`
	Description string    `db:"description" json:"description,omitempty"`
	LastUpdated time.Time `db:"last_updated" json:"last_updated"`
}
