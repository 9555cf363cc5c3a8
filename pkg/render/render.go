// Package render turns item records into the published markdown and HTML
// artifacts.
package render

import (
	"fmt"
	htmltemplate "html/template"
	"path"
	"sort"
	"strings"
	texttemplate "text/template"

	"github.com/kbforge/kbforge/pkg/models"
	"github.com/kbforge/kbforge/pkg/ports"
)

// Renderer implements ports.Renderer with Go templates.
type Renderer struct {
	item  *texttemplate.Template
	index *texttemplate.Template
	html  *htmltemplate.Template
}

// New parses the built-in templates.
func New() (*Renderer, error) {
	item, err := texttemplate.New("item").Parse(itemTemplate)
	if err != nil {
		return nil, fmt.Errorf("render: parse item template: %w", err)
	}
	index, err := texttemplate.New("index").Parse(indexTemplate)
	if err != nil {
		return nil, fmt.Errorf("render: parse index template: %w", err)
	}
	html, err := htmltemplate.New("html").Parse(indexHTMLTemplate)
	if err != nil {
		return nil, fmt.Errorf("render: parse html template: %w", err)
	}
	return &Renderer{item: item, index: index, html: html}, nil
}

// RenderItem produces the per-item README. The output always carries the
// item id so filesystem artifacts can be traced back to their record.
func (r *Renderer) RenderItem(item *models.Item) (string, error) {
	var b strings.Builder
	if err := r.item.Execute(&b, itemView(item)); err != nil {
		return "", fmt.Errorf("render: item %s: %w", item.ItemID, err)
	}
	return b.String(), nil
}

// RenderIndex produces the root README with navigation and counts.
func (r *Renderer) RenderIndex(items []*models.Item, stats ports.IndexStats) (string, error) {
	var b strings.Builder
	if err := r.index.Execute(&b, indexView(items, stats)); err != nil {
		return "", fmt.Errorf("render: index: %w", err)
	}
	return b.String(), nil
}

// RenderIndexHTML produces the static index.html for docs hosting.
func (r *Renderer) RenderIndexHTML(items []*models.Item, stats ports.IndexStats) (string, error) {
	var b strings.Builder
	if err := r.html.Execute(&b, indexView(items, stats)); err != nil {
		return "", fmt.Errorf("render: index html: %w", err)
	}
	return b.String(), nil
}

// --- view models ---

type itemImage struct {
	Description string
	File        string
}

type itemData struct {
	Item       *models.Item
	Title      string
	Main       string
	Sub        string
	Paragraphs []string
	Images     []itemImage
}

func itemView(item *models.Item) itemData {
	main, sub := item.CategoryPair()
	title := item.KBDisplayTitle
	if title == "" {
		title = item.ItemID
	}

	var paragraphs []string
	for _, p := range strings.Split(item.FullText, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			paragraphs = append(paragraphs, p)
		}
	}

	// Descriptions line up 1-to-1 with the image media paths; the media list
	// can also carry non-image attachments, so filter before pairing.
	var imagePaths []string
	for _, p := range item.KBMediaPaths {
		switch strings.ToLower(path.Ext(p)) {
		case ".jpg", ".jpeg", ".png", ".gif", ".webp":
			imagePaths = append(imagePaths, p)
		}
	}
	var images []itemImage
	for i, desc := range item.ImageDescriptions {
		if i >= len(imagePaths) {
			break
		}
		images = append(images, itemImage{
			Description: desc,
			File:        path.Base(imagePaths[i]),
		})
	}

	return itemData{
		Item:       item,
		Title:      title,
		Main:       main,
		Sub:        sub,
		Paragraphs: paragraphs,
		Images:     images,
	}
}

type categoryGroup struct {
	Main  string
	Sub   string
	Items []*models.Item
}

type indexData struct {
	Stats  ports.IndexStats
	Groups []categoryGroup
}

// indexView groups completed items by category pair, ordered alphabetically.
func indexView(items []*models.Item, stats ports.IndexStats) indexData {
	byPair := make(map[string]*categoryGroup)
	var keys []string
	for _, item := range items {
		main, sub := item.CategoryPair()
		if main == "" || item.KBFilePath == "" {
			continue
		}
		key := main + "/" + sub
		group, ok := byPair[key]
		if !ok {
			group = &categoryGroup{Main: main, Sub: sub}
			byPair[key] = group
			keys = append(keys, key)
		}
		group.Items = append(group.Items, item)
	}
	sort.Strings(keys)

	groups := make([]categoryGroup, 0, len(keys))
	for _, key := range keys {
		group := byPair[key]
		sort.Slice(group.Items, func(i, j int) bool {
			return group.Items[i].KBTitle < group.Items[j].KBTitle
		})
		groups = append(groups, *group)
	}
	return indexData{Stats: stats, Groups: groups}
}
