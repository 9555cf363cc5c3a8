package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kbforge/kbforge/pkg/models"
	"github.com/kbforge/kbforge/pkg/ports"
)

const categorizeSystemPrompt = `You are a knowledge-base curator. You place bookmarked posts into a
two-level category hierarchy and give each one a short item name.

Respond with a single JSON object and nothing else:
{
  "main_category": "broad topic, lowercase with underscores",
  "sub_category": "narrower topic, lowercase with underscores",
  "item_name": "short identifier for this item, lowercase with underscores",
  "description": "one or two sentences summarizing the item"
}`

const synthesisSystemPrompt = `You are a knowledge-base curator. Given several saved items from the
same category, write a synthesis document in markdown: the common themes,
how the items relate, and what a reader should take away. Start with a
level-1 heading. Do not invent content beyond the provided items.`

const describeImagePrompt = `Describe this image in two or three sentences for a knowledge-base
entry: what it shows, any visible text, and why it might have been saved.`

// categorizeUserPrompt assembles the item content shown to the model.
func categorizeUserPrompt(fullText string, imageDescriptions []string) string {
	var b strings.Builder
	b.WriteString("Categorize the following saved post.\n\nPost content:\n")
	b.WriteString(fullText)
	if len(imageDescriptions) > 0 {
		b.WriteString("\n\nAttached images:\n")
		for i, desc := range imageDescriptions {
			fmt.Fprintf(&b, "%d. %s\n", i+1, desc)
		}
	}
	return b.String()
}

// synthesisUserPrompt lists the category's items with their summaries.
func synthesisUserPrompt(items []*models.Item) string {
	main, sub := items[0].CategoryPair()

	var b strings.Builder
	fmt.Fprintf(&b, "Write a synthesis for the category %s / %s covering these %d items.\n",
		main, sub, len(items))
	for i, item := range items {
		fmt.Fprintf(&b, "\n--- Item %d: %s ---\n", i+1, item.KBDisplayTitle)
		if item.KBDescription != "" {
			b.WriteString(item.KBDescription + "\n")
		}
		b.WriteString(excerpt(item.FullText, 2000) + "\n")
	}
	return b.String()
}

// parseCategorization decodes the model's JSON verdict, tolerating a fenced
// code block around it.
func parseCategorization(text string) (*ports.Categorization, error) {
	payload := stripFences(text)

	var cat ports.Categorization
	if err := json.Unmarshal([]byte(payload), &cat); err != nil {
		return nil, ports.Validation("llm.categorize",
			fmt.Errorf("unparseable categorization response: %w", err))
	}
	if cat.Main == "" || cat.Sub == "" || cat.Name == "" {
		return nil, ports.Validation("llm.categorize",
			errors.New("categorization response missing required fields"))
	}
	cat.Raw = []byte(text)
	return &cat, nil
}

// stripFences removes a surrounding markdown code fence, if any.
func stripFences(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// excerpt truncates text at a rune boundary.
func excerpt(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "…"
}
