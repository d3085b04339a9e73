// Package providers defines the capability interfaces (C1, §4.1) that the
// stage executors call against. Concrete provider implementations (an
// OCR vendor, a translation API, an image-search/synthesis backend) are
// out of scope (§1) — this package specifies only the contracts, a
// rate-limiting/timeout decorator common to all of them, and the error
// taxonomy (§7) every adapter must classify into.
package providers

import (
	"context"

	"github.com/kirie0319/menu-sense-backend-sub001/pkg/models"
)

// ExtractResult is ExtractText's output.
type ExtractResult struct {
	Tokens   []models.Token
	FullText string
}

// CategoryItem is one menu entry as categorize sees it, before it becomes
// a materialized Item.
type CategoryItem struct {
	Name  string
	Price string
}

// Category is one categorize group with its ordered items (§4.5).
type Category struct {
	Name  string
	Items []CategoryItem
}

// TranslateResult is Translate's output.
type TranslateResult struct {
	Text         string
	DetectedLang string
}

// DescribeResult is Describe's output.
type DescribeResult struct {
	Description string
}

// AllergensResult is DetectAllergens' output.
type AllergensResult struct {
	Entries    []models.AllergenEntry
	Confidence float64
}

// IngredientsResult is DetectIngredients' output.
type IngredientsResult struct {
	Ingredients []models.IngredientEntry
	Confidence  float64
}

// ImageResult is FindOrGenerateImage's output. Source records which
// internal path won ("search" or "synthesis") per §9's open-question
// resolution: a single image stage with internal fallback.
type ImageResult struct {
	URL         string
	Bytes       []byte
	Attribution string
	Source      string
}

// TextExtractor performs OCR over an uploaded menu photo.
type TextExtractor interface {
	ExtractText(ctx context.Context, imageBytes []byte) (*ExtractResult, error)
}

// MenuCategorizer groups extracted text into named categories of items.
type MenuCategorizer interface {
	CategorizeMenu(ctx context.Context, fullText string, tokens []models.Token) ([]Category, error)
}

// Translator renders source text into a target language.
type Translator interface {
	Translate(ctx context.Context, text, sourceLang, targetLang string) (*TranslateResult, error)
}

// Describer writes a natural-language description for a menu item.
type Describer interface {
	Describe(ctx context.Context, name, category string) (*DescribeResult, error)
}

// AllergenDetector extracts likely allergens for a menu item.
type AllergenDetector interface {
	DetectAllergens(ctx context.Context, name, category string) (*AllergensResult, error)
}

// IngredientDetector extracts likely ingredients for a menu item.
type IngredientDetector interface {
	DetectIngredients(ctx context.Context, name, category string) (*IngredientsResult, error)
}

// ImageFinder finds or generates a representative image for a menu item.
type ImageFinder interface {
	FindOrGenerateImage(ctx context.Context, name, category, description string) (*ImageResult, error)
}
