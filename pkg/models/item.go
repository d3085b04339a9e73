package models

import "time"

// Stage names the per-item pipeline steps fanned out after categorize (§4.6).
type Stage string

const (
	StageTranslate   Stage = "translate"
	StageDescribe    Stage = "describe"
	StageAllergens   Stage = "allergens"
	StageIngredients Stage = "ingredients"
	StageImage       Stage = "image"
)

// AllStages lists every per-item stage in a stable order, used for
// completion checks and chunked fan-out (§4.6).
var AllStages = []Stage{StageTranslate, StageDescribe, StageAllergens, StageIngredients, StageImage}

// StageStatus is a per-(item, stage) transition state (invariant 1).
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageInFlight  StageStatus = "in_flight"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// Terminal reports whether s is one of the stage's terminal states.
func (s StageStatus) Terminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageSkipped
}

// Box is the four-corner pixel bounding region for a recognized token (§4.1).
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
	X3 float64 `json:"x3"`
	Y3 float64 `json:"y3"`
	X4 float64 `json:"x4"`
	Y4 float64 `json:"y4"`
}

// Token is one OCR-recognized span of text with its bounding box (§4.1),
// persisted on the owning session between the extract and categorize stages.
type Token struct {
	Text string `json:"text"`
	Box  Box    `json:"box"`
}

// AllergenEntry is one element of DetectAllergens' result (§4.1).
type AllergenEntry struct {
	Name       string  `json:"name"`
	Severity   string  `json:"severity,omitempty"`
	Likelihood float64 `json:"likelihood,omitempty"`
	Source     string  `json:"source,omitempty"`
}

// IngredientEntry is one element of DetectIngredients' result (§4.1).
type IngredientEntry struct {
	Name string `json:"name"`
	Role string `json:"role,omitempty"`
}

// StageState is a per-stage status/attempt/error triplet, one per Stage
// per item (§3: "Per-stage status fields ... Each stage also carries an
// attempt count and last-error string").
type StageState struct {
	Status  StageStatus `json:"status"`
	Attempt int         `json:"attempt"`
	Error   string       `json:"error,omitempty"`
}

// Item is a materialized menu entry, identified by (session id, item
// index). Created when categorize completes; mutated only by the
// executor of the owning stage (§3).
type Item struct {
	SessionID  string
	Index      int
	SourceText string
	Box        *Box
	Category   string
	Price      string

	EnglishText string
	Description string
	Allergens   []AllergenEntry
	Ingredients []IngredientEntry
	ImageRef    string
	ImageSource string // which path won: "search" or "synthesis" (§9 open question)

	TranslateFallback bool // true once translate fell through to the identity tier

	TranslateStage   StageState
	DescribeStage    StageState
	AllergensStage   StageState
	IngredientsStage StageState
	ImageStage       StageState

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DisplayName returns the text downstream stages (describe, allergens,
// ingredients, image) should caption the item by: the translated name once
// available, falling back to the original source text.
func (it *Item) DisplayName() string {
	if it.EnglishText != "" {
		return it.EnglishText
	}
	return it.SourceText
}

// Stage returns the current StageState for the named stage.
func (it *Item) Stage(s Stage) StageState {
	switch s {
	case StageTranslate:
		return it.TranslateStage
	case StageDescribe:
		return it.DescribeStage
	case StageAllergens:
		return it.AllergensStage
	case StageIngredients:
		return it.IngredientsStage
	case StageImage:
		return it.ImageStage
	default:
		return StageState{}
	}
}

// SetStage overwrites the StageState for the named stage.
func (it *Item) SetStage(s Stage, state StageState) {
	switch s {
	case StageTranslate:
		it.TranslateStage = state
	case StageDescribe:
		it.DescribeStage = state
	case StageAllergens:
		it.AllergensStage = state
	case StageIngredients:
		it.IngredientsStage = state
	case StageImage:
		it.ImageStage = state
	}
}

// AllStagesTerminal reports whether every stage of it has reached a
// terminal state (invariant 4 / §4.6 completion detection).
func (it *Item) AllStagesTerminal() bool {
	for _, s := range AllStages {
		if !it.Stage(s).Status.Terminal() {
			return false
		}
	}
	return true
}

// ItemView is the §6 snapshot projection of an Item.
type ItemView struct {
	Index       int               `json:"index"`
	SourceText  string            `json:"source_text"`
	Box         *Box              `json:"box,omitempty"`
	Category    string            `json:"category,omitempty"`
	Price       string            `json:"price,omitempty"`
	EnglishText string            `json:"english_text,omitempty"`
	Description string            `json:"description,omitempty"`
	Allergens   []AllergenEntry   `json:"allergens,omitempty"`
	Ingredients []IngredientEntry `json:"ingredients,omitempty"`
	ImageRef    string            `json:"image_ref,omitempty"`
	Stages      map[Stage]StageStatus `json:"stages"`
}

// View projects it into the wire representation used in session snapshots.
func (it *Item) View() ItemView {
	stages := make(map[Stage]StageStatus, len(AllStages))
	for _, s := range AllStages {
		stages[s] = it.Stage(s).Status
	}
	return ItemView{
		Index:       it.Index,
		SourceText:  it.SourceText,
		Box:         it.Box,
		Category:    it.Category,
		Price:       it.Price,
		EnglishText: it.EnglishText,
		Description: it.Description,
		Allergens:   it.Allergens,
		Ingredients: it.Ingredients,
		ImageRef:    it.ImageRef,
		Stages:      stages,
	}
}
