package providers

import "context"

// Registry is the set of capability adapters the orchestrator and stage
// executors are constructed with (§9: "explicitly-injected handles ...
// the orchestrator and executors receive a struct of capabilities at
// construction. No process-wide mutable state"). Each field may be nil
// if its provider is disabled (config.ProviderConfig.Enabled); executors
// treat a nil adapter the same as a permanent failure on that stage.
type Registry struct {
	Extractor          TextExtractor
	Categorizer        MenuCategorizer
	TranslatePrimary   Translator
	TranslateSecondary Translator
	Describer          Describer
	Allergens          AllergenDetector
	Ingredients        IngredientDetector
	ImageSearch        ImageFinder
	ImageSynthesis     ImageFinder
}

// TranslateWithFallback implements the translate stage's three-tier
// chain (§4.5): primary → secondary → identity. Identity always
// succeeds, so this never returns an error; the caller still inspects
// TranslateResult for the synthesized FallbackUsed signal via the
// returned bool.
func TranslateWithFallback(ctx context.Context, primary, secondary Translator, sourceText, sourceLang, targetLang string) (*TranslateResult, bool) {
	if primary != nil {
		if res, err := primary.Translate(ctx, sourceText, sourceLang, targetLang); err == nil {
			return res, false
		}
	}
	if secondary != nil {
		if res, err := secondary.Translate(ctx, sourceText, sourceLang, targetLang); err == nil {
			return res, false
		}
	}
	return &TranslateResult{Text: sourceText, DetectedLang: sourceLang}, true
}

// FindOrGenerateImage implements the image stage's internal choice
// between search and synthesis (§9 open question: a single image stage
// records which path won via ImageResult.Source).
func FindOrGenerateImage(ctx context.Context, search, synth ImageFinder, name, category, description string) (*ImageResult, error) {
	if search != nil {
		if res, err := search.FindOrGenerateImage(ctx, name, category, description); err == nil {
			res.Source = "search"
			return res, nil
		}
	}
	if synth != nil {
		res, err := synth.FindOrGenerateImage(ctx, name, category, description)
		if err != nil {
			return nil, err
		}
		res.Source = "synthesis"
		return res, nil
	}
	return nil, Wrap(errNoImageProvider, Permanent)
}

var errNoImageProvider = errNoProvider("image")

type errNoProvider string

func (e errNoProvider) Error() string { return "providers: no " + string(e) + " provider configured" }
