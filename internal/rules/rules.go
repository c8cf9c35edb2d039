// Package rules manages the shared processing-rules document workers consult
// before handling a job. The document shape is part of the worker contract;
// invalid documents are rejected before any write.
package rules

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ecoreservices/bulkboard/internal/job"
	"github.com/ecoreservices/bulkboard/internal/storage"
)

//go:embed schema.json
var schemaJSON string

var docSchema = jsonschema.MustCompileString("rules_schema.json", schemaJSON)

// Document is the wire shape at rules/active_rules.json.
type Document struct {
	Version     string  `json:"version"`
	LastUpdated string  `json:"last_updated"`
	Rules       RuleSet `json:"rules"`
}

// RuleSet holds the cleaning rule categories.
type RuleSet struct {
	TitlesRemove        []string   `json:"titles_remove"`
	TitlesRemovePhrases []string   `json:"titles_remove_phrases"`
	UnsafeTokens        []string   `json:"unsafe_tokens"`
	Particles           []Particle `json:"particles"`
	ApostropheParticles []string   `json:"apostrophe_particles"`
	KeepCase            []string   `json:"keep_case"`
	MinLen              int        `json:"min_len"`
	AccentRemoval       bool       `json:"accent_removal"`
	AccentExamples      []string   `json:"accent_examples"`
}

// Particle is a name particle with its canonical casing.
type Particle struct {
	Text string `json:"text"`
	Case string `json:"case"`
}

// DefaultRules is the standard cleaning rule set workers ship with.
func DefaultRules() RuleSet {
	return RuleSet{
		TitlesRemove: []string{
			"mr", "mrs", "ms", "miss", "mx", "dr", "prof", "engr", "rev",
			"jr", "sr", "ii", "iii", "iv",
			"phd", "md", "mba", "bsc", "msc", "jd", "llb", "llm", "rn", "np", "pa", "dpt", "dds", "dvm", "od",
			"cfa", "cpa", "cisa", "cissp", "cipp", "pmp", "cfp", "cma", "cpc", "cpt", "cebs", "esq",
			"fache", "faan", "cenp", "facs", "famia", "nea", "bcps", "fcips", "cpxp", "mhrmir", "mde", "cpel",
			"lssyb", "fachdm", "fshea", "fidsa", "chcio", "fhimss", "rhia",
		},
		TitlesRemovePhrases: []string{
			"chief executive officer", "ceo",
			"chief technology officer", "cto",
			"chief operating officer", "coo",
			"chief financial officer", "cfo",
			"vice chancellor", "pro vice chancellor", "deputy vice chancellor",
		},
		UnsafeTokens: []string{"inc", "llc", "ltd", "co", "corp", "@", "(ceo)", "(founder)"},
		Particles: []Particle{
			{Text: "van", Case: "lower"}, {Text: "van der", Case: "lower"},
			{Text: "de", Case: "lower"}, {Text: "de la", Case: "lower"},
			{Text: "del", Case: "lower"}, {Text: "da", Case: "lower"},
			{Text: "di", Case: "lower"}, {Text: "bin", Case: "lower"},
			{Text: "al", Case: "lower"},
		},
		ApostropheParticles: []string{"o'", "o’", "d'", "d’", "l'", "l’"},
		KeepCase:            []string{"MacDonald", "McIntyre", "O'Neill", "O’Neill"},
		MinLen:              2,
		AccentRemoval:       true,
		AccentExamples: []string{
			"é→e", "ñ→n", "ü→u", "ö→o", "à→a", "è→e", "ì→i", "ò→o", "ù→u", "ç→c",
		},
	}
}

// DefaultDocument wraps the default rule set in a versioned document.
func DefaultDocument() Document {
	return Document{
		Version:     "1.0",
		LastUpdated: time.Now().UTC().Format(time.RFC3339),
		Rules:       DefaultRules(),
	}
}

// Load reads the active rules. An absent document yields the defaults; a
// present one is merged over them so every category exists even when an
// older writer dropped some.
func Load(ctx context.Context, store storage.Store) (Document, error) {
	data, err := store.Get(ctx, job.RulesKey)
	if errors.Is(err, storage.ErrNotFound) {
		return DefaultDocument(), nil
	}
	if err != nil {
		return Document{}, fmt.Errorf("read rules: %w", err)
	}
	return decode(data)
}

// Save validates and writes a rule set. Nothing is written when validation
// fails.
func Save(ctx context.Context, store storage.Store, rules RuleSet) (Document, error) {
	doc := Document{
		Version:     "1.0",
		LastUpdated: time.Now().UTC().Format(time.RFC3339),
		Rules:       rules,
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return Document{}, fmt.Errorf("serialize rules: %w", err)
	}
	if err := Validate(data); err != nil {
		return Document{}, err
	}

	if err := store.Put(ctx, job.RulesKey, data); err != nil {
		return Document{}, fmt.Errorf("write rules: %w", err)
	}
	return doc, nil
}

// Reset writes the default document back.
func Reset(ctx context.Context, store storage.Store) (Document, error) {
	return Save(ctx, store, DefaultRules())
}

// Validate checks a raw document against the schema.
func Validate(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("parse rules document: %w", err)
	}
	if err := docSchema.Validate(v); err != nil {
		return fmt.Errorf("rules document rejected: %w", err)
	}
	return nil
}

// decode unmarshals a document and backfills any category the stored copy
// lacks, matching the read-side merge the tools have always done.
func decode(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("parse rules: %w", err)
	}

	var probe struct {
		Rules map[string]json.RawMessage `json:"rules"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Document{}, fmt.Errorf("parse rules: %w", err)
	}

	def := DefaultRules()
	backfill := func(key string, fill func()) {
		if _, ok := probe.Rules[key]; !ok {
			fill()
		}
	}
	backfill("titles_remove", func() { doc.Rules.TitlesRemove = def.TitlesRemove })
	backfill("titles_remove_phrases", func() { doc.Rules.TitlesRemovePhrases = def.TitlesRemovePhrases })
	backfill("unsafe_tokens", func() { doc.Rules.UnsafeTokens = def.UnsafeTokens })
	backfill("particles", func() { doc.Rules.Particles = def.Particles })
	backfill("apostrophe_particles", func() { doc.Rules.ApostropheParticles = def.ApostropheParticles })
	backfill("keep_case", func() { doc.Rules.KeepCase = def.KeepCase })
	backfill("min_len", func() { doc.Rules.MinLen = def.MinLen })
	backfill("accent_removal", func() { doc.Rules.AccentRemoval = def.AccentRemoval })
	backfill("accent_examples", func() { doc.Rules.AccentExamples = def.AccentExamples })

	return doc, nil
}
