package memory

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/mnemoslab/mnemos/pkg/errors"
	"github.com/mnemoslab/mnemos/pkg/logging"
)

// SeedEntry is one initial knowledge item loaded from a seed file.
type SeedEntry struct {
	Concept  string `yaml:"concept"`
	Category string `yaml:"category"`
	Content  string `yaml:"content"`
}

type seedFile struct {
	Knowledge []SeedEntry `yaml:"knowledge"`
}

// LoadSeedFile parses a YAML seed file into entries.
func LoadSeedFile(path string) ([]SeedEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithFields(
			errors.Wrap(err, errors.InvalidInput, "failed to read seed file"),
			errors.Fields{"path": path},
		)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, errors.InvalidInput, "malformed seed file")
	}
	return f.Knowledge, nil
}

// SeedKnowledge loads initial concept entries into the knowledge
// collection with source "seeded". It is a no-op when the collection
// already has records, so restarting never duplicates seeds.
func SeedKnowledge(ctx context.Context, store *Store, entries []SeedEntry) (int, error) {
	existing, err := store.Count(ctx, CollectionKnowledge)
	if err != nil {
		return 0, err
	}
	if existing > 0 {
		return 0, nil
	}

	seeded := 0
	for _, entry := range entries {
		if entry.Concept == "" || entry.Content == "" {
			return seeded, errors.New(errors.InvalidInput, "seed entries require concept and content")
		}
		category := entry.Category
		if category == "" {
			category = entry.Concept
		}
		item := &KnowledgeItem{
			ID:        uuid.New().String(),
			Category:  category,
			Concept:   entry.Concept,
			Content:   entry.Content,
			Source:    "seeded",
			CreatedAt: time.Now().UTC(),
		}
		rec, err := EncodeKnowledge(item)
		if err != nil {
			return seeded, err
		}
		if err := store.Put(ctx, CollectionKnowledge, rec); err != nil {
			return seeded, err
		}
		seeded++
	}
	if seeded > 0 {
		logging.GetLogger().Info(ctx, "seeded %d knowledge items", seeded)
	}
	return seeded, nil
}
