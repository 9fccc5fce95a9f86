// Package ragseed ingests knowledge corpora into the vector collections the
// retrieval adapters search. A YAML manifest maps collections to inline seed
// texts and corpus files; files are chunked, embedded, and upserted with
// deterministic point IDs so re-running a seed never duplicates points.
package ragseed

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/orbit-ai/orbit/internal/config"
	"github.com/orbit-ai/orbit/internal/domain"
	"github.com/orbit-ai/orbit/pkg/textx"
)

const (
	embedBatch        = 16
	defaultChunkRunes = 2000
)

// VectorStore is the slice of the vector backend the seeder needs.
// *qdrant.Client satisfies it.
type VectorStore interface {
	EnsureCollection(ctx context.Context, name string, vectorSize int, distance string) error
	UpsertPoints(ctx context.Context, collection string, vectors [][]float32, payloads []map[string]any, ids []any) error
}

// Extractor converts binary documents to plain text. *tika.Client satisfies
// it; a nil extractor limits the corpus to plain-text formats.
type Extractor interface {
	ExtractFile(ctx context.Context, path string) (string, error)
}

// Manifest is the root of a seed file.
type Manifest struct {
	Collections []CollectionSpec `yaml:"collections"`
}

// CollectionSpec declares one collection's corpus. Texts and Documents are
// inline; Files are glob patterns resolved relative to the manifest.
type CollectionSpec struct {
	Name string `yaml:"name"`
	// Collection overrides the prefix+name convention, mirroring the
	// vector adapter's override.
	Collection string         `yaml:"collection"`
	Texts      []string       `yaml:"texts"`
	Documents  []SeedDocument `yaml:"documents"`
	Files      []string       `yaml:"files"`
}

// SeedDocument is an inline text with payload metadata. Metadata keys land
// in the point payload where the vector adapter's filter_metadata can match
// them.
type SeedDocument struct {
	Text     string         `yaml:"text"`
	Metadata map[string]any `yaml:"metadata"`
}

// Stats summarizes one seeding run.
type Stats struct {
	Collections int
	Files       int
	Points      int
}

// Seeder ingests manifests into a vector store.
type Seeder struct {
	embed      domain.Embedder
	store      VectorStore
	ds         config.QdrantDatasource
	dims       int
	extract    Extractor
	chunkRunes int
}

// New constructs a seeder. dims is the embedding vector size used when
// creating collections.
func New(embed domain.Embedder, store VectorStore, ds config.QdrantDatasource, dims int, extract Extractor) *Seeder {
	return &Seeder{
		embed:      embed,
		store:      store,
		ds:         ds,
		dims:       dims,
		extract:    extract,
		chunkRunes: defaultChunkRunes,
	}
}

// SeedManifest loads the manifest at path and seeds every collection it
// declares. Relative corpus paths resolve against the manifest's directory
// and may not escape it unless RAGSEED_ALLOW_ABSPATHS=1.
func (s *Seeder) SeedManifest(ctx context.Context, path string) (Stats, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // operator-supplied manifest path
	if err != nil {
		return Stats{}, fmt.Errorf("op=ragseed.manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return Stats{}, fmt.Errorf("op=ragseed.manifest: %w", err)
	}
	if len(m.Collections) == 0 {
		return Stats{}, fmt.Errorf("op=ragseed.manifest: no collections in %s", path)
	}

	baseDir := filepath.Dir(path)
	var total Stats
	for _, spec := range m.Collections {
		st, err := s.SeedCollection(ctx, spec, baseDir)
		if err != nil {
			return total, err
		}
		total.Collections++
		total.Files += st.Files
		total.Points += st.Points
	}
	return total, nil
}

// SeedCollection ingests one collection spec. The collection is created if
// missing, with the configured dimensions and distance.
func (s *Seeder) SeedCollection(ctx context.Context, spec CollectionSpec, baseDir string) (Stats, error) {
	if spec.Name == "" && spec.Collection == "" {
		return Stats{}, fmt.Errorf("%w: collection spec needs a name", domain.ErrInvalidArgument)
	}
	collection := spec.Collection
	if collection == "" {
		collection = s.ds.CollectionPrefix + spec.Name
	}
	if err := s.store.EnsureCollection(ctx, collection, s.dims, s.ds.Distance); err != nil {
		return Stats{}, fmt.Errorf("op=ragseed.collection %s: %w", collection, err)
	}

	var points []seedPoint
	for i, text := range spec.Texts {
		if text = textx.SanitizeText(text); text == "" {
			continue
		}
		points = append(points, seedPoint{
			text:    text,
			source:  "manifest",
			fileID:  fmt.Sprintf("inline-%d", i),
			chunkID: fmt.Sprintf("inline-%d", i),
		})
	}
	for i, doc := range spec.Documents {
		text := textx.SanitizeText(doc.Text)
		if text == "" {
			continue
		}
		points = append(points, seedPoint{
			text:    text,
			source:  "manifest",
			fileID:  fmt.Sprintf("doc-%d", i),
			chunkID: fmt.Sprintf("doc-%d", i),
			meta:    doc.Metadata,
		})
	}

	var files int
	for _, pattern := range spec.Files {
		matches, err := resolveGlob(baseDir, pattern)
		if err != nil {
			return Stats{}, err
		}
		for _, file := range matches {
			filePts, err := s.filePoints(ctx, baseDir, file)
			if err != nil {
				return Stats{}, err
			}
			points = append(points, filePts...)
			files++
		}
	}
	if len(points) == 0 {
		return Stats{}, fmt.Errorf("%w: nothing to seed for collection %s", domain.ErrInvalidArgument, collection)
	}

	if err := s.upsertAll(ctx, collection, points); err != nil {
		return Stats{}, err
	}
	slog.Info("collection seeded",
		slog.String("collection", collection),
		slog.Int("files", files),
		slog.Int("points", len(points)))
	return Stats{Files: files, Points: len(points)}, nil
}

type seedPoint struct {
	text    string
	source  string
	fileID  string
	chunkID string
	meta    map[string]any
}

// filePoints reads one corpus file and chunks it. Plain-text formats are
// read directly; anything else goes through the extractor.
func (s *Seeder) filePoints(ctx context.Context, baseDir, path string) ([]seedPoint, error) {
	var text string
	switch {
	case isTextExt(filepath.Ext(path)):
		raw, err := os.ReadFile(path) //nolint:gosec // constrained by resolveGlob
		if err != nil {
			return nil, fmt.Errorf("op=ragseed.read %s: %w", path, err)
		}
		text = string(raw)
	case s.extract != nil:
		extracted, err := s.extract.ExtractFile(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("op=ragseed.extract %s: %w", path, err)
		}
		text = extracted
	default:
		return nil, fmt.Errorf("%w: %s needs a text extractor (is tika configured?)", domain.ErrInvalidArgument, path)
	}

	rel, err := filepath.Rel(baseDir, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	rel = filepath.ToSlash(rel)

	chunks := textx.Chunks(text, s.chunkRunes)
	points := make([]seedPoint, 0, len(chunks))
	for i, chunk := range chunks {
		points = append(points, seedPoint{
			text:    chunk,
			source:  rel,
			fileID:  rel,
			chunkID: fmt.Sprintf("%s#%d", rel, i),
		})
	}
	return points, nil
}

// upsertAll embeds and upserts points in batches. Point IDs are UUIDv5 over
// collection and chunk identity, so re-seeding overwrites instead of
// duplicating.
func (s *Seeder) upsertAll(ctx context.Context, collection string, points []seedPoint) error {
	for start := 0; start < len(points); start += embedBatch {
		end := start + embedBatch
		if end > len(points) {
			end = len(points)
		}
		batch := points[start:end]

		texts := make([]string, len(batch))
		for i, p := range batch {
			texts[i] = p.text
		}
		vecs, err := s.embed.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("op=ragseed.embed: %w", err)
		}
		if len(vecs) != len(batch) {
			return fmt.Errorf("op=ragseed.embed: got %d vectors for %d texts", len(vecs), len(batch))
		}

		payloads := make([]map[string]any, len(batch))
		ids := make([]any, len(batch))
		for i, p := range batch {
			payload := map[string]any{
				"content":  p.text,
				"source":   p.source,
				"file_id":  p.fileID,
				"chunk_id": p.chunkID,
			}
			for k, v := range p.meta {
				payload[k] = v
			}
			payloads[i] = payload
			ids[i] = pointID(collection, p.chunkID)
		}
		if err := s.store.UpsertPoints(ctx, collection, vecs, payloads, ids); err != nil {
			return fmt.Errorf("op=ragseed.upsert %s: %w", collection, err)
		}
	}
	return nil
}

// pointID derives a stable UUID for a chunk; Qdrant accepts UUIDs as point
// IDs where raw hashes are rejected.
func pointID(collection, chunkID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("orbit:"+collection+":"+chunkID)).String()
}

// resolveGlob expands one manifest pattern. Matches must stay under the
// manifest directory unless RAGSEED_ALLOW_ABSPATHS=1.
func resolveGlob(baseDir, pattern string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(baseDir, pattern)
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("op=ragseed.glob %s: %w", pattern, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("op=ragseed.glob: no files match %s", pattern)
	}
	if os.Getenv("RAGSEED_ALLOW_ABSPATHS") == "1" {
		return matches, nil
	}
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, err
	}
	absBase = filepath.Clean(absBase)
	for _, m := range matches {
		abs, err := filepath.Abs(m)
		if err != nil {
			return nil, err
		}
		abs = filepath.Clean(abs)
		if !strings.HasPrefix(abs, absBase+string(os.PathSeparator)) && abs != absBase {
			return nil, fmt.Errorf("disallowed path: %s", abs)
		}
	}
	return matches, nil
}

func isTextExt(ext string) bool {
	switch strings.ToLower(ext) {
	case ".txt", ".md", ".markdown", ".rst", ".csv", ".json", ".yaml", ".yml":
		return true
	}
	return false
}
