// Package autocomplete scores completions for a partial query against the
// natural language example corpus of the caller's adapter. Example sets are
// cached per adapter, in Redis when a client is wired and in process
// otherwise.
package autocomplete

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"github.com/redis/go-redis/v9"
	"github.com/xrash/smetrics"

	"github.com/orbit-ai/orbit/internal/config"
	"github.com/orbit-ai/orbit/internal/domain"
)

// Matching modes. Unknown modes fall back to jaro winkler.
const (
	ModeSubstring   = "substring"
	ModeLevenshtein = "levenshtein"
	ModeJaroWinkler = "jaro_winkler"
)

// midStringSimilarity is the substring mode score for a containment match
// that does not start at the first character.
const midStringSimilarity = 0.8

const cacheKeyPrefix = "autocomplete:examples:"

// Suggestion is one scored completion.
type Suggestion struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Sources resolves an adapter by name. The retriever registry satisfies it.
type Sources interface {
	Get(ctx domain.Context, name string) (domain.Retriever, error)
}

type localEntry struct {
	examples []string
	expires  time.Time
}

// Service matches partial queries against cached adapter example corpora.
type Service struct {
	cfg   config.Autocomplete
	src   Sources
	redis *redis.Client

	mu    sync.Mutex
	local map[string]localEntry

	now func() time.Time
}

// NewService wires the engine. A nil redis client selects the in-process
// cache.
func NewService(cfg config.Autocomplete, src Sources, rdb *redis.Client) *Service {
	if cfg.Mode == "" {
		cfg.Mode = ModeJaroWinkler
	}
	if cfg.MaxSuggestions <= 0 {
		cfg.MaxSuggestions = 8
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Minute
	}
	return &Service{
		cfg:   cfg,
		src:   src,
		redis: rdb,
		local: map[string]localEntry{},
		now:   time.Now,
	}
}

// Enabled reports whether the engine is switched on.
func (s *Service) Enabled() bool { return s.cfg.Enabled }

// Suggest returns up to limit completions for the partial query, best
// first. Suggestions score similarity*100 minus a 0.05 per-rune length
// penalty; anything under the configured threshold is dropped. An adapter
// without an example corpus yields an empty result, not an error.
func (s *Service) Suggest(ctx domain.Context, adapterName, query string, limit int) ([]Suggestion, error) {
	if !s.cfg.Enabled {
		return nil, nil
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 || limit > s.cfg.MaxSuggestions {
		limit = s.cfg.MaxSuggestions
	}

	examples, err := s.examples(ctx, adapterName)
	if err != nil {
		return nil, err
	}

	scored := make([]Suggestion, 0, len(examples))
	for _, ex := range examples {
		sim := s.similarity(query, ex)
		if sim <= 0 {
			continue
		}
		score := sim*100 - 0.05*float64(utf8.RuneCountInString(ex))
		if score < s.cfg.Threshold {
			continue
		}
		scored = append(scored, Suggestion{Text: ex, Score: score})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Text < scored[j].Text
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// similarity returns the [0,1] match strength of query against example for
// the configured mode. Zero means no match.
func (s *Service) similarity(query, example string) float64 {
	q := strings.ToLower(query)
	e := strings.ToLower(example)
	switch s.cfg.Mode {
	case ModeSubstring:
		idx := strings.Index(e, q)
		switch {
		case idx < 0:
			return 0
		case idx == 0:
			return 1
		default:
			return midStringSimilarity
		}
	case ModeLevenshtein:
		longest := utf8.RuneCountInString(q)
		if n := utf8.RuneCountInString(e); n > longest {
			longest = n
		}
		if longest == 0 {
			return 1
		}
		return 1 - float64(levenshtein.ComputeDistance(q, e))/float64(longest)
	default:
		return smetrics.JaroWinkler(q, e, 0.7, 4)
	}
}

// examples returns the adapter's corpus, consulting the cache first. Empty
// corpora are cached too so adapters without examples are not re-resolved
// on every keystroke.
func (s *Service) examples(ctx domain.Context, adapter string) ([]string, error) {
	if cached, ok := s.fromCache(ctx, adapter); ok {
		return cached, nil
	}
	r, err := s.src.Get(ctx, adapter)
	if err != nil {
		return nil, err
	}
	src, ok := r.(domain.AutocompleteSource)
	if !ok {
		s.store(ctx, adapter, nil)
		return nil, nil
	}
	examples, err := src.Examples(ctx)
	if err != nil {
		return nil, err
	}
	s.store(ctx, adapter, examples)
	return examples, nil
}

// fromCache is fail-open on Redis errors so a cache outage costs a corpus
// refetch, never the request.
func (s *Service) fromCache(ctx domain.Context, adapter string) ([]string, bool) {
	if s.redis != nil {
		raw, err := s.redis.Get(ctx, cacheKeyPrefix+adapter).Bytes()
		switch {
		case err == nil:
			var examples []string
			if jsonErr := json.Unmarshal(raw, &examples); jsonErr == nil {
				return examples, true
			}
		case !errors.Is(err, redis.Nil):
			slog.WarnContext(ctx, "autocomplete cache read failed",
				slog.String("adapter", adapter),
				slog.Any("error", err))
		}
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.local[adapter]
	if !ok || s.now().After(e.expires) {
		return nil, false
	}
	return e.examples, true
}

func (s *Service) store(ctx domain.Context, adapter string, examples []string) {
	if s.redis != nil {
		raw, _ := json.Marshal(examples)
		if err := s.redis.Set(ctx, cacheKeyPrefix+adapter, raw, s.cfg.CacheTTL).Err(); err != nil {
			slog.WarnContext(ctx, "autocomplete cache write failed",
				slog.String("adapter", adapter),
				slog.Any("error", err))
		}
		return
	}

	s.mu.Lock()
	s.local[adapter] = localEntry{examples: examples, expires: s.now().Add(s.cfg.CacheTTL)}
	s.mu.Unlock()
}
