// Package identity matches face embeddings against the registry of known
// identities.
package identity

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/vzahanych/storeguard/internal/ai"
	"github.com/vzahanych/storeguard/internal/logger"
)

const (
	DefaultMatchThreshold = 0.6
	DefaultEmbeddingDim   = 128
)

// StoredIdentity is an identity row with its raw JSON embeddings, in the
// order they were registered.
type StoredIdentity struct {
	ID         int64
	Name       string
	Embeddings [][]byte
}

// Source lists the active identities, first-registered first
type Source interface {
	ListActiveIdentities(ctx context.Context) ([]StoredIdentity, error)
}

// KnownIdentity is a decoded identity
type KnownIdentity struct {
	ID         int64
	Name       string
	Embeddings [][]float64
}

// Summary reports the result of a reload
type Summary struct {
	Identities int       `json:"identities"`
	Embeddings int       `json:"embeddings"`
	Invalid    int       `json:"invalid"`
	LoadedAt   time.Time `json:"loaded_at"`
}

// Config configures a Registry
type Config struct {
	MatchThreshold float64
	EmbeddingDim   int
	Normalize      bool
}

type reference struct {
	identityID int64
	name       string
	vec        []float64
}

type snapshot struct {
	refs       []reference // load order
	identities []KnownIdentity
	summary    Summary
}

// Registry holds an immutable snapshot of known identities. Reload builds a
// new snapshot and swaps it in atomically, so Match never observes a partial
// load.
type Registry struct {
	source Source
	cfg    Config
	logger *logger.Logger
	snap   atomic.Pointer[snapshot]
}

// NewRegistry creates an empty registry
func NewRegistry(source Source, cfg Config, log *logger.Logger) *Registry {
	if cfg.MatchThreshold <= 0 {
		cfg.MatchThreshold = DefaultMatchThreshold
	}
	if cfg.EmbeddingDim <= 0 {
		cfg.EmbeddingDim = DefaultEmbeddingDim
	}
	if log == nil {
		log = logger.NewNopLogger()
	}

	r := &Registry{source: source, cfg: cfg, logger: log}
	r.snap.Store(&snapshot{})
	return r
}

// Reload loads the active identities from the source and replaces the
// current snapshot. On error the previous snapshot stays in place.
func (r *Registry) Reload(ctx context.Context) (Summary, error) {
	stored, err := r.source.ListActiveIdentities(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to list identities: %w", err)
	}

	next := &snapshot{}
	for _, si := range stored {
		known := KnownIdentity{ID: si.ID, Name: si.Name}
		for i, raw := range si.Embeddings {
			vec, err := DecodeEmbedding(raw, r.cfg.EmbeddingDim)
			if err != nil {
				next.summary.Invalid++
				r.logger.Warn("Skipping invalid embedding",
					"identity_id", si.ID,
					"index", i,
					"error", err,
				)
				continue
			}
			if r.cfg.Normalize {
				vec = Normalize(vec)
			}
			known.Embeddings = append(known.Embeddings, vec)
			next.refs = append(next.refs, reference{identityID: si.ID, name: si.Name, vec: vec})
		}
		if len(known.Embeddings) == 0 {
			r.logger.Warn("Identity has no usable embeddings", "identity_id", si.ID, "name", si.Name)
			continue
		}
		next.identities = append(next.identities, known)
	}

	next.summary.Identities = len(next.identities)
	next.summary.Embeddings = len(next.refs)
	next.summary.LoadedAt = time.Now()
	r.snap.Store(next)

	r.logger.Info("Identity registry reloaded",
		"identities", next.summary.Identities,
		"embeddings", next.summary.Embeddings,
		"invalid", next.summary.Invalid,
	)
	return next.summary, nil
}

// Match implements ai.IdentityMatcher. The nearest reference embedding wins
// if its distance is below the threshold; on equal distances the identity
// registered first wins.
func (r *Registry) Match(embedding []float64) (ai.IdentityMatch, bool) {
	if err := Validate(embedding, r.cfg.EmbeddingDim); err != nil {
		r.logger.Debug("Rejecting query embedding", "error", err)
		return ai.IdentityMatch{}, false
	}
	if r.cfg.Normalize {
		embedding = Normalize(embedding)
	}

	snap := r.snap.Load()
	best := -1
	bestDist := math.Inf(1)
	for i, ref := range snap.refs {
		if d := Distance(embedding, ref.vec); d < bestDist {
			best, bestDist = i, d
		}
	}

	if best < 0 || bestDist >= r.cfg.MatchThreshold {
		return ai.IdentityMatch{}, false
	}
	ref := snap.refs[best]
	return ai.IdentityMatch{IdentityID: ref.identityID, Name: ref.name, Distance: bestDist}, true
}

// Threshold returns the match threshold
func (r *Registry) Threshold() float64 {
	return r.cfg.MatchThreshold
}

// Summary returns the summary of the current snapshot
func (r *Registry) Summary() Summary {
	return r.snap.Load().summary
}

// Identities returns the identities of the current snapshot
func (r *Registry) Identities() []KnownIdentity {
	return r.snap.Load().identities
}
