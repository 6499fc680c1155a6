package service

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"

	"golang.org/x/time/rate"

	commonlog "msg_rag/server/common/log"
)

const (
	DefaultEmbeddingDim     = 512
	defaultEmbeddingTimeout = 10 * time.Second
	localEmbeddingModel     = "local-hash-512"
)

type EmbeddingSource string

const (
	EmbeddingSourceRemote EmbeddingSource = "remote"
	EmbeddingSourceLocal  EmbeddingSource = "local"
)

// EmbeddingResult tells callers which path produced the vector.
type EmbeddingResult struct {
	Vector []float32
	Source EmbeddingSource
}

type RemoteEmbedder interface {
	EmbedRemote(ctx context.Context, text string) ([]float32, error)
	Model() string
}

type EmbeddingCache interface {
	Get(ctx context.Context, model, text string) ([]float32, bool)
	Set(ctx context.Context, model, text string, vector []float32)
}

type Embedder interface {
	Embed(ctx context.Context, text string) (EmbeddingResult, bool)
	Mode() string
	Model() string
}

type EmbeddingOptions struct {
	Dim     int
	Timeout time.Duration
	Remote  RemoteEmbedder
	Cache   EmbeddingCache
	Limiter *rate.Limiter
}

type EmbeddingProvider struct {
	dim     int
	timeout time.Duration
	remote  RemoteEmbedder
	cache   EmbeddingCache
	limiter *rate.Limiter
}

func NewEmbeddingProvider(opts EmbeddingOptions) *EmbeddingProvider {
	if opts.Dim <= 0 {
		opts.Dim = DefaultEmbeddingDim
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultEmbeddingTimeout
	}
	return &EmbeddingProvider{
		dim:     opts.Dim,
		timeout: opts.Timeout,
		remote:  opts.Remote,
		cache:   opts.Cache,
		limiter: opts.Limiter,
	}
}

func (p *EmbeddingProvider) Dim() int {
	return p.dim
}

func (p *EmbeddingProvider) Mode() string {
	if p.remote != nil {
		return "api"
	}
	return "local"
}

func (p *EmbeddingProvider) Model() string {
	if p.remote != nil {
		return p.remote.Model()
	}
	return localEmbeddingModel
}

// Embed never fails for non-empty text: any remote problem degrades to LocalEmbed.
// The second return is false only for blank input.
func (p *EmbeddingProvider) Embed(ctx context.Context, text string) (EmbeddingResult, bool) {
	if strings.TrimSpace(text) == "" {
		return EmbeddingResult{}, false
	}
	if p.remote == nil {
		return EmbeddingResult{Vector: LocalEmbed(text, p.dim), Source: EmbeddingSourceLocal}, true
	}

	model := p.remote.Model()
	if p.cache != nil {
		if vec, ok := p.cache.Get(ctx, model, text); ok && len(vec) == p.dim {
			return EmbeddingResult{Vector: vec, Source: EmbeddingSourceRemote}, true
		}
	}

	vec, err := p.embedRemote(ctx, text)
	if err != nil {
		commonlog.Warnf("event=rag_embed action=remote status=fallback model=%s err=%v", model, err)
		return EmbeddingResult{Vector: LocalEmbed(text, p.dim), Source: EmbeddingSourceLocal}, true
	}
	if p.cache != nil {
		p.cache.Set(ctx, model, text, vec)
	}
	return EmbeddingResult{Vector: vec, Source: EmbeddingSourceRemote}, true
}

func (p *EmbeddingProvider) embedRemote(ctx context.Context, text string) ([]float32, error) {
	if p.limiter != nil && !p.limiter.Allow() {
		return nil, fmt.Errorf("%w: rate limited", ErrEmbeddingUnavailable)
	}
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	vec, err := p.remote.EmbedRemote(callCtx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}
	if len(vec) != p.dim {
		return nil, fmt.Errorf("%w: dimension %d, want %d", ErrEmbeddingUnavailable, len(vec), p.dim)
	}
	for _, v := range vec {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, fmt.Errorf("%w: non-finite component", ErrEmbeddingUnavailable)
		}
	}
	return vec, nil
}

// LocalEmbed is a deterministic bag-of-characters plus hashed-token embedding,
// L2-normalised. Similar strings land close together; it needs no network.
func LocalEmbed(text string, dim int) []float32 {
	if dim <= 0 {
		dim = DefaultEmbeddingDim
	}
	vec := make([]float64, dim)
	normalized := strings.ToLower(strings.TrimSpace(text))

	pos := 0
	for _, r := range normalized {
		idx := (int64(r) * int64(pos+1)) % int64(dim)
		vec[idx] += 1
		pos++
	}

	for _, word := range strings.FieldsFunc(normalized, unicode.IsSpace) {
		idx := absInt64(int64(tokenHash(word))) % int64(dim)
		vec[idx] += 2
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)

	out := make([]float32, dim)
	for i, v := range vec {
		if norm > 0 {
			v /= norm
		}
		out[i] = float32(v)
	}
	return out
}

// tokenHash is the 31-multiplier string hash with int32 wraparound.
func tokenHash(word string) int32 {
	var h int32
	for _, r := range word {
		h = h*31 + int32(r)
	}
	return h
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
