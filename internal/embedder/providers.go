package embedder

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/dshills/tagindex/pkg/types"
)

// Provider configuration
const (
	ProviderJina   = "jina"
	ProviderOpenAI = "openai"
	ProviderLocal  = "local"

	// Default models
	DefaultJinaModel   = "jina-embeddings-v3"
	DefaultOpenAIModel = string(openai.SmallEmbedding3)
	DefaultLocalModel  = "local-hash-v1"

	// Dimensions
	JinaDimension   = 1024
	OpenAIDimension = 1536
	LocalDimension  = 384

	// Batch limits
	DefaultBatchSize    = 50
	DefaultMaxBatchSize = 100

	// Retry configuration
	MaxRetries            = 3
	InitialBackoffMs      = 100
	MaxBackoffMs          = 5000
	BackoffMultiplier     = 2.0
	DefaultJitterFraction = 0.2

	DefaultJinaBaseURL = "https://api.jina.ai/v1"
)

// Option configures a provider
type Option func(*client)

// WithCache enables the text-hash cache
func WithCache(c *Cache) Option {
	return func(cl *client) { cl.cache = c }
}

// WithRateLimit bounds API calls per second; rps <= 0 disables the limit
func WithRateLimit(rps float64, burst int) Option {
	return func(cl *client) {
		if rps <= 0 {
			cl.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		cl.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithRetry overrides the backoff policy
func WithRetry(cfg RetryConfig) Option {
	return func(cl *client) { cl.retry = cfg.withDefaults() }
}

// WithBaseURL points a remote provider at another endpoint
func WithBaseURL(url string) Option {
	return func(cl *client) { cl.baseURL = strings.TrimRight(url, "/") }
}

// WithModel overrides the default model
func WithModel(model string) Option {
	return func(cl *client) { cl.model = model }
}

// WithMaxBatchSize overrides the declared batch ceiling
func WithMaxBatchSize(n int) Option {
	return func(cl *client) {
		if n > 0 {
			cl.maxBatch = n
		}
	}
}

// WithLogger sets the logger used for retries
func WithLogger(l zerolog.Logger) Option {
	return func(cl *client) { cl.logger = l }
}

// WithRetryHook is called once per retry, for metrics
func WithRetryHook(fn func(provider string)) Option {
	return func(cl *client) { cl.onRetry = fn }
}

// client carries what every provider shares: cache, limiter and retries
type client struct {
	provider string
	model    string
	baseURL  string
	maxBatch int
	cache    *Cache
	limiter  *rate.Limiter
	retry    RetryConfig
	logger   zerolog.Logger
	onRetry  func(provider string)
}

func newClient(provider, model string, opts []Option) client {
	cl := client{
		provider: provider,
		model:    model,
		maxBatch: DefaultMaxBatchSize,
		limiter:  rate.NewLimiter(rate.Inf, 0),
		retry:    DefaultRetryConfig(),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&cl)
	}
	return cl
}

type callFunc func(ctx context.Context, texts []string, model string) ([]*Embedding, error)

// embedBatch serves cached texts locally and sends the rest to call in one
// rate-limited, retried request
func (cl *client) embedBatch(ctx context.Context, req BatchEmbeddingRequest, call callFunc) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req, cl.maxBatch); err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = cl.model
	}

	out := make([]*Embedding, len(req.Texts))
	missIndex := make(map[string][]int)
	var misses []string
	for i, text := range req.Texts {
		hash := ComputeHash(text)
		if cl.cache != nil {
			if emb, ok := cl.cache.Get(hash); ok && emb.Model == model {
				out[i] = emb
				continue
			}
		}
		if _, dup := missIndex[hash]; !dup {
			misses = append(misses, text)
		}
		missIndex[hash] = append(missIndex[hash], i)
	}

	if len(misses) > 0 {
		hook := func(attempt int, wait time.Duration, err error) {
			cl.logger.Debug().
				Str("provider", cl.provider).
				Int("attempt", attempt).
				Dur("wait", wait).
				Err(err).
				Msg("retrying embedding batch")
			if cl.onRetry != nil {
				cl.onRetry(cl.provider)
			}
		}
		embeddings, err := retryWithBackoff(ctx, cl.retry, hook, func() ([]*Embedding, error) {
			if err := cl.limiter.Wait(ctx); err != nil {
				return nil, err
			}
			return call(ctx, misses, model)
		})
		if err != nil {
			return nil, fmt.Errorf("%s batch of %d: %w", cl.provider, len(misses), err)
		}
		if len(embeddings) != len(misses) {
			return nil, &types.PermanentItemError{
				Err: fmt.Errorf("%w: got %d embeddings for %d texts", ErrProviderFailed, len(embeddings), len(misses)),
			}
		}

		for i, emb := range embeddings {
			hash := ComputeHash(misses[i])
			emb.Hash = hash
			if cl.cache != nil {
				cl.cache.Set(hash, emb)
			}
			for _, idx := range missIndex[hash] {
				out[idx] = cloneEmbedding(emb)
			}
		}
	}

	return &BatchEmbeddingResponse{
		Embeddings: out,
		Provider:   cl.provider,
		Model:      model,
	}, nil
}

func (cl *client) embedOne(ctx context.Context, req EmbeddingRequest, batch func(context.Context, BatchEmbeddingRequest) (*BatchEmbeddingResponse, error)) (*Embedding, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	resp, err := batch(ctx, BatchEmbeddingRequest{Texts: []string{req.Text}, Model: req.Model})
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("%w: no embeddings returned", ErrProviderFailed)
	}
	return resp.Embeddings[0], nil
}

// JinaProvider implements Embedder using Jina AI API
type JinaProvider struct {
	client
	apiKey     string
	httpClient *http.Client
}

// NewJinaProvider creates a new Jina AI embedder
func NewJinaProvider(apiKey string, opts ...Option) (*JinaProvider, error) {
	if apiKey == "" {
		apiKey = os.Getenv(EnvJinaAPIKey)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: %s not set", ErrNoProviderEnabled, EnvJinaAPIKey)
	}

	cl := newClient(ProviderJina, DefaultJinaModel, opts)
	if cl.baseURL == "" {
		cl.baseURL = DefaultJinaBaseURL
	}
	return &JinaProvider{
		client: cl,
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

func (j *JinaProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	return j.embedOne(ctx, req, j.GenerateBatch)
}

func (j *JinaProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	return j.embedBatch(ctx, req, j.callAPI)
}

func (j *JinaProvider) callAPI(ctx context.Context, texts []string, model string) ([]*Embedding, error) {
	body, err := json.Marshal(map[string]any{
		"input": texts,
		"model": model,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+j.apiKey)

	resp, err := j.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(ctx, "embed", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyStatus("embed", resp.StatusCode,
			fmt.Errorf("api error %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes))))
	}

	var apiResp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
		Model string `json:"model"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, classifyTransport(ctx, "embed", fmt.Errorf("decode response: %w", err))
	}

	sort.SliceStable(apiResp.Data, func(a, b int) bool {
		return apiResp.Data[a].Index < apiResp.Data[b].Index
	})
	embeddings := make([]*Embedding, len(apiResp.Data))
	for i, data := range apiResp.Data {
		embeddings[i] = &Embedding{
			Vector:    data.Embedding,
			Dimension: len(data.Embedding),
			Provider:  ProviderJina,
			Model:     model,
		}
	}
	return embeddings, nil
}

func (j *JinaProvider) MaxBatchSize() int { return j.maxBatch }

func (j *JinaProvider) Dimension() int {
	return JinaDimension
}

func (j *JinaProvider) Provider() string {
	return ProviderJina
}

func (j *JinaProvider) Model() string {
	return j.model
}

func (j *JinaProvider) Close() error {
	j.httpClient.CloseIdleConnections()
	return nil
}

// OpenAIProvider implements Embedder on the go-openai client
type OpenAIProvider struct {
	client
	api *openai.Client
}

// NewOpenAIProvider creates a new OpenAI embedder
func NewOpenAIProvider(apiKey string, opts ...Option) (*OpenAIProvider, error) {
	if apiKey == "" {
		apiKey = os.Getenv(EnvOpenAIAPIKey)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: %s not set", ErrNoProviderEnabled, EnvOpenAIAPIKey)
	}

	cl := newClient(ProviderOpenAI, DefaultOpenAIModel, opts)
	apiCfg := openai.DefaultConfig(apiKey)
	if cl.baseURL != "" {
		apiCfg.BaseURL = cl.baseURL
	}
	apiCfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}

	return &OpenAIProvider{
		client: cl,
		api:    openai.NewClientWithConfig(apiCfg),
	}, nil
}

func (o *OpenAIProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	return o.embedOne(ctx, req, o.GenerateBatch)
}

func (o *OpenAIProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	return o.embedBatch(ctx, req, o.callAPI)
}

func (o *OpenAIProvider) callAPI(ctx context.Context, texts []string, model string) ([]*Embedding, error) {
	resp, err := o.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(model),
	})
	if err != nil {
		return nil, classifyOpenAI(ctx, err)
	}

	data := resp.Data
	sort.SliceStable(data, func(a, b int) bool { return data[a].Index < data[b].Index })
	embeddings := make([]*Embedding, len(data))
	for i, d := range data {
		embeddings[i] = &Embedding{
			Vector:    d.Embedding,
			Dimension: len(d.Embedding),
			Provider:  ProviderOpenAI,
			Model:     model,
		}
	}
	return embeddings, nil
}

func classifyOpenAI(ctx context.Context, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return classifyStatus("embed", apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return classifyStatus("embed", reqErr.HTTPStatusCode, err)
	}
	return classifyTransport(ctx, "embed", err)
}

func (o *OpenAIProvider) MaxBatchSize() int { return o.maxBatch }

func (o *OpenAIProvider) Dimension() int {
	return OpenAIDimension
}

func (o *OpenAIProvider) Provider() string {
	return ProviderOpenAI
}

func (o *OpenAIProvider) Model() string {
	return o.model
}

func (o *OpenAIProvider) Close() error {
	return nil
}

// LocalProvider derives deterministic unit vectors from text hashes. It makes
// no network calls and is used offline and in tests.
type LocalProvider struct {
	client
}

// NewLocalProvider creates a new local embedder
func NewLocalProvider(opts ...Option) (*LocalProvider, error) {
	return &LocalProvider{client: newClient(ProviderLocal, DefaultLocalModel, opts)}, nil
}

func (l *LocalProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	return l.embedOne(ctx, req, l.GenerateBatch)
}

func (l *LocalProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	return l.embedBatch(ctx, req, func(ctx context.Context, texts []string, model string) ([]*Embedding, error) {
		out := make([]*Embedding, len(texts))
		for i, text := range texts {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			out[i] = &Embedding{
				Vector:    hashVector(text, LocalDimension),
				Dimension: LocalDimension,
				Provider:  ProviderLocal,
				Model:     model,
			}
		}
		return out, nil
	})
}

// hashVector expands SHA-256 blocks of text into a unit vector of dim values
func hashVector(text string, dim int) []float32 {
	v := make([]float32, dim)
	var counter [4]byte
	for i := 0; i < dim; i += sha256.Size {
		binary.BigEndian.PutUint32(counter[:], uint32(i))
		block := sha256.Sum256(append(counter[:], text...))
		for j := 0; j < sha256.Size && i+j < dim; j++ {
			v[i+j] = float32(block[j])/127.5 - 1
		}
	}
	return NormalizeVector(v)
}

func (l *LocalProvider) MaxBatchSize() int { return l.maxBatch }

func (l *LocalProvider) Dimension() int {
	return LocalDimension
}

func (l *LocalProvider) Provider() string {
	return ProviderLocal
}

func (l *LocalProvider) Model() string {
	return l.model
}

func (l *LocalProvider) Close() error {
	return nil
}

// NormalizeVector normalizes a vector to unit length (for cosine similarity)
func NormalizeVector(v []float32) []float32 {
	var sum float64
	for _, val := range v {
		sum += float64(val * val)
	}

	if sum == 0 {
		return v
	}

	norm := float32(math.Sqrt(sum))
	result := make([]float32, len(v))
	for i, val := range v {
		result[i] = val / norm
	}

	return result
}
