package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"millow-back-onchain/gateway/chain"
	"millow-back-onchain/gateway/metadata"
	"millow-back-onchain/metrics"
	"millow-back-onchain/model"
)

// Policy はメタデータ取得失敗時の扱い
type Policy string

const (
	// PolicyAbort は最初の失敗でカタログ全体を失敗にする
	PolicyAbort Policy = "abort"
	// PolicyIsolate は失敗した物件を除外して残りを返す
	PolicyIsolate Policy = "isolate"
)

// MaxTotalSupply はカタログとして扱う totalSupply の上限
const MaxTotalSupply = 100_000

// preallocListings は一覧スライスの初期容量の上限
const preallocListings = 256

// Failure は除外された物件
type Failure struct {
	TokenID uint64 `json:"token_id"`
	URI     string `json:"uri,omitempty"`
	Error   string `json:"error"`
}

// Result は読み込んだカタログ
type Result struct {
	Listings []model.Listing `json:"listings"`
	Failures []Failure       `json:"failures,omitempty"`
}

// Service は物件一覧の読み込みと保持を担当
type Service struct {
	registry chain.RegistryReader
	fetcher  metadata.Fetcher
	policy   Policy
	logger   *slog.Logger

	mu      sync.RWMutex
	current *Result
	byID    map[uint64]int
}

// NewService は物件カタログを作成
func NewService(registry chain.RegistryReader, fetcher metadata.Fetcher, policy Policy, logger *slog.Logger) *Service {
	if policy == "" {
		policy = PolicyAbort
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		registry: registry,
		fetcher:  fetcher,
		policy:   policy,
		logger:   logger,
	}
}

// LoadAll は totalSupply を読み、トークンID 1..N のメタデータを昇順で取得する。
// 成功したら保持中のカタログを置き換える
func (s *Service) LoadAll(ctx context.Context) (*Result, error) {
	total, err := s.registry.TotalSupply(ctx)
	if err != nil {
		metrics.CatalogLoadsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if total > MaxTotalSupply {
		metrics.CatalogLoadsTotal.WithLabelValues("error").Inc()
		return nil, &model.ChainReadError{
			Method: "totalSupply",
			Err:    fmt.Errorf("total supply %d exceeds limit %d", total, MaxTotalSupply),
		}
	}

	result := &Result{Listings: make([]model.Listing, 0, min(total, preallocListings))}
	for id := uint64(1); id <= total; id++ {
		listing, err := s.loadOne(ctx, id)
		if err == nil {
			result.Listings = append(result.Listings, listing)
			continue
		}

		if s.policy != PolicyIsolate || ctx.Err() != nil {
			metrics.CatalogLoadsTotal.WithLabelValues("error").Inc()
			s.logger.Warn("catalog load aborted", "token_id", id, "error", err)
			return nil, err
		}

		s.logger.Warn("skipping listing", "token_id", id, "error", err)
		failure := Failure{TokenID: id, Error: err.Error()}
		var fe *model.MetadataFetchError
		if errors.As(err, &fe) {
			failure.URI = fe.URI
		}
		result.Failures = append(result.Failures, failure)
	}

	s.mu.Lock()
	s.current = result
	s.byID = make(map[uint64]int, len(result.Listings))
	for i, l := range result.Listings {
		s.byID[l.TokenID] = i
	}
	s.mu.Unlock()

	metrics.CatalogLoadsTotal.WithLabelValues("ok").Inc()
	metrics.CatalogSize.Set(float64(len(result.Listings)))
	s.logger.Info("catalog loaded", "total_supply", total, "listings", len(result.Listings), "failures", len(result.Failures))

	return result, nil
}

func (s *Service) loadOne(ctx context.Context, id uint64) (model.Listing, error) {
	uri, err := s.registry.TokenURI(ctx, id)
	if err != nil {
		return model.Listing{}, err
	}

	doc, err := s.fetcher.Fetch(ctx, uri)
	if err != nil {
		metrics.MetadataFetchesTotal.WithLabelValues("error").Inc()
		return model.Listing{}, &model.MetadataFetchError{TokenID: id, URI: uri, Err: err}
	}

	listing, err := BuildListing(id, uri, doc)
	if err != nil {
		metrics.MetadataFetchesTotal.WithLabelValues("invalid").Inc()
		return model.Listing{}, &model.MetadataFetchError{TokenID: id, URI: uri, Err: err}
	}

	metrics.MetadataFetchesTotal.WithLabelValues("ok").Inc()
	return listing, nil
}

// Current は保持中のカタログを返す。未読み込みなら nil
func (s *Service) Current() *Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Listing は保持中のカタログから1件を返す
func (s *Service) Listing(id uint64) (model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.current == nil {
		return model.Listing{}, fmt.Errorf("%w: catalog not loaded", model.ErrListingNotFound)
	}
	idx, ok := s.byID[id]
	if !ok {
		return model.Listing{}, fmt.Errorf("%w: token %d", model.ErrListingNotFound, id)
	}
	return s.current.Listings[idx], nil
}
