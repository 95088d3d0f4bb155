package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"millow-back-onchain/model"
)

// maxBodyBytes はメタデータJSONの上限
const maxBodyBytes = 1 << 20

// Document は tokenURI が指すメタデータJSON
type Document struct {
	Name        string            `json:"name"`
	Address     string            `json:"address"`
	Description string            `json:"description"`
	Image       string            `json:"image"`
	Attributes  []model.Attribute `json:"attributes"`
}

// Fetcher はメタデータの取得を担当
type Fetcher interface {
	Fetch(ctx context.Context, uri string) (*Document, error)
}

// HTTPFetcher はHTTP GETでメタデータを取得する実装
type HTTPFetcher struct {
	http        *retryablehttp.Client
	ipfsGateway string
}

var _ Fetcher = (*HTTPFetcher)(nil)

// NewHTTPFetcher は一時的な失敗を数回リトライするクライアントを作成
func NewHTTPFetcher(timeout time.Duration, ipfsGateway string, logger *slog.Logger) *HTTPFetcher {
	rc := retryablehttp.NewClient()
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 900 * time.Millisecond
	rc.RetryMax = 3
	rc.HTTPClient.Timeout = timeout
	if logger != nil {
		rc.Logger = logger
	} else {
		rc.Logger = nil
	}

	return &HTTPFetcher{
		http:        rc,
		ipfsGateway: ipfsGateway,
	}
}

// ResolveURI は ipfs:// をHTTPゲートウェイのURLに変換する
func (f *HTTPFetcher) ResolveURI(uri string) string {
	if rest, ok := strings.CutPrefix(uri, "ipfs://"); ok && f.ipfsGateway != "" {
		rest = strings.TrimPrefix(rest, "ipfs/")
		return strings.TrimSuffix(f.ipfsGateway, "/") + "/" + rest
	}
	return uri
}

// Fetch はメタデータを取得してデコードする
func (f *HTTPFetcher) Fetch(ctx context.Context, uri string) (*Document, error) {
	if strings.TrimSpace(uri) == "" {
		return nil, errors.New("empty metadata uri")
	}
	url := f.ResolveURI(uri)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("metadata server returned status %d", resp.StatusCode)
	}

	var doc Document
	dec := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes))
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &doc, nil
}
