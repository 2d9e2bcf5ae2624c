package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"

	"abusedesk/backend/internal/config"
	"abusedesk/backend/internal/domain"
)

// ErrDisabled 未配置搜索集群
var ErrDisabled = errors.New("search is disabled")

// Client Elasticsearch 客户端
type Client struct {
	es     *elasticsearch.Client
	prefix string
	log    *zap.Logger
}

// NewClient 根据配置创建 Elasticsearch 客户端
func NewClient(cfg *config.SearchConfig, log *zap.Logger) (*Client, error) {
	if len(cfg.Addresses) == 0 {
		return nil, ErrDisabled
	}

	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	return &Client{
		es:     es,
		prefix: cfg.IndexPrefix,
		log:    log.Named("search"),
	}, nil
}

// IndexName 返回逻辑索引对应的实际索引名
func (c *Client) IndexName(kind string) string {
	return c.prefix + kind
}

// EnsureIndices 创建缺失的索引，已存在时不做任何修改
func (c *Client) EnsureIndices(ctx context.Context) error {
	for _, kind := range []string{IndexMessages, IndexTickets} {
		name := c.IndexName(kind)

		res, err := c.es.Indices.Exists([]string{name}, c.es.Indices.Exists.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("check index %s: %w", name, err)
		}
		res.Body.Close()
		if res.StatusCode == http.StatusOK {
			continue
		}

		res, err = c.es.Indices.Create(name,
			c.es.Indices.Create.WithContext(ctx),
			c.es.Indices.Create.WithBody(strings.NewReader(mappingFor(kind))),
		)
		if err != nil {
			return fmt.Errorf("create index %s: %w", name, err)
		}
		err = checkResponse(res, "create index "+name)
		if err != nil && !strings.Contains(err.Error(), "resource_already_exists_exception") {
			return err
		}
		c.log.Info("search index ready", zap.String("index", name))
	}
	return nil
}

// Index 写入（覆盖）文档
func (c *Client) Index(ctx context.Context, kind, id string, doc interface{}) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	res, err := c.es.Index(c.IndexName(kind), bytes.NewReader(body),
		c.es.Index.WithContext(ctx),
		c.es.Index.WithDocumentID(id),
	)
	if err != nil {
		return fmt.Errorf("index document %s: %w", id, err)
	}
	return checkResponse(res, "index document "+id)
}

// Update 局部更新文档，文档不存在时按 upsert 写入
func (c *Client) Update(ctx context.Context, kind, id string, partial interface{}) error {
	body, err := json.Marshal(map[string]interface{}{
		"doc":           partial,
		"doc_as_upsert": true,
	})
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	res, err := c.es.Update(c.IndexName(kind), id, bytes.NewReader(body),
		c.es.Update.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("update document %s: %w", id, err)
	}
	return checkResponse(res, "update document "+id)
}

// Delete 删除文档，文档不存在视为成功
func (c *Client) Delete(ctx context.Context, kind, id string) error {
	res, err := c.es.Delete(c.IndexName(kind), id, c.es.Delete.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	return checkResponse(res, "delete document "+id, http.StatusNotFound)
}

// Ping 检查集群连通性
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return err
	}
	return checkResponse(res, "ping")
}

// SearchMessages 搜索邮件
func (c *Client) SearchMessages(ctx context.Context, criteria domain.MessageSearchCriteria) (*domain.MessageSearchResult, error) {
	var resp searchResponse[domain.MessageDocument]
	if err := c.search(ctx, IndexMessages, buildMessageQuery(criteria), &resp); err != nil {
		return nil, err
	}

	offset, size := domain.NormalizePaging(criteria.Offset, criteria.Size)
	return &domain.MessageSearchResult{
		Hits:   resp.sources(),
		Total:  resp.Hits.Total.Value,
		Offset: offset,
		Size:   size,
	}, nil
}

// SearchTickets 搜索工单
func (c *Client) SearchTickets(ctx context.Context, criteria domain.TicketSearchCriteria) (*domain.TicketSearchResult, error) {
	var resp searchResponse[domain.TicketDocument]
	if err := c.search(ctx, IndexTickets, buildTicketQuery(criteria), &resp); err != nil {
		return nil, err
	}

	offset, size := domain.NormalizePaging(criteria.Offset, criteria.Size)
	return &domain.TicketSearchResult{
		Hits:   resp.sources(),
		Total:  resp.Hits.Total.Value,
		Offset: offset,
		Size:   size,
	}, nil
}

type searchResponse[T any] struct {
	Hits struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []struct {
			Source T `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func (r *searchResponse[T]) sources() []T {
	out := make([]T, 0, len(r.Hits.Hits))
	for _, hit := range r.Hits.Hits {
		out = append(out, hit.Source)
	}
	return out
}

func (c *Client) search(ctx context.Context, kind string, q query, out interface{}) error {
	body, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("encode query: %w", err)
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.IndexName(kind)),
		c.es.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return fmt.Errorf("search %s: %w", kind, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return responseError(res, "search "+kind)
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode search response: %w", err)
	}
	return nil
}

// checkResponse 关闭响应体并将错误状态转换为 error，allowed 中的状态码视为成功
func checkResponse(res *esapi.Response, op string, allowed ...int) error {
	defer res.Body.Close()
	if !res.IsError() {
		return nil
	}
	for _, code := range allowed {
		if res.StatusCode == code {
			return nil
		}
	}
	return responseError(res, op)
}

func responseError(res *esapi.Response, op string) error {
	detail, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
	return fmt.Errorf("%s: status %d: %s", op, res.StatusCode, strings.TrimSpace(string(detail)))
}
