// Package es 提供了与 Elasticsearch 交互的客户端功能，作为分块记录的远程索引。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"teki-go/internal/config"
	"teki-go/internal/model"
	"teki-go/pkg/log"
)

// indexMapping 描述分块文档的字段类型，正文使用巴西葡萄牙语分析器。
const indexMapping = `{
	"mappings": {
		"properties": {
			"objectID": { "type": "keyword" },
			"solution_id": { "type": "keyword" },
			"title": { "type": "text", "analyzer": "brazilian" },
			"description": { "type": "text", "analyzer": "brazilian" },
			"category": { "type": "keyword" },
			"tags": { "type": "keyword" },
			"related_systems": { "type": "keyword" },
			"criticality": { "type": "keyword" },
			"content": { "type": "text", "analyzer": "brazilian" },
			"chunk_index": { "type": "integer" },
			"total_chunks": { "type": "integer" },
			"author": { "type": "keyword" },
			"created_at": { "type": "date" },
			"file_url": { "type": "keyword", "index": false },
			"file_type": { "type": "keyword" },
			"source_type": { "type": "keyword" }
		}
	}
}`

// Client 封装了某个索引上的批量写入与删除。
type Client struct {
	es        *elasticsearch.Client
	indexName string
}

// NewClient 根据配置创建 Elasticsearch 客户端。Addresses 支持逗号分隔的多个地址。
func NewClient(esCfg config.ElasticsearchConfig) (*Client, error) {
	var addresses []string
	for _, addr := range strings.Split(esCfg.Addresses, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			addresses = append(addresses, addr)
		}
	}
	cfg := elasticsearch.Config{
		Addresses: addresses,
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("创建 Elasticsearch 客户端失败: %w", err)
	}
	return &Client{es: client, indexName: esCfg.IndexName}, nil
}

// EnsureIndex 检查索引是否存在，如果不存在则创建它
func (c *Client) EnsureIndex(ctx context.Context) error {
	res, err := c.es.Indices.Exists([]string{c.indexName}, c.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		log.Errorf("检查索引是否存在时出错: %v", err)
		return err
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		log.Infof("索引 '%s' 已存在", c.indexName)
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("检查索引 '%s' 是否存在时收到意外的状态码: %d", c.indexName, res.StatusCode)
	}

	res, err = c.es.Indices.Create(
		c.indexName,
		c.es.Indices.Create.WithBody(strings.NewReader(indexMapping)),
		c.es.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		log.Errorf("创建索引 '%s' 失败: %v", c.indexName, err)
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		log.Errorf("创建索引 '%s' 时 Elasticsearch 返回错误: %s", c.indexName, res.String())
		return errors.New("创建索引时 Elasticsearch 返回错误")
	}

	log.Infof("索引 '%s' 创建成功", c.indexName)
	return nil
}

// bulkResponse 是 _bulk 接口响应中我们需要的部分。
type bulkResponse struct {
	Errors bool                          `json:"errors"`
	Items  []map[string]bulkItemResponse `json:"items"`
}

type bulkItemResponse struct {
	ID     string `json:"_id"`
	Status int    `json:"status"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error,omitempty"`
}

// SaveObjects 在一次 _bulk 请求中写入全部分块记录，以 objectID 作为文档 ID（覆盖写）。
func (c *Client) SaveObjects(ctx context.Context, records []model.IndexedChunkRecord) error {
	if len(records) == 0 {
		return nil
	}
	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, rec := range records {
		if err := enc.Encode(map[string]any{"index": map[string]string{"_id": rec.ObjectID}}); err != nil {
			return err
		}
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("序列化分块 %s 失败: %w", rec.ObjectID, err)
		}
	}
	return c.bulk(ctx, &body, false)
}

// DeleteObjects 在一次 _bulk 请求中按 ID 删除文档，不存在的文档不视为错误。
func (c *Client) DeleteObjects(ctx context.Context, objectIDs []string) error {
	if len(objectIDs) == 0 {
		return nil
	}
	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, id := range objectIDs {
		if err := enc.Encode(map[string]any{"delete": map[string]string{"_id": id}}); err != nil {
			return err
		}
	}
	return c.bulk(ctx, &body, true)
}

func (c *Client) bulk(ctx context.Context, body io.Reader, ignoreNotFound bool) error {
	req := esapi.BulkRequest{
		Index:   c.indexName,
		Body:    body,
		Refresh: "true",
	}
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return fmt.Errorf("请求 Elasticsearch _bulk 失败: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("Elasticsearch _bulk 返回错误: %s", res.String())
	}

	var parsed bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("解析 _bulk 响应失败: %w", err)
	}
	if !parsed.Errors {
		return nil
	}

	var failed []string
	for _, item := range parsed.Items {
		for action, result := range item {
			if result.Status < 300 {
				continue
			}
			if ignoreNotFound && result.Status == http.StatusNotFound {
				continue
			}
			reason := http.StatusText(result.Status)
			if result.Error != nil {
				reason = result.Error.Type + ": " + result.Error.Reason
			}
			failed = append(failed, fmt.Sprintf("%s %s (%s)", action, result.ID, reason))
		}
	}
	if len(failed) == 0 {
		return nil
	}
	log.Errorf("Elasticsearch _bulk 部分失败: %v", failed)
	return fmt.Errorf("%d operacoes falharam no indice remoto: %s", len(failed), strings.Join(failed, "; "))
}
