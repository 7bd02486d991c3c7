package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// ElasticsearchConfig holds Elasticsearch connection settings.
type ElasticsearchConfig struct {
	Addresses []string `yaml:"addresses" validate:"required,min=1,dive,url"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
	Index     string   `yaml:"index" validate:"required"`
}

// ElasticsearchIndex mirrors positions into an Elasticsearch index. Document
// ids are derived from plate and timestamp so re-mirroring overwrites.
type ElasticsearchIndex struct {
	client *elasticsearch.Client
	index  string
}

// OpenElasticsearch creates a client and checks that the cluster answers.
func OpenElasticsearch(ctx context.Context, cfg ElasticsearchConfig) (*ElasticsearchIndex, error) {
	esCfg := elasticsearch.Config{
		Addresses: cfg.Addresses,
	}
	if cfg.Username != "" {
		esCfg.Username = cfg.Username
		esCfg.Password = cfg.Password
	}

	client, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}

	res, err := client.Info(client.Info.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("ping elasticsearch: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("ping elasticsearch: %s", res.Status())
	}

	return &ElasticsearchIndex{client: client, index: cfg.Index}, nil
}

// Name identifies the mirror in logs.
func (e *ElasticsearchIndex) Name() string { return "elasticsearch" }

type esPosition struct {
	Plate     string     `json:"plate"`
	RouteID   int64      `json:"route_id,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	Location  [2]float64 `json:"location"` // [lon, lat] as geo_point.
	Speed     int        `json:"speed"`
	Heading   int        `json:"heading"`
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		Status int `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

// DocumentID returns the document id for a position.
func DocumentID(p Position) string {
	return p.Plate + "|" + strconv.FormatInt(p.Timestamp.Unix(), 10)
}

// MirrorPositions indexes positions with one bulk request.
func (e *ElasticsearchIndex) MirrorPositions(ctx context.Context, positions []Position) error {
	if len(positions) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, p := range positions {
		meta := map[string]any{
			"index": map[string]any{"_index": e.index, "_id": DocumentID(p)},
		}
		if err := enc.Encode(meta); err != nil {
			return fmt.Errorf("encode bulk metadata: %w", err)
		}
		doc := esPosition{
			Plate:     p.Plate,
			RouteID:   p.RouteID,
			Timestamp: p.Timestamp.UTC(),
			Location:  [2]float64{p.Longitude, p.Latitude},
			Speed:     p.Speed,
			Heading:   p.Heading,
		}
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encode bulk document: %w", err)
		}
	}

	req := esapi.BulkRequest{
		Index: e.index,
		Body:  bytes.NewReader(buf.Bytes()),
	}
	res, err := req.Do(ctx, e.client)
	if err != nil {
		return fmt.Errorf("bulk request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return fmt.Errorf("bulk request [%s]: %s", res.Status(), body)
	}

	var br bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&br); err != nil {
		return fmt.Errorf("decode bulk response: %w", err)
	}
	if !br.Errors {
		return nil
	}

	failed := 0
	var first string
	for _, item := range br.Items {
		for _, result := range item {
			if result.Error != nil {
				failed++
				if first == "" {
					first = result.Error.Type + ": " + result.Error.Reason
				}
			}
		}
	}
	return fmt.Errorf("bulk indexing failed for %d of %d positions (%s)", failed, len(positions), first)
}
