// Copyright 2025 Magpie Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vector

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// QdrantConfig configures the Qdrant provider.
type QdrantConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port,omitempty"`
	APIKey string `yaml:"api_key,omitempty"`
	UseTLS bool   `yaml:"use_tls,omitempty"`
}

// SetDefaults applies default values.
func (c *QdrantConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
}

// Validate checks the configuration.
func (c *QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("qdrant host is required")
	}
	return nil
}

// QdrantProvider stores points in a Qdrant server over gRPC.
//
// Qdrant point ids must be UUIDs or integers, so logical string ids are
// mapped to deterministic MD5 UUIDs; the logical id lives in the payload
// under "id" and is restored on reads. Scroll continuation tokens are the
// internal UUID of the next page's first point.
type QdrantProvider struct {
	client *qdrant.Client
}

// NewQdrantProvider connects to a Qdrant server.
func NewQdrantProvider(cfg QdrantConfig) (*QdrantProvider, error) {
	cfg.SetDefaults()
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Qdrant client: %w", err)
	}
	return &QdrantProvider{client: client}, nil
}

// pointUUID derives the deterministic Qdrant point id for a logical id.
func pointUUID(id string) string {
	return uuid.NewMD5(uuid.Nil, []byte(id)).String()
}

func pointIDs(ids []string) []*qdrant.PointId {
	out := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		out[i] = &qdrant.PointId{PointIdOptions: &qdrant.PointId_Uuid{Uuid: pointUUID(id)}}
	}
	return out
}

func (p *QdrantProvider) EnsureCollection(ctx context.Context, collection string, vectorSize int) error {
	exists, err := p.client.CollectionExists(ctx, collection)
	if err != nil {
		return fmt.Errorf("failed to check if collection exists: %w", err)
	}
	if exists {
		return nil
	}

	err = p.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(vectorSize),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

func (p *QdrantProvider) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	structs := make([]*qdrant.PointStruct, 0, len(points))
	for _, pt := range points {
		payload, err := toQdrantPayload(pt.Metadata)
		if err != nil {
			return err
		}
		if _, ok := payload["id"]; !ok {
			idVal, err := qdrant.NewValue(pt.ID)
			if err != nil {
				return fmt.Errorf("failed to convert point id: %w", err)
			}
			payload["id"] = idVal
		}
		structs = append(structs, &qdrant.PointStruct{
			Id:      qdrant.NewID(pointUUID(pt.ID)),
			Vectors: qdrant.NewVectors(pt.Vector...),
			Payload: payload,
		})
	}

	_, err := p.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         structs,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}
	return nil
}

func (p *QdrantProvider) Get(ctx context.Context, collection string, ids []string, withVectors bool) ([]Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	resp, err := p.client.GetPointsClient().Get(ctx, &qdrant.GetPoints{
		CollectionName: collection,
		Ids:            pointIDs(ids),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(withVectors),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get points: %w", err)
	}

	records := make([]Record, 0, len(resp.Result))
	for _, pt := range resp.Result {
		records = append(records, retrievedToRecord(pt))
	}
	return records, nil
}

func (p *QdrantProvider) SetMetadata(ctx context.Context, collection string, id string, fields map[string]any) error {
	payload, err := toQdrantPayload(fields)
	if err != nil {
		return err
	}

	_, err = p.client.GetPointsClient().SetPayload(ctx, &qdrant.SetPayloadPoints{
		CollectionName: collection,
		Payload:        payload,
		PointsSelector: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs([]string{id})},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to set payload for %s: %w", id, err)
	}
	return nil
}

func (p *QdrantProvider) Search(ctx context.Context, collection string, vector []float32, topK int, filter Filter) ([]Result, error) {
	req := &qdrant.SearchPoints{
		CollectionName: collection,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if !filter.IsZero() {
		req.Filter = buildQdrantFilter(filter)
	}

	resp, err := p.client.GetPointsClient().Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to search points: %w", err)
	}

	results := make([]Result, 0, len(resp.Result))
	for _, pt := range resp.Result {
		meta := payloadToMap(pt.Payload)
		results = append(results, Result{
			ID:       logicalID(meta, pt.Id),
			Score:    pt.Score,
			Metadata: meta,
		})
	}
	return results, nil
}

func (p *QdrantProvider) Scroll(ctx context.Context, collection string, filter Filter, limit int, offset string) ([]Record, string, error) {
	limit32 := uint32(limit)
	req := &qdrant.ScrollPoints{
		CollectionName: collection,
		Limit:          &limit32,
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(false),
	}
	if !filter.IsZero() {
		req.Filter = buildQdrantFilter(filter)
	}
	if offset != "" {
		req.Offset = &qdrant.PointId{PointIdOptions: &qdrant.PointId_Uuid{Uuid: offset}}
	}

	resp, err := p.client.GetPointsClient().Scroll(ctx, req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to scroll points: %w", err)
	}

	records := make([]Record, 0, len(resp.Result))
	for _, pt := range resp.Result {
		records = append(records, retrievedToRecord(pt))
	}

	next := ""
	if resp.NextPageOffset != nil {
		if u, ok := resp.NextPageOffset.PointIdOptions.(*qdrant.PointId_Uuid); ok {
			next = u.Uuid
		}
	}
	return records, next, nil
}

func (p *QdrantProvider) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := p.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs(ids)},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete points from collection %s: %w", collection, err)
	}
	return nil
}

func (p *QdrantProvider) DeleteByFilter(ctx context.Context, collection string, filter Filter) error {
	_, err := p.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: buildQdrantFilter(filter),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete points by filter from collection %s: %w", collection, err)
	}
	return nil
}

func (p *QdrantProvider) Count(ctx context.Context, collection string) (uint64, error) {
	exact := true
	resp, err := p.client.GetPointsClient().Count(ctx, &qdrant.CountPoints{
		CollectionName: collection,
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count points: %w", err)
	}
	if resp.Result == nil {
		return 0, nil
	}
	return resp.Result.Count, nil
}

func (p *QdrantProvider) DeleteCollection(ctx context.Context, collection string) error {
	if err := p.client.DeleteCollection(ctx, collection); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	return nil
}

func (p *QdrantProvider) Name() string { return "qdrant" }

func (p *QdrantProvider) Close() error {
	return p.client.Close()
}

// buildQdrantFilter translates the provider-neutral filter into Qdrant
// conditions. Contains terms use full-text match, which requires a text
// index on the field for large collections.
func buildQdrantFilter(filter Filter) *qdrant.Filter {
	conditions := make([]*qdrant.Condition, 0, len(filter.Equals)+len(filter.Ranges))

	for key, value := range filter.Equals {
		var match *qdrant.Match
		switch v := value.(type) {
		case bool:
			match = &qdrant.Match{MatchValue: &qdrant.Match_Boolean{Boolean: v}}
		case int:
			match = &qdrant.Match{MatchValue: &qdrant.Match_Integer{Integer: int64(v)}}
		case int64:
			match = &qdrant.Match{MatchValue: &qdrant.Match_Integer{Integer: v}}
		case string:
			match = &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: v}}
		default:
			match = &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: fmt.Sprint(v)}}
		}
		conditions = append(conditions, fieldCondition(key, match, nil))
	}

	for _, r := range filter.Ranges {
		conditions = append(conditions, fieldCondition(r.Key, nil, &qdrant.Range{
			Gte: r.GTE,
			Lte: r.LTE,
		}))
	}

	for key, terms := range filter.Contains {
		for _, term := range terms {
			match := &qdrant.Match{MatchValue: &qdrant.Match_Text{Text: term}}
			conditions = append(conditions, fieldCondition(key, match, nil))
		}
	}

	return &qdrant.Filter{Must: conditions}
}

func fieldCondition(key string, match *qdrant.Match, rng *qdrant.Range) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key:   key,
				Match: match,
				Range: rng,
			},
		},
	}
}

func toQdrantPayload(metadata map[string]any) (map[string]*qdrant.Value, error) {
	payload := make(map[string]*qdrant.Value, len(metadata))
	for key, value := range metadata {
		val, err := qdrant.NewValue(value)
		if err != nil {
			return nil, fmt.Errorf("failed to convert metadata value for key %s: %w", key, err)
		}
		payload[key] = val
	}
	return payload, nil
}

func payloadToMap(payload map[string]*qdrant.Value) map[string]any {
	metadata := make(map[string]any, len(payload))
	for key, value := range payload {
		metadata[key] = qdrantValue(value)
	}
	return metadata
}

func qdrantValue(value *qdrant.Value) any {
	switch v := value.Kind.(type) {
	case *qdrant.Value_StringValue:
		return v.StringValue
	case *qdrant.Value_IntegerValue:
		return v.IntegerValue
	case *qdrant.Value_DoubleValue:
		return v.DoubleValue
	case *qdrant.Value_BoolValue:
		return v.BoolValue
	case *qdrant.Value_ListValue:
		if v.ListValue == nil {
			return nil
		}
		list := make([]any, len(v.ListValue.Values))
		for i, item := range v.ListValue.Values {
			list[i] = qdrantValue(item)
		}
		return list
	default:
		return value
	}
}

func retrievedToRecord(pt *qdrant.RetrievedPoint) Record {
	meta := payloadToMap(pt.Payload)

	var vec []float32
	if pt.Vectors != nil {
		if vectorData := pt.Vectors.GetVector(); vectorData != nil {
			if dense, ok := vectorData.Vector.(*qdrant.VectorOutput_Dense); ok && dense.Dense != nil {
				vec = dense.Dense.Data
			}
		}
	}

	return Record{
		ID:       logicalID(meta, pt.Id),
		Vector:   vec,
		Metadata: meta,
	}
}

// logicalID restores the caller's id from the payload, falling back to the
// internal point id for points written by other tools.
func logicalID(meta map[string]any, pointID *qdrant.PointId) string {
	if id, ok := meta["id"].(string); ok && id != "" {
		return id
	}
	if pointID == nil || pointID.PointIdOptions == nil {
		return ""
	}
	switch idType := pointID.PointIdOptions.(type) {
	case *qdrant.PointId_Uuid:
		return idType.Uuid
	case *qdrant.PointId_Num:
		return fmt.Sprintf("%d", idType.Num)
	}
	return ""
}

// Ensure QdrantProvider implements Provider.
var _ Provider = (*QdrantProvider)(nil)
