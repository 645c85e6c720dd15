// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// QdrantConfig holds connection settings for a Qdrant server.
type QdrantConfig struct {
	Host   string
	Port   int // gRPC port, 6334 by default
	APIKey string
	UseTLS bool

	// MaxMessageSize bounds gRPC send/receive sizes in bytes.
	MaxMessageSize int

	// DialTimeout bounds the initial health check.
	DialTimeout time.Duration

	// RequestTimeout is applied to calls whose context carries no deadline.
	RequestTimeout time.Duration
}

// ApplyDefaults fills zero values.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
}

// Validate checks the configuration after defaults are applied.
func (c *QdrantConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid qdrant port %d", c.Port)
	}
	if c.MaxMessageSize < 0 {
		return fmt.Errorf("invalid max message size %d", c.MaxMessageSize)
	}
	return nil
}

// QdrantStore implements VectorStore on top of the Qdrant gRPC client.
type QdrantStore struct {
	client *qdrant.Client
	config QdrantConfig
	logger *slog.Logger

	distances sync.Map // collection name -> Distance
}

var _ VectorStore = (*QdrantStore)(nil)

// NewQdrantStore connects to Qdrant and verifies the server answers a health check.
func NewQdrantStore(cfg QdrantConfig, logger *slog.Logger) (*QdrantStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	qcfg := &qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	}
	if !cfg.UseTLS {
		qcfg.GrpcOptions = append(qcfg.GrpcOptions, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	client, err := qdrant.NewClient(qcfg)
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("qdrant health check %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	logger.Info("storage.qdrant.connected", "host", cfg.Host, "port", cfg.Port, "tls", cfg.UseTLS)
	return &QdrantStore{client: client, config: cfg, logger: logger}, nil
}

func (s *QdrantStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.config.RequestTimeout)
}

// CollectionInfo reads the vector parameters of a collection.
func (s *QdrantStore) CollectionInfo(ctx context.Context, name string) (*CollectionDescriptor, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	info, err := s.client.GetCollectionInfo(ctx, name)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrCollectionNotFound
		}
		return nil, fmt.Errorf("get collection %q: %w", name, err)
	}

	params := info.GetConfig().GetParams().GetVectorsConfig().GetParams()
	if params == nil {
		return nil, fmt.Errorf("collection %q uses named vectors, which are not supported", name)
	}
	desc := &CollectionDescriptor{
		Name:      name,
		Dimension: params.GetSize(),
		Distance:  fromQdrantDistance(params.GetDistance()),
	}
	s.distances.Store(name, desc.Distance)
	return desc, nil
}

// distanceOf returns the metric of a collection, asking the server once.
func (s *QdrantStore) distanceOf(ctx context.Context, name string) (Distance, error) {
	if d, ok := s.distances.Load(name); ok {
		return d.(Distance), nil
	}
	desc, err := s.CollectionInfo(ctx, name)
	if err != nil {
		return "", err
	}
	return desc.Distance, nil
}

// CreateCollection creates a collection with a single unnamed dense vector.
func (s *QdrantStore) CreateCollection(ctx context.Context, desc CollectionDescriptor) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: desc.Name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     desc.Dimension,
			Distance: toQdrantDistance(desc.Distance),
		}),
	})
	if err != nil {
		if isAlreadyExists(err) {
			return ErrCollectionExists
		}
		return fmt.Errorf("create collection %q: %w", desc.Name, err)
	}
	s.distances.Store(desc.Name, desc.Distance)
	s.logger.Info("storage.qdrant.collection.created",
		"collection", desc.Name,
		"dimension", desc.Dimension,
		"distance", string(desc.Distance),
	)
	return nil
}

// UpsertPoints writes points and waits for the operation to be applied.
func (s *QdrantStore) UpsertPoints(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	qpoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		qpoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(p.ID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: toQdrantPayload(p.Payload),
		}
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qpoints,
	})
	if err != nil {
		return fmt.Errorf("upsert %d points into %q: %w", len(points), collection, err)
	}
	return nil
}

// Search runs a nearest-neighbour query and returns payloads with scores.
func (s *QdrantStore) Search(ctx context.Context, collection string, vector []float32, limit int) ([]ScoredPoint, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	distance, err := s.distanceOf(ctx, collection)
	if err != nil {
		return nil, err
	}

	hits, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrCollectionNotFound
		}
		return nil, fmt.Errorf("query %q: %w", collection, err)
	}

	return toScoredPoints(hits, distance), nil
}

// toScoredPoints converts query hits, keeping the server's order. Qdrant
// reports euclidean scores as distances, so they are negated to make larger
// scores better for every metric.
func toScoredPoints(hits []*qdrant.ScoredPoint, d Distance) []ScoredPoint {
	out := make([]ScoredPoint, 0, len(hits))
	for _, h := range hits {
		score := h.GetScore()
		if d == DistanceEuclidean {
			score = -score
		}
		out = append(out, ScoredPoint{
			ID:      pointIDString(h.GetId()),
			Score:   score,
			Payload: fromQdrantPayload(h.GetPayload()),
		})
	}
	return out
}

// Count returns the exact number of points in a collection.
func (s *QdrantStore) Count(ctx context.Context, collection string) (uint64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, ErrCollectionNotFound
		}
		return 0, fmt.Errorf("count %q: %w", collection, err)
	}
	return n, nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// IsTransient reports whether err carries a gRPC status that is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	st, ok := grpcStatus(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}

func grpcStatus(err error) (*status.Status, bool) {
	var se interface{ GRPCStatus() *status.Status }
	if errors.As(err, &se) {
		return se.GRPCStatus(), true
	}
	return nil, false
}

// Qdrant reports a missing collection as NotFound on recent versions and as
// InvalidArgument with a "doesn't exist" message on older ones.
func isNotFound(err error) bool {
	st, ok := grpcStatus(err)
	if !ok {
		return false
	}
	if st.Code() == codes.NotFound {
		return true
	}
	msg := strings.ToLower(st.Message())
	return strings.Contains(msg, "doesn't exist") || strings.Contains(msg, "not found")
}

func isAlreadyExists(err error) bool {
	st, ok := grpcStatus(err)
	if !ok {
		return false
	}
	return st.Code() == codes.AlreadyExists || strings.Contains(strings.ToLower(st.Message()), "already exists")
}

func toQdrantDistance(d Distance) qdrant.Distance {
	switch d {
	case DistanceDot:
		return qdrant.Distance_Dot
	case DistanceEuclidean:
		return qdrant.Distance_Euclid
	default:
		return qdrant.Distance_Cosine
	}
}

func fromQdrantDistance(d qdrant.Distance) Distance {
	switch d {
	case qdrant.Distance_Dot:
		return DistanceDot
	case qdrant.Distance_Euclid:
		return DistanceEuclidean
	case qdrant.Distance_Cosine:
		return DistanceCosine
	default:
		return Distance(strings.ToLower(d.String()))
	}
}

func pointIDString(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	if u := id.GetUuid(); u != "" {
		return u
	}
	return fmt.Sprintf("%d", id.GetNum())
}

func toQdrantPayload(payload map[string]any) map[string]*qdrant.Value {
	if payload == nil {
		return nil
	}
	out := make(map[string]*qdrant.Value, len(payload))
	for k, v := range payload {
		out[k] = toQdrantValue(v)
	}
	return out
}

func toQdrantValue(v any) *qdrant.Value {
	switch val := v.(type) {
	case nil:
		return &qdrant.Value{Kind: &qdrant.Value_NullValue{}}
	case string:
		return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: val}}
	case bool:
		return &qdrant.Value{Kind: &qdrant.Value_BoolValue{BoolValue: val}}
	case int:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(val)}}
	case int64:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: val}}
	case float32:
		return &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: float64(val)}}
	case float64:
		return &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: val}}
	case []string:
		values := make([]*qdrant.Value, len(val))
		for i, s := range val {
			values[i] = toQdrantValue(s)
		}
		return &qdrant.Value{Kind: &qdrant.Value_ListValue{ListValue: &qdrant.ListValue{Values: values}}}
	case []any:
		values := make([]*qdrant.Value, len(val))
		for i, item := range val {
			values[i] = toQdrantValue(item)
		}
		return &qdrant.Value{Kind: &qdrant.Value_ListValue{ListValue: &qdrant.ListValue{Values: values}}}
	case map[string]any:
		return &qdrant.Value{Kind: &qdrant.Value_StructValue{StructValue: &qdrant.Struct{Fields: toQdrantPayload(val)}}}
	default:
		return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: fmt.Sprintf("%v", val)}}
	}
}

func fromQdrantPayload(payload map[string]*qdrant.Value) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = fromQdrantValue(v)
	}
	return out
}

func fromQdrantValue(v *qdrant.Value) any {
	if v == nil {
		return nil
	}
	switch val := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return val.StringValue
	case *qdrant.Value_IntegerValue:
		return val.IntegerValue
	case *qdrant.Value_DoubleValue:
		return val.DoubleValue
	case *qdrant.Value_BoolValue:
		return val.BoolValue
	case *qdrant.Value_ListValue:
		items := val.ListValue.GetValues()
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = fromQdrantValue(item)
		}
		return out
	case *qdrant.Value_StructValue:
		return fromQdrantPayload(val.StructValue.GetFields())
	default:
		return nil
	}
}
