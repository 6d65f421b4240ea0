// Package semantic owns the multi-vector product collection. It is the
// sole writer of vector-store points: every point carries three named
// vectors (text, image, combined) plus the versioned filter payload.
package semantic

import (
	"context"
	"fmt"
	"log/slog"

	pb "github.com/qdrant/go-client/qdrant"
	"github.com/shopmind/reco-engine/engine/domain"
	"github.com/shopmind/reco-engine/engine/fusion"
	"github.com/shopmind/reco-engine/pkg/resilience"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// MaxViewedExclusions caps the excluded-id list for personalized
// queries; longer view histories are truncated.
const MaxViewedExclusions = 100

// PointsAPI is the subset of the points service the store uses.
type PointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Get(ctx context.Context, in *pb.GetPoints, opts ...grpc.CallOption) (*pb.GetResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	Count(ctx context.Context, in *pb.CountPoints, opts ...grpc.CallOption) (*pb.CountResponse, error)
	CreateFieldIndex(ctx context.Context, in *pb.CreateFieldIndexCollection, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
}

// CollectionsAPI is the subset of the collections service the store uses.
type CollectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Get(ctx context.Context, in *pb.GetCollectionInfoRequest, opts ...grpc.CallOption) (*pb.GetCollectionInfoResponse, error)
}

// VectorStore is the sole owner of all vector-database operations.
type VectorStore struct {
	conn        *grpc.ClientConn
	points      PointsAPI
	collections CollectionsAPI
	collection  string
	breaker     *resilience.Breaker
	textWeight  float64
	logger      *slog.Logger
}

// New creates a VectorStore connected to the vector database at the
// given gRPC address.
func New(addr, collection string, logger *slog.Logger) (*VectorStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial %s: %w", addr, err)
	}
	vs := NewWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), collection, logger)
	vs.conn = conn
	return vs, nil
}

// NewWithClients creates a VectorStore over existing clients. Used by
// tests and by callers managing their own connection.
func NewWithClients(points PointsAPI, collections CollectionsAPI, collection string, logger *slog.Logger) *VectorStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &VectorStore{
		points:      points,
		collections: collections,
		collection:  collection,
		breaker:     resilience.NewBreaker(resilience.DefaultBreakerOpts),
		textWeight:  fusion.DefaultTextWeight,
		logger:      logger,
	}
}

// Close closes the underlying gRPC connection, if this store owns one.
func (v *VectorStore) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}

// EnsureCollection creates the collection with the three named vector
// spaces and payload indexes on the filterable fields. Idempotent; never
// destroys an existing collection.
func (v *VectorStore) EnsureCollection(ctx context.Context) error {
	var exists bool
	err := v.breaker.Call(ctx, func(ctx context.Context) error {
		list, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
		if err != nil {
			return fmt.Errorf("semantic: list collections: %w", err)
		}
		for _, c := range list.GetCollections() {
			if c.GetName() == v.collection {
				exists = true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	spaces := map[string]*pb.VectorParams{
		VectorText:     {Size: fusion.TextDim, Distance: pb.Distance_Cosine},
		VectorImage:    {Size: fusion.ImageDim, Distance: pb.Distance_Cosine},
		VectorCombined: {Size: fusion.ImageDim, Distance: pb.Distance_Cosine},
	}
	err = v.breaker.Call(ctx, func(ctx context.Context) error {
		_, err := v.collections.Create(ctx, &pb.CreateCollection{
			CollectionName: v.collection,
			VectorsConfig: &pb.VectorsConfig{
				Config: &pb.VectorsConfig_ParamsMap{
					ParamsMap: &pb.VectorParamsMap{Map: spaces},
				},
			},
		})
		if err != nil {
			return fmt.Errorf("semantic: create collection %s: %w", v.collection, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for field, ftype := range map[string]pb.FieldType{
		"category_id": pb.FieldType_FieldTypeInteger,
		"price":       pb.FieldType_FieldTypeFloat,
		"is_active":   pb.FieldType_FieldTypeBool,
	} {
		err := v.breaker.Call(ctx, func(ctx context.Context) error {
			wait := true
			_, err := v.points.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
				CollectionName: v.collection,
				FieldName:      field,
				FieldType:      &ftype,
				Wait:           &wait,
			})
			if err != nil {
				return fmt.Errorf("semantic: index %s: %w", field, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// UpsertProduct writes a product's point: all three named vectors plus
// the denormalized payload. A missing combined vector is computed by
// fusion; a missing image vector degrades to the zero vector so every
// point holds every named space.
func (v *VectorStore) UpsertProduct(ctx context.Context, p domain.Product, vecs ProductVectors) error {
	if len(vecs.Text) != fusion.TextDim {
		return fmt.Errorf("semantic: upsert product %d: text vector has %d dims, want %d", p.ID, len(vecs.Text), fusion.TextDim)
	}

	image := vecs.Image
	if image == nil {
		image = fusion.ZeroImage()
	}
	combined := vecs.Combined
	if combined == nil {
		combined = fusion.Fuse(vecs.Text, vecs.Image, v.textWeight)
	}

	payload := PointPayload{
		ProductID:     p.ID,
		Title:         p.Name,
		CategoryID:    p.CategoryID,
		CategoryName:  p.CategoryName,
		BrandID:       p.BrandID,
		BrandName:     p.BrandName,
		Price:         p.Price,
		Color:         domain.DominantColor(p.Name, p.Description),
		IsActive:      p.IsActive,
		CreatedAt:     p.CreatedAt.Unix(),
		ImageURL:      p.ResolvedImageURL(),
		SchemaVersion: PayloadSchemaVersion,
	}

	point := &pb.PointStruct{
		Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(p.ID)}},
		Vectors: &pb.Vectors{
			VectorsOptions: &pb.Vectors_Vectors{
				Vectors: &pb.NamedVectors{
					Vectors: map[string]*pb.Vector{
						VectorText:     {Data: vecs.Text},
						VectorImage:    {Data: image},
						VectorCombined: {Data: combined},
					},
				},
			},
		},
		Payload: payload.toQdrant(),
	}

	return v.breaker.Call(ctx, func(ctx context.Context) error {
		wait := true
		_, err := v.points.Upsert(ctx, &pb.UpsertPoints{
			CollectionName: v.collection,
			Wait:           &wait,
			Points:         []*pb.PointStruct{point},
		})
		if err != nil {
			return fmt.Errorf("semantic: upsert product %d: %w", p.ID, err)
		}
		return nil
	})
}

// target retrieves a product's stored vector for the named space along
// with its payload. Returns ErrNotIndexed when the point or the named
// vector is absent.
func (v *VectorStore) target(ctx context.Context, productID int64, vectorName string) ([]float32, PointPayload, error) {
	var resp *pb.GetResponse
	err := v.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		resp, err = v.points.Get(ctx, &pb.GetPoints{
			CollectionName: v.collection,
			Ids:            []*pb.PointId{{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(productID)}}},
			WithVectors: &pb.WithVectorsSelector{
				SelectorOptions: &pb.WithVectorsSelector_Enable{Enable: true},
			},
			WithPayload: &pb.WithPayloadSelector{
				SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
			},
		})
		if err != nil {
			return fmt.Errorf("semantic: get point for product %d: %w", productID, err)
		}
		return nil
	})
	if err != nil {
		return nil, PointPayload{}, err
	}

	points := resp.GetResult()
	if len(points) == 0 {
		return nil, PointPayload{}, ErrNotIndexed
	}
	named := points[0].GetVectors().GetVectors().GetVectors()
	vec := named[vectorName].GetData()
	if len(vec) == 0 {
		return nil, PointPayload{}, ErrNotIndexed
	}
	return vec, payloadFromQdrant(points[0].GetPayload()), nil
}

// FindSimilar returns up to n active nearest neighbours of a product in
// the given vector space. The stored vector is reused, never recomputed.
// The query requests n+1 hits and drops the self-match: exclusion by id
// can lag behind a concurrent reindex.
func (v *VectorStore) FindSimilar(ctx context.Context, productID int64, vectorName string, n int, f Filters, excludeSameBrand bool) ([]Candidate, error) {
	if !ValidVectorName(vectorName) {
		vectorName = VectorCombined
	}
	vec, payload, err := v.target(ctx, productID, vectorName)
	if err != nil {
		return nil, err
	}
	if excludeSameBrand && payload.BrandID != 0 {
		f.ExcludeBrandID = payload.BrandID
	}

	hits, err := v.search(ctx, vectorName, vec, n+1, buildFilter(f, PointID(productID)))
	if err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, n)
	for _, c := range hits {
		if c.ProductID == productID {
			continue
		}
		out = append(out, c)
		if len(out) == n {
			break
		}
	}
	return out, nil
}

// SearchByImage queries the image vector space with a caller-supplied
// embedding. There is no source product, so no self-exclusion applies.
func (v *VectorStore) SearchByImage(ctx context.Context, vec []float32, n int, f Filters) ([]Candidate, error) {
	return v.search(ctx, VectorImage, vec, n, buildFilter(f, ""))
}

// SearchByText queries the text vector space with a free-text embedding.
func (v *VectorStore) SearchByText(ctx context.Context, vec []float32, n int, f Filters) ([]Candidate, error) {
	return v.search(ctx, VectorText, vec, n, buildFilter(f, ""))
}

// Personalized queries the combined space with a user preference vector,
// excluding up to MaxViewedExclusions already-viewed products. It
// over-fetches 2n candidates and returns the first n; diversity
// re-sampling over the overfetch window is an extension point.
func (v *VectorStore) Personalized(ctx context.Context, userVec []float32, viewed []int64, n int) ([]Candidate, error) {
	if len(viewed) > MaxViewedExclusions {
		viewed = viewed[:MaxViewedExclusions]
	}
	exclude := make([]string, len(viewed))
	for i, id := range viewed {
		exclude[i] = PointID(id)
	}

	hits, err := v.search(ctx, VectorCombined, userVec, 2*n, excludeIDsFilter(exclude))
	if err != nil {
		return nil, err
	}
	if len(hits) > n {
		hits = hits[:n]
	}
	return hits, nil
}

func (v *VectorStore) search(ctx context.Context, vectorName string, vec []float32, limit int, filter *pb.Filter) ([]Candidate, error) {
	var resp *pb.SearchResponse
	err := v.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		resp, err = v.points.Search(ctx, &pb.SearchPoints{
			CollectionName: v.collection,
			VectorName:     &vectorName,
			Vector:         vec,
			Limit:          uint64(limit),
			Filter:         filter,
			WithPayload: &pb.WithPayloadSelector{
				SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
			},
		})
		if err != nil {
			return fmt.Errorf("semantic: search %s: %w", vectorName, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	results := make([]Candidate, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		payload := payloadFromQdrant(r.GetPayload())
		results[i] = Candidate{
			ProductID: payload.ProductID,
			Score:     r.GetScore(),
			Payload:   payload,
		}
	}
	return results, nil
}

// DeleteProduct removes a product's point from the store.
func (v *VectorStore) DeleteProduct(ctx context.Context, productID int64) error {
	return v.breaker.Call(ctx, func(ctx context.Context) error {
		wait := true
		_, err := v.points.Delete(ctx, &pb.DeletePoints{
			CollectionName: v.collection,
			Wait:           &wait,
			Points: &pb.PointsSelector{
				PointsSelectorOneOf: &pb.PointsSelector_Points{
					Points: &pb.PointsIdsList{
						Ids: []*pb.PointId{{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(productID)}}},
					},
				},
			},
		})
		if err != nil {
			return fmt.Errorf("semantic: delete product %d: %w", productID, err)
		}
		return nil
	})
}

// Stats reports collection health: status, total points, active points.
func (v *VectorStore) Stats(ctx context.Context) (CollectionStats, error) {
	var stats CollectionStats
	err := v.breaker.Call(ctx, func(ctx context.Context) error {
		info, err := v.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: v.collection})
		if err != nil {
			return fmt.Errorf("semantic: collection info: %w", err)
		}
		stats.Status = info.GetResult().GetStatus().String()
		stats.PointsCount = info.GetResult().GetPointsCount()

		exact := true
		count, err := v.points.Count(ctx, &pb.CountPoints{
			CollectionName: v.collection,
			Filter:         &pb.Filter{Must: []*pb.Condition{boolMatch("is_active", true)}},
			Exact:          &exact,
		})
		if err != nil {
			return fmt.Errorf("semantic: count active: %w", err)
		}
		stats.ActiveCount = count.GetResult().GetCount()
		return nil
	})
	return stats, err
}
