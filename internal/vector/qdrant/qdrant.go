// Package qdrant implements vector.Index against a Qdrant instance over
// gRPC. Owner and book scoping is pushed into Qdrant payload filters so the
// server never materializes another owner's points for a query.
package qdrant

import (
	"context"
	"fmt"
	"time"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/bookcompanion/bookcompanion/internal/observability"
	"github.com/bookcompanion/bookcompanion/internal/ragerr"
	"github.com/bookcompanion/bookcompanion/internal/vector"
)

// Payload keys the index depends on. Everything else found in a payload is
// surfaced through Metadata.Extra.
const (
	fieldContent    = "content"
	fieldOwnerID    = "owner_id"
	fieldBookID     = "book_id"
	fieldChunkIndex = "chunk_index"
	fieldPage       = "page"
	fieldHash       = "hash"
	fieldIndexedAt  = "indexed_at"
)

// Index is a Qdrant-backed vector.Index.
type Index struct {
	conn       *grpc.ClientConn
	points     pb.PointsClient
	collection string
}

// New connects to Qdrant at host:port and uses the given collection.
func New(ctx context.Context, host string, port int, collection string) (*Index, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("%w: qdrant connect: %v", ragerr.ErrIndexUnavailable, err)
	}
	return &Index{
		conn:       conn,
		points:     pb.NewPointsClient(conn),
		collection: collection,
	}, nil
}

func (ix *Index) Upsert(ctx context.Context, ownerID, bookID string, entries []vector.Entry) error {
	if err := vector.CheckOwner(ownerID); err != nil {
		return err
	}
	ctx, span := observability.StartIndexSpan(ctx, "qdrant", "upsert")
	defer span.End()

	now := time.Now().UnixNano()
	points := make([]*pb.PointStruct, len(entries))
	for i, e := range entries {
		payload := map[string]*pb.Value{
			fieldContent:    {Kind: &pb.Value_StringValue{StringValue: e.Text}},
			fieldOwnerID:    {Kind: &pb.Value_StringValue{StringValue: ownerID}},
			fieldBookID:     {Kind: &pb.Value_StringValue{StringValue: bookID}},
			fieldChunkIndex: {Kind: &pb.Value_IntegerValue{IntegerValue: int64(e.Meta.ChunkIndex)}},
			fieldIndexedAt:  {Kind: &pb.Value_IntegerValue{IntegerValue: now}},
		}
		if e.Meta.Page > 0 {
			payload[fieldPage] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(e.Meta.Page)}}
		}
		if e.Meta.Hash != "" {
			payload[fieldHash] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: e.Meta.Hash}}
		}
		for k, v := range e.Meta.Extra {
			payload[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: v}}
		}

		points[i] = &pb.PointStruct{
			Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: vector.PointID(ownerID, bookID, e.Meta.ChunkIndex)}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: e.Vector}}},
			Payload: payload,
		}
	}

	_, err := ix.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: ix.collection,
		Points:         points,
	})
	if err != nil {
		observability.RecordError(span, err)
		return fmt.Errorf("%w: upsert: %v", ragerr.ErrIndexUnavailable, err)
	}
	return nil
}

func (ix *Index) Query(ctx context.Context, ownerID string, vec []float32, topK int, bookFilter []string) ([]vector.Result, error) {
	if err := vector.CheckOwner(ownerID); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, nil
	}
	ctx, span := observability.StartIndexSpan(ctx, "qdrant", "query")
	defer span.End()

	resp, err := ix.points.Search(ctx, &pb.SearchPoints{
		CollectionName: ix.collection,
		Vector:         vec,
		Limit:          uint64(topK),
		Filter:         scopeFilter(ownerID, bookFilter),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("%w: search: %v", ragerr.ErrIndexUnavailable, err)
	}

	results := make([]vector.Result, len(resp.Result))
	for i, pt := range resp.Result {
		results[i] = fromPayload(pt.Payload, pt.Score)
	}
	vector.SortResults(results)
	return results, nil
}

func (ix *Index) DeleteByBook(ctx context.Context, ownerID, bookID string) error {
	if err := vector.CheckOwner(ownerID); err != nil {
		return err
	}
	ctx, span := observability.StartIndexSpan(ctx, "qdrant", "delete_by_book")
	defer span.End()

	_, err := ix.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: ix.collection,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: scopeFilter(ownerID, []string{bookID}),
			},
		},
	})
	if err != nil {
		observability.RecordError(span, err)
		return fmt.Errorf("%w: delete: %v", ragerr.ErrIndexUnavailable, err)
	}
	return nil
}

func (ix *Index) Stats(ctx context.Context, ownerID string) (vector.Stats, error) {
	if err := vector.CheckOwner(ownerID); err != nil {
		return vector.Stats{}, err
	}

	stats := vector.Stats{PerBookCounts: make(map[string]int)}
	limit := uint32(256)
	var offset *pb.PointId
	for {
		resp, err := ix.points.Scroll(ctx, &pb.ScrollPoints{
			CollectionName: ix.collection,
			Filter:         scopeFilter(ownerID, nil),
			Limit:          &limit,
			Offset:         offset,
			WithPayload: &pb.WithPayloadSelector{
				SelectorOptions: &pb.WithPayloadSelector_Include{
					Include: &pb.PayloadIncludeSelector{Fields: []string{fieldBookID}},
				},
			},
		})
		if err != nil {
			return vector.Stats{}, fmt.Errorf("%w: scroll: %v", ragerr.ErrIndexUnavailable, err)
		}
		for _, pt := range resp.Result {
			stats.TotalVectors++
			if v, ok := pt.Payload[fieldBookID]; ok {
				stats.PerBookCounts[v.GetStringValue()]++
			}
		}
		if resp.NextPageOffset == nil || len(resp.Result) == 0 {
			break
		}
		offset = resp.NextPageOffset
	}
	return stats, nil
}

func (ix *Index) Close() error { return ix.conn.Close() }

// scopeFilter builds the server-side payload filter. The owner condition is
// always present; bookIDs, when given, become a set-membership condition.
func scopeFilter(ownerID string, bookIDs []string) *pb.Filter {
	must := []*pb.Condition{
		{
			ConditionOneOf: &pb.Condition_Field{Field: &pb.FieldCondition{
				Key:   fieldOwnerID,
				Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: ownerID}},
			}},
		},
	}
	if len(bookIDs) > 0 {
		must = append(must, &pb.Condition{
			ConditionOneOf: &pb.Condition_Field{Field: &pb.FieldCondition{
				Key:   fieldBookID,
				Match: &pb.Match{MatchValue: &pb.Match_Keywords{Keywords: &pb.RepeatedStrings{Strings: bookIDs}}},
			}},
		})
	}
	return &pb.Filter{Must: must}
}

func fromPayload(payload map[string]*pb.Value, score float32) vector.Result {
	res := vector.Result{Score: score}
	meta := vector.Metadata{}
	for k, v := range payload {
		switch k {
		case fieldContent:
			res.Text = v.GetStringValue()
		case fieldOwnerID:
			meta.OwnerID = v.GetStringValue()
		case fieldBookID:
			meta.BookID = v.GetStringValue()
		case fieldChunkIndex:
			meta.ChunkIndex = int(v.GetIntegerValue())
		case fieldPage:
			meta.Page = int(v.GetIntegerValue())
		case fieldHash:
			meta.Hash = v.GetStringValue()
		case fieldIndexedAt:
			res.IndexedAt = v.GetIntegerValue()
		default:
			if meta.Extra == nil {
				meta.Extra = make(map[string]string)
			}
			meta.Extra[k] = v.GetStringValue()
		}
	}
	res.Meta = meta
	return res
}

var _ vector.Index = (*Index)(nil)
