package es

import (
	"context"
	"errors"
	"strconv"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/typedapi/core/search"
	"github.com/elastic/go-elasticsearch/v8/typedapi/types"
	"github.com/elastic/go-elasticsearch/v8/typedapi/types/enums/sortorder"
	"github.com/elastic/go-elasticsearch/v8/typedapi/types/enums/versiontype"
	"github.com/goccy/go-json"
)

type MessageRepo interface {
	SearchMessages(ctx context.Context, convIDs []uint64, keyword string, size int) ([]*MessageES, error)
	IndexMessage(ctx context.Context, msg *MessageES, version int64) error
	DeleteMessage(ctx context.Context, id string) error
	DeleteByConversation(ctx context.Context, convID uint64) error
}

type MessageRepoImpl struct {
	client *elasticsearch.TypedClient
}

func NewMessageRepo(client *elasticsearch.TypedClient) MessageRepo {
	return &MessageRepoImpl{client: client}
}

// SearchMessages 在用户可见的会话范围内全文检索消息
func (s *MessageRepoImpl) SearchMessages(ctx context.Context, convIDs []uint64, keyword string, size int) ([]*MessageES, error) {
	if len(convIDs) == 0 {
		return []*MessageES{}, nil
	}

	convValues := make([]types.FieldValue, len(convIDs))
	for i, id := range convIDs {
		convValues[i] = id
	}

	searchReq := s.client.Search().
		Index(MessageIndex).
		Query(&types.Query{
			Bool: &types.BoolQuery{
				Must: []types.Query{
					{
						MultiMatch: &types.MultiMatchQuery{
							Query:  keyword,
							Fields: []string{"body"},
						},
					},
				},
				Filter: []types.Query{
					{
						Terms: &types.TermsQuery{
							TermsQuery: map[string]types.TermsQueryField{
								"conversation_id": convValues,
							},
						},
					},
				},
			},
		}).
		Sort(types.SortOptions{SortOptions: map[string]types.FieldSort{
			"created_at": {Order: &sortorder.Desc},
		}}).
		Size(size)

	return s.executeSearch(ctx, searchReq)
}

// IndexMessage 以消息时间戳作为外部版本号写入，旧事件迟到时直接跳过
func (s *MessageRepoImpl) IndexMessage(ctx context.Context, msg *MessageES, version int64) error {
	_, err := s.client.Index(MessageIndex).
		Id(msg.ID).
		Document(msg).
		Version(strconv.FormatInt(version, 10)).
		VersionType(versiontype.External).
		Do(ctx)

	if err != nil {
		var e *types.ElasticsearchError
		if errors.As(err, &e) {
			if e.Status == ConflictCode {
				return nil
			}
		}
		return err
	}

	return nil
}

func (s *MessageRepoImpl) DeleteMessage(ctx context.Context, id string) error {
	_, err := s.client.Delete(MessageIndex, id).Do(ctx)

	if err != nil {
		var e *types.ElasticsearchError
		if errors.As(err, &e) {
			if e.Status == NotFoundCode {
				return nil
			}
		}
		return err
	}

	return nil
}

// DeleteByConversation 会话删除时清理索引
func (s *MessageRepoImpl) DeleteByConversation(ctx context.Context, convID uint64) error {
	_, err := s.client.DeleteByQuery(MessageIndex).
		Query(&types.Query{
			Term: map[string]types.TermQuery{
				"conversation_id": {Value: convID},
			},
		}).
		Do(ctx)
	return err
}

func (s *MessageRepoImpl) executeSearch(ctx context.Context, req *search.Search) ([]*MessageES, error) {
	resp, err := req.Do(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]*MessageES, 0, len(resp.Hits.Hits))
	for _, hit := range resp.Hits.Hits {
		var msg MessageES
		if hit.Source_ == nil {
			continue
		}
		if err = json.Unmarshal(hit.Source_, &msg); err != nil {
			continue
		}
		results = append(results, &msg)
	}
	return results, nil
}
