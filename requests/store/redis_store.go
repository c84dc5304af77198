package store

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/imtaco/peer-connect/internal/errors"
	"github.com/imtaco/peer-connect/internal/log"
	"github.com/imtaco/peer-connect/requests"
)

const (
	fieldID          = "id"
	fieldKind        = "kind"
	fieldRequesterID = "requester_id"
	fieldStatus      = "status"
	fieldCreatedAt   = "created_at"
	fieldExpiresAt   = "expires_at"
	fieldRoomID      = "room_id"
	fieldAcceptorID  = "acceptor_id"
	fieldContext     = "context"
)

var (
	// KEYS[1]: row hash
	// KEYS[2]: all-rows index (zset by created_at)
	// KEYS[3]: open-rows index (zset by created_at)
	// KEYS[4]: requester index (set)
	// ARGV[1]: id
	// ARGV[2]: created_at millis
	// ARGV[3]: status
	// ARGV[4..]: field/value pairs
	luaInsert = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 1 then
			return 0
		end
		for i = 4, #ARGV, 2 do
			redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
		end
		redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
		if ARGV[3] == 'available' then
			redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
		end
		redis.call('SADD', KEYS[4], ARGV[1])
		return 1
	`)

	// Compare and write in one step. Returns 1 when the row matched.
	// KEYS[1]: row hash
	// KEYS[2]: open-rows index
	// ARGV[1]: id
	// ARGV[2]: expected status
	// ARGV[3]: required requester ('' to skip)
	// ARGV[4]: required party, requester or acceptor ('' to skip)
	// ARGV[5]: live-at millis, requires live-at < expires_at (0 to skip)
	// ARGV[6]: expired-at millis, requires expired-at >= expires_at (0 to skip)
	// ARGV[7]: new status
	// ARGV[8..]: extra field/value pairs
	luaConditionalUpdate = redis.NewScript(`
		local row = redis.call('HMGET', KEYS[1], 'status', 'requester_id', 'acceptor_id', 'expires_at')
		if row[1] == false or row[1] ~= ARGV[2] then
			return 0
		end
		if ARGV[3] ~= '' and row[2] ~= ARGV[3] then
			return 0
		end
		if ARGV[4] ~= '' and row[2] ~= ARGV[4] and row[3] ~= ARGV[4] then
			return 0
		end

		local expires = tonumber(row[4])
		local liveAt = tonumber(ARGV[5])
		if liveAt > 0 and (expires == nil or liveAt >= expires) then
			return 0
		end
		local expiredAt = tonumber(ARGV[6])
		if expiredAt > 0 and (expires == nil or expiredAt < expires) then
			return 0
		end

		redis.call('HSET', KEYS[1], 'status', ARGV[7])
		for i = 8, #ARGV, 2 do
			redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
		end
		if ARGV[7] ~= 'available' then
			redis.call('ZREM', KEYS[2], ARGV[1])
		end
		return 1
	`)
)

type redisStore struct {
	client redis.UniversalClient
	prefix string
	logger *log.Logger
}

// NewRedisStore keeps each request in a hash, plus sorted-set indexes for
// listing. Conditional updates run as Lua scripts so compare and write
// cannot interleave with another client.
func NewRedisStore(client redis.UniversalClient, prefix string, logger *log.Logger) requests.RequestStore {
	if client == nil {
		panic("redis client is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &redisStore{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

func (s *redisStore) rowKey(id string) string {
	return fmt.Sprintf("%s:req:%s", s.prefix, id)
}

func (s *redisStore) allKey() string {
	return fmt.Sprintf("%s:idx:all", s.prefix)
}

func (s *redisStore) openKey() string {
	return fmt.Sprintf("%s:idx:open", s.prefix)
}

func (s *redisStore) userKey(userID string) string {
	return fmt.Sprintf("%s:idx:user:%s", s.prefix, userID)
}

func (s *redisStore) Insert(ctx context.Context, req *requests.ConnectRequest) error {
	if req == nil || req.ID == "" || req.RequesterID == "" {
		return errors.New(requests.ErrInvalidRequest, "id and requester are required")
	}

	args := []any{req.ID, req.CreatedAt.UnixMilli(), string(req.Status)}
	args = append(args, packRow(req)...)

	ok, err := luaInsert.Run(
		ctx,
		s.client,
		[]string{s.rowKey(req.ID), s.allKey(), s.openKey(), s.userKey(req.RequesterID)},
		args...,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to insert request: %w", err)
	}
	if ok == 0 {
		return errors.Newf(requests.ErrInvalidRequest, "request %s already exists", req.ID)
	}

	s.logger.Debug("Request inserted",
		log.RequestID(req.ID),
		log.String("kind", string(req.Kind)),
		log.String("requesterId", req.RequesterID))
	return nil
}

func (s *redisStore) Get(ctx context.Context, id string) (*requests.ConnectRequest, error) {
	data, err := s.client.HGetAll(ctx, s.rowKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.Newf(requests.ErrRequestNotFound, "request %s not found", id)
	}
	return unpackRow(data)
}

func (s *redisStore) Select(ctx context.Context, q requests.Query) ([]*requests.ConnectRequest, error) {
	ids, err := s.candidateIDs(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.rowKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to load requests: %w", err)
	}

	result := make([]*requests.ConnectRequest, 0, len(ids))
	for i, cmd := range cmds {
		data := cmd.Val()
		if len(data) == 0 {
			// index entry outlived its row
			continue
		}
		req, err := unpackRow(data)
		if err != nil {
			s.logger.Warn("Skip malformed request row",
				log.RequestID(ids[i]),
				log.Error(err))
			continue
		}
		if q.Match(req) {
			result = append(result, req)
		}
	}

	sortOldestFirst(result)
	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, nil
}

func (s *redisStore) candidateIDs(ctx context.Context, q requests.Query) ([]string, error) {
	var (
		ids []string
		err error
	)
	switch {
	case q.RequesterID != "":
		ids, err = s.client.SMembers(ctx, s.userKey(q.RequesterID)).Result()
	case len(q.Statuses) == 1 && q.Statuses[0] == requests.StatusAvailable:
		ids, err = s.client.ZRange(ctx, s.openKey(), 0, -1).Result()
	default:
		ids, err = s.client.ZRange(ctx, s.allKey(), 0, -1).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read request index: %w", err)
	}
	return ids, nil
}

func (s *redisStore) ConditionalUpdate(
	ctx context.Context,
	id string,
	cond requests.Condition,
	mut requests.Mutation,
) (bool, error) {
	if cond.Status == "" || mut.Status == "" {
		return false, errors.New(requests.ErrInvalidRequest, "condition and mutation status are required")
	}
	if (mut.RoomID == "") != (mut.AcceptorID == "") {
		return false, errors.New(requests.ErrInvalidRequest, "room and acceptor must be set together")
	}

	args := []any{
		id,
		string(cond.Status),
		cond.RequesterID,
		cond.PartyID,
		millisOrZero(cond.LiveAt),
		millisOrZero(cond.ExpiredAt),
		string(mut.Status),
	}
	if mut.RoomID != "" {
		args = append(args, fieldRoomID, mut.RoomID, fieldAcceptorID, mut.AcceptorID)
	}

	n, err := luaConditionalUpdate.Run(
		ctx,
		s.client,
		[]string{s.rowKey(id), s.openKey()},
		args...,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to update request: %w", err)
	}

	s.logger.Debug("Conditional update",
		log.RequestID(id),
		log.String("from", string(cond.Status)),
		log.String("to", string(mut.Status)),
		log.Bool("applied", n == 1))
	return n == 1, nil
}

func (s *redisStore) Delete(ctx context.Context, id string) error {
	requesterID, err := s.client.HGet(ctx, s.rowKey(id), fieldRequesterID).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read request: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.rowKey(id))
		pipe.ZRem(ctx, s.allKey(), id)
		pipe.ZRem(ctx, s.openKey(), id)
		pipe.SRem(ctx, s.userKey(requesterID), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete request: %w", err)
	}
	return nil
}

func packRow(req *requests.ConnectRequest) []any {
	return []any{
		fieldID, req.ID,
		fieldKind, string(req.Kind),
		fieldRequesterID, req.RequesterID,
		fieldStatus, string(req.Status),
		fieldCreatedAt, strconv.FormatInt(req.CreatedAt.UnixMilli(), 10),
		fieldExpiresAt, strconv.FormatInt(req.ExpiresAt.UnixMilli(), 10),
		fieldRoomID, req.RoomID,
		fieldAcceptorID, req.AcceptorID,
		fieldContext, req.Context,
	}
}

func unpackRow(data map[string]string) (*requests.ConnectRequest, error) {
	createdAt, err := parseMillis(data[fieldCreatedAt])
	if err != nil {
		return nil, fmt.Errorf("invalid created_at: %w", err)
	}
	expiresAt, err := parseMillis(data[fieldExpiresAt])
	if err != nil {
		return nil, fmt.Errorf("invalid expires_at: %w", err)
	}
	return &requests.ConnectRequest{
		ID:          data[fieldID],
		Kind:        requests.Kind(data[fieldKind]),
		RequesterID: data[fieldRequesterID],
		Status:      requests.Status(data[fieldStatus]),
		CreatedAt:   createdAt,
		ExpiresAt:   expiresAt,
		RoomID:      data[fieldRoomID],
		AcceptorID:  data[fieldAcceptorID],
		Context:     data[fieldContext],
	}, nil
}

func parseMillis(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

func millisOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func sortOldestFirst(reqs []*requests.ConnectRequest) {
	slices.SortStableFunc(reqs, func(a, b *requests.ConnectRequest) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
