package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	clientv3 "go.etcd.io/etcd/client/v3"
	"golang.org/x/sync/singleflight"

	"github.com/imtaco/peer-connect/internal/errors"
	"github.com/imtaco/peer-connect/internal/etcd"
	"github.com/imtaco/peer-connect/internal/log"
	"github.com/imtaco/peer-connect/rooms"
	"github.com/imtaco/peer-connect/rooms/utils"
)

const participantsDir = "participants"

type record struct {
	Role     rooms.Role `json:"role"`
	JoinedAt time.Time  `json:"joinedAt"`
}

type provisionerImpl struct {
	kv      etcd.KV
	prefix  string
	clock   clockwork.Clock
	members *lru.Cache[string, struct{}]
	sf      singleflight.Group
	logger  *log.Logger
}

func NewProvisioner(kv etcd.KV, prefix string, cacheSize int, logger *log.Logger) (rooms.Provisioner, error) {
	return newProvisionerWithClock(kv, prefix, cacheSize, clockwork.NewRealClock(), logger)
}

func newProvisionerWithClock(
	kv etcd.KV,
	prefix string,
	cacheSize int,
	clock clockwork.Clock,
	logger *log.Logger,
) (*provisionerImpl, error) {
	members, err := lru.New[string, struct{}](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &provisionerImpl{
		kv:      kv,
		prefix:  prefix,
		clock:   clock,
		members: members,
		logger:  logger,
	}, nil
}

func (p *provisionerImpl) roomKey(roomID string) string {
	return fmt.Sprintf("%s%s/%s/", p.prefix, roomID, participantsDir)
}

func (p *provisionerImpl) participantKey(roomID, userID string) string {
	return p.roomKey(roomID) + userID
}

func (p *provisionerImpl) NewRoomID() string {
	return utils.NewRoomID(p.clock.Now())
}

func (p *provisionerImpl) RegisterParticipant(ctx context.Context, roomID, userID string, role rooms.Role) error {
	if roomID == "" || userID == "" {
		return errors.New(rooms.ErrInvalidRoom, "room and user are required")
	}
	if !role.Valid() {
		return errors.Newf(rooms.ErrInvalidRoom, "unknown role %q", role)
	}

	key := p.participantKey(roomID, userID)
	data, err := json.Marshal(record{Role: role, JoinedAt: p.clock.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal participant: %w", err)
	}

	// first registration wins; role and joinedAt are never rewritten
	resp, err := p.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(data))).
		Commit()
	if err != nil {
		return fmt.Errorf("failed to store participant: %w", err)
	}
	if !resp.Succeeded {
		participantsExisting.Add(ctx, 1)
		p.logger.Debug("Participant already registered",
			log.RoomID(roomID),
			log.UserID(userID))
		p.members.Add(key, struct{}{})
		return nil
	}

	participantsRegistered.Add(ctx, 1)
	p.members.Add(key, struct{}{})
	p.logger.Info("Registered participant",
		log.RoomID(roomID),
		log.UserID(userID),
		log.String("role", string(role)))
	return nil
}

func (p *provisionerImpl) Participants(ctx context.Context, roomID string) ([]rooms.Participant, error) {
	if roomID == "" {
		return nil, errors.New(rooms.ErrInvalidRoom, "room is required")
	}

	dir := p.roomKey(roomID)
	resp, err := p.kv.Get(ctx, dir, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}

	result := make([]rooms.Participant, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		userID := strings.TrimPrefix(string(kv.Key), dir)
		var rec record
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			p.logger.Warn("Skip malformed participant",
				log.String("key", string(kv.Key)),
				log.Error(err))
			continue
		}
		result = append(result, rooms.Participant{
			RoomID:   roomID,
			UserID:   userID,
			Role:     rec.Role,
			JoinedAt: rec.JoinedAt,
		})
	}
	return result, nil
}

// IsParticipant caches positive answers only. Membership is never revoked,
// so a cached hit can not go stale.
func (p *provisionerImpl) IsParticipant(ctx context.Context, roomID, userID string) (bool, error) {
	if roomID == "" || userID == "" {
		return false, nil
	}

	key := p.participantKey(roomID, userID)
	if _, ok := p.members.Get(key); ok {
		membershipCacheHits.Add(ctx, 1)
		return true, nil
	}

	result, err, _ := p.sf.Do(key, func() (any, error) {
		membershipLookups.Add(ctx, 1)
		resp, err := p.kv.Get(ctx, key, clientv3.WithCountOnly())
		if err != nil {
			return false, fmt.Errorf("failed to check participant: %w", err)
		}
		found := resp.Count > 0
		if found {
			p.members.Add(key, struct{}{})
		}
		return found, nil
	})
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}
