package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/chatsaas/backend/internal/domain/admission"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisMembershipStore implements MembershipStore on Redis.
// Each subject's memberships are a sorted set scored by join time in
// milliseconds, and the conditional insert runs as one Lua script.
type RedisMembershipStore struct {
	client    redis.Cmdable
	keyPrefix string
}

// NewRedisMembershipStore creates a membership store on an existing client
func NewRedisMembershipStore(client redis.Cmdable, opts ...RedisStoreOption) *RedisMembershipStore {
	o := applyRedisOptions(opts)
	return &RedisMembershipStore{
		client:    client,
		keyPrefix: o.keyPrefix,
	}
}

func (s *RedisMembershipStore) membersKey(subjectID string) string {
	return fmt.Sprintf("%smembers:{%s}", s.keyPrefix, subjectID)
}

// tryJoinScript adds a member only while the set is below the cap.
// KEYS[1] = subject membership set
// ARGV[1] = instance id
// ARGV[2] = max allowed
// ARGV[3] = joined at (unix milliseconds)
//
// Returns {joined, already_member, {member, score, ...}}
var tryJoinScript = redis.NewScript(`
local key = KEYS[1]
local joined = 0
local already = 0
if redis.call("ZSCORE", key, ARGV[1]) then
    joined = 1
    already = 1
elseif redis.call("ZCARD", key) < tonumber(ARGV[2]) then
    redis.call("ZADD", key, ARGV[3], ARGV[1])
    joined = 1
end
return {joined, already, redis.call("ZRANGE", key, 0, -1, "WITHSCORES")}
`)

// TryJoin inserts the membership if the subject holds fewer than maxAllowed instances
func (s *RedisMembershipStore) TryJoin(ctx context.Context, subjectID, instanceID string, maxAllowed int, joinedAt time.Time) (admission.JoinOutcome, error) {
	reply, err := tryJoinScript.Run(ctx, s.client,
		[]string{s.membersKey(subjectID)},
		instanceID, maxAllowed, joinedAt.UTC().UnixMilli(),
	).Slice()
	if err != nil {
		return admission.JoinOutcome{}, admission.StoreUnavailable("redis try join", err)
	}
	if len(reply) != 3 {
		return admission.JoinOutcome{}, admission.StoreUnavailable("redis try join",
			fmt.Errorf("unexpected script reply length %d", len(reply)))
	}

	joined, _ := reply[0].(int64)
	already, _ := reply[1].(int64)
	flat, _ := reply[2].([]interface{})
	members, err := s.decodeMembers(subjectID, flat)
	if err != nil {
		return admission.JoinOutcome{}, admission.StoreUnavailable("redis try join", err)
	}

	return admission.JoinOutcome{
		Joined:           joined == 1,
		AlreadyMember:    already == 1,
		CurrentCount:     len(members),
		CurrentInstances: admission.InstanceIDs(members),
	}, nil
}

// Leave removes the membership; removing an absent one returns false
func (s *RedisMembershipStore) Leave(ctx context.Context, subjectID, instanceID string) (bool, error) {
	n, err := s.client.ZRem(ctx, s.membersKey(subjectID), instanceID).Result()
	if err != nil {
		return false, admission.StoreUnavailable("redis leave", err)
	}
	return n == 1, nil
}

// ListCurrent returns the subject's memberships in join order
func (s *RedisMembershipStore) ListCurrent(ctx context.Context, subjectID string) ([]admission.Membership, error) {
	zs, err := s.client.ZRangeWithScores(ctx, s.membersKey(subjectID), 0, -1).Result()
	if err != nil {
		return nil, admission.StoreUnavailable("redis list memberships", err)
	}
	out := make([]admission.Membership, 0, len(zs))
	for _, z := range zs {
		instanceID, _ := z.Member.(string)
		out = append(out, s.membership(subjectID, instanceID, int64(z.Score)))
	}
	return out, nil
}

// Ping checks that Redis is reachable
func (s *RedisMembershipStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisMembershipStore) decodeMembers(subjectID string, flat []interface{}) ([]admission.Membership, error) {
	if len(flat)%2 != 0 {
		return nil, fmt.Errorf("unexpected member list length %d", len(flat))
	}
	out := make([]admission.Membership, 0, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		instanceID, _ := flat[i].(string)
		scoreStr, _ := flat[i+1].(string)
		score, err := strconv.ParseFloat(scoreStr, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid member score %q: %w", scoreStr, err)
		}
		out = append(out, s.membership(subjectID, instanceID, int64(score)))
	}
	return out, nil
}

// membership rebuilds a record. The ID is derived from the subject, instance
// and join time, so it is stable for one record and differs after a rejoin.
func (s *RedisMembershipStore) membership(subjectID, instanceID string, joinedMillis int64) admission.Membership {
	name := subjectID + "\x00" + instanceID + "\x00" + strconv.FormatInt(joinedMillis, 10)
	return admission.Membership{
		ID:                 uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)),
		SubjectID:          subjectID,
		ResourceInstanceID: instanceID,
		JoinedAt:           time.UnixMilli(joinedMillis).UTC(),
		State:              admission.MembershipActive,
	}
}

var (
	_ admission.MembershipStore = (*RedisMembershipStore)(nil)
	_ admission.HealthChecker   = (*RedisMembershipStore)(nil)
)
