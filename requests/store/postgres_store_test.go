package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/imtaco/peer-connect/requests"
)

func TestBuildSelect(t *testing.T) {
	now := time.Date(2025, 3, 1, 20, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		query    requests.Query
		wantSQL  string
		wantArgs []any
	}{
		{
			name:    "no filter",
			query:   requests.Query{},
			wantSQL: "SELECT " + pgColumns + " FROM connect_requests ORDER BY created_at ASC, id ASC",
		},
		{
			name: "list available",
			query: requests.Query{
				Kinds:              []requests.Kind{requests.KindOneOnOne},
				Statuses:           []requests.Status{requests.StatusAvailable},
				ExcludeRequesterID: "alice",
				ExpiresAfter:       now,
				Limit:              50,
			},
			wantSQL: "SELECT " + pgColumns + " FROM connect_requests" +
				" WHERE kind = ANY($1) AND status = ANY($2) AND requester_id <> $3 AND expires_at > $4" +
				" ORDER BY created_at ASC, id ASC LIMIT $5",
			wantArgs: []any{[]string{"one_on_one"}, []string{"available"}, "alice", now, 50},
		},
		{
			name: "reaper scan",
			query: requests.Query{
				Statuses:      []requests.Status{requests.StatusCompleted},
				RequesterID:   "bob",
				ExpiresBefore: now,
				CreatedBefore: now,
			},
			wantSQL: "SELECT " + pgColumns + " FROM connect_requests" +
				" WHERE status = ANY($1) AND requester_id = $2 AND expires_at <= $3 AND created_at < $4" +
				" ORDER BY created_at ASC, id ASC",
			wantArgs: []any{[]string{"completed"}, "bob", now, now},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sql, args := buildSelect(tc.query)
			assert.Equal(t, tc.wantSQL, sql)
			assert.Equal(t, tc.wantArgs, args)
		})
	}
}

func TestBuildConditionalUpdate(t *testing.T) {
	now := time.Date(2025, 3, 1, 20, 0, 0, 0, time.UTC)
	const setClause = "UPDATE connect_requests SET status = $1, room_id = COALESCE($2, room_id), acceptor_id = COALESCE($3, acceptor_id)"

	t.Run("accept", func(t *testing.T) {
		sql, args := buildConditionalUpdate("r1",
			requests.Condition{Status: requests.StatusAvailable, LiveAt: now},
			requests.Mutation{Status: requests.StatusMatched, RoomID: "room-1", AcceptorID: "bob"})

		assert.Equal(t, setClause+" WHERE id = $4 AND status = $5 AND expires_at > $6", sql)
		assert.Len(t, args, 6)
		assert.Equal(t, "matched", args[0])
		assert.Equal(t, "room-1", *(args[1].(*string)))
		assert.Equal(t, "bob", *(args[2].(*string)))
		assert.Equal(t, "r1", args[3])
		assert.Equal(t, "available", args[4])
		assert.Equal(t, now, args[5])
	})

	t.Run("cancel", func(t *testing.T) {
		sql, args := buildConditionalUpdate("r1",
			requests.Condition{Status: requests.StatusAvailable, RequesterID: "alice"},
			requests.Mutation{Status: requests.StatusCompleted})

		assert.Equal(t, setClause+" WHERE id = $4 AND status = $5 AND requester_id = $6", sql)
		assert.Nil(t, args[1])
		assert.Nil(t, args[2])
		assert.Equal(t, "alice", args[5])
	})

	t.Run("complete by party", func(t *testing.T) {
		sql, args := buildConditionalUpdate("r1",
			requests.Condition{Status: requests.StatusMatched, PartyID: "bob"},
			requests.Mutation{Status: requests.StatusCompleted})

		assert.Equal(t, setClause+" WHERE id = $4 AND status = $5 AND (requester_id = $6 OR acceptor_id = $6)", sql)
		assert.Equal(t, "bob", args[5])
	})

	t.Run("expire", func(t *testing.T) {
		sql, _ := buildConditionalUpdate("r1",
			requests.Condition{Status: requests.StatusAvailable, ExpiredAt: now},
			requests.Mutation{Status: requests.StatusCompleted})

		assert.Equal(t, setClause+" WHERE id = $4 AND status = $5 AND expires_at <= $6", sql)
	})
}
