package scylla

import (
	"fmt"
	"time"

	"github.com/gocql/gocql"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS call_sessions (
		call_id text PRIMARY KEY,
		task_id text,
		state text,
		voice text,
		queue_depth int,
		last_error text,
		created_at timestamp,
		updated_at timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS task_transitions (
		task_id text,
		occurred_at timestamp,
		seq timeuuid,
		campaign_id text,
		from_status text,
		to_status text,
		attempt int,
		call_id text,
		error_kind text,
		error_message text,
		PRIMARY KEY ((task_id), occurred_at, seq)
	) WITH CLUSTERING ORDER BY (occurred_at ASC, seq ASC)`,
}

// EnsureSchema creates the tables used by the session store and transition log.
func EnsureSchema(session *gocql.Session) error {
	for _, stmt := range schema {
		if err := session.Query(stmt).Exec(); err != nil {
			return fmt.Errorf("scylla schema: %w", err)
		}
	}
	return nil
}

func ttlSeconds(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	return int(ttl / time.Second)
}
