package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"closeloop/internal/db"
	"closeloop/internal/migrate"
)

func TestAppendDefaultsActorAndPayload(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn))

	w := Writer{DB: conn, Now: func() time.Time { return time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC) }}
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, w.Append(ctx, tx, CaseCreated, "", "case", "CASE-2026-00000001", "", nil))
	require.NoError(t, w.Append(ctx, tx, ActionClosed, "fac-1", "qa_action", "qa-1", "nurse-1", EventPayload{"warnings": 1}))
	require.NoError(t, tx.Commit())

	rows, err := conn.QueryContext(ctx, `SELECT ts, type, facility_id, actor_id, payload_json FROM events ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()

	type row struct {
		ts, typ  string
		facility sql.NullString
		actor    string
		payload  string
	}
	var got []row
	for rows.Next() {
		var r row
		require.NoError(t, rows.Scan(&r.ts, &r.typ, &r.facility, &r.actor, &r.payload))
		got = append(got, r)
	}
	require.NoError(t, rows.Err())
	require.Len(t, got, 2)

	assert.Equal(t, "2026-01-10T09:00:00Z", got[0].ts)
	assert.False(t, got[0].facility.Valid)
	assert.Equal(t, "system", got[0].actor)
	assert.Equal(t, "{}", got[0].payload)

	assert.Equal(t, "fac-1", got[1].facility.String)
	var p map[string]any
	require.NoError(t, json.Unmarshal([]byte(got[1].payload), &p))
	assert.Equal(t, float64(1), p["warnings"])
}
