package client

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchID(t *testing.T) {
	strict := matchID("team_id", "7", false)
	loose := matchID("team_id", "7", true)

	cases := []struct {
		payload       string
		strict, loose bool
	}{
		{`{"team_id":"7"}`, true, true},
		{`{"team_id":7}`, true, true},
		{`{"team_id":"8"}`, false, false},
		{`{"team_id":null}`, false, true},
		{`{"other":1}`, false, true},
		{`{"team_id":{"x":1}}`, false, false},
		{`not json`, false, true},
	}
	for _, tc := range cases {
		raw := json.RawMessage(tc.payload)
		assert.Equal(t, tc.strict, strict(raw), "strict %s", tc.payload)
		assert.Equal(t, tc.loose, loose(raw), "optional %s", tc.payload)
	}
}

func TestTimestamp_UTC(t *testing.T) {
	ts, err := time.Parse(time.RFC3339Nano, timestamp())
	require.NoError(t, err)
	_, offset := ts.Zone()
	assert.Zero(t, offset)
	assert.WithinDuration(t, time.Now(), ts, time.Minute)
}
