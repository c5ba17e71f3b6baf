package runner

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func toJSON(t *testing.T, v interface{}) string {
	buf, err := json.Marshal(v)
	require.NoError(t, err)
	return string(buf)
}

func quote(s string) string {
	buf, _ := json.Marshal(s)
	return string(buf)
}
