package codec

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	offlinecache "github.com/dgduncan/go-offline-cache"
)

func TestTaskTimes(t *testing.T) {
	enqueued := time.Date(2023, 1, 1, 12, 0, 0, 123456789, time.FixedZone("CET", 3600))

	b, err := EncodeTask(&offlinecache.DeferredTask{
		ID:         "task-a",
		Seq:        1,
		Method:     http.MethodPost,
		URL:        "http://localhost:5000/push_data",
		EnqueuedAt: enqueued,
	})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"enqueued_at":1672570800123`)
	assert.NotContains(t, string(b), "last_attempt", "an unset last attempt is omitted")

	got, err := DecodeTask(b)
	require.NoError(t, err)
	assert.True(t, got.LastAttempt.IsZero())
	assert.Equal(t, time.UTC, got.EnqueuedAt.Location())
	assert.True(t, enqueued.Truncate(time.Millisecond).Equal(got.EnqueuedAt))
}

func TestDecodeEntryRejectsGarbage(t *testing.T) {
	_, err := DecodeEntry([]byte("not gob"))
	assert.Error(t, err)

	_, err = DecodeTask([]byte("{"))
	assert.Error(t, err)
}
