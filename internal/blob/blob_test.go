package blob

import (
	"context"
	"os"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voice-sync/internal/domain"
)

func exerciseStore(t *testing.T, s Store, key string) {
	t.Helper()
	ctx := context.Background()

	ok, err := s.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Read(ctx, key)
	assert.True(t, errors.Is(err, domain.ErrNotFound), "got %v", err)

	require.NoError(t, s.Write(ctx, key, []byte("RIFF....WAVE")))
	require.NoError(t, s.Write(ctx, key, []byte("RIFF-v2")))

	ok, err = s.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := s.Read(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("RIFF-v2"), data)

	require.NoError(t, s.Delete(ctx, key))
	ok, err = s.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStore(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	exerciseStore(t, s, AudioKey(&domain.AudioFile{ID: domain.NewDeviceID(), Filename: "Memo.M4A"}))
}

func TestFileStore_RejectsTraversal(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"../escape", "audio/../../escape", "."} {
		assert.Error(t, s.Write(context.Background(), key, []byte("x")), key)
	}
}

func TestAudioKey(t *testing.T) {
	assert.Equal(t, "audio/abc.m4a", AudioKey(&domain.AudioFile{ID: "abc", Filename: "Memo.M4A"}))
	assert.Equal(t, "audio/abc", AudioKey(&domain.AudioFile{ID: "abc", Filename: "noext"}))
}

func TestS3Store(t *testing.T) {
	bucket := os.Getenv("VOICESYNC_TEST_S3_BUCKET")
	if bucket == "" {
		t.Skip("VOICESYNC_TEST_S3_BUCKET not set")
	}
	s, err := NewS3Store(context.Background(), S3Config{
		Bucket:       bucket,
		Region:       os.Getenv("AWS_REGION"),
		Endpoint:     os.Getenv("VOICESYNC_TEST_S3_ENDPOINT"),
		Prefix:       "voicesync-test/",
		UsePathStyle: os.Getenv("VOICESYNC_TEST_S3_ENDPOINT") != "",
	})
	require.NoError(t, err)

	exerciseStore(t, s, AudioKey(&domain.AudioFile{ID: domain.NewDeviceID(), Filename: "a.wav"}))
}
