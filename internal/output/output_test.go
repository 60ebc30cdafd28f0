package output

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	paths []string
}

func (r *recorder) Write(_ context.Context, path string, _ []byte) error {
	r.paths = append(r.paths, path)
	return nil
}

func TestFileSink_WritesNestedPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deployments", "hardhat", "newBlr-1.json")
	require.NoError(t, FileSink{}.Write(context.Background(), path, []byte(`{"ok":true}`)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestRouter_Dispatch(t *testing.T) {
	file, s3 := &recorder{}, &recorder{}
	r := Router{File: file, S3: s3}
	ctx := context.Background()

	require.NoError(t, r.Write(ctx, "out/result.json", nil))
	require.NoError(t, r.Write(ctx, "s3://deployments/hardhat/result.json", nil))

	assert.Equal(t, []string{"out/result.json"}, file.paths)
	assert.Equal(t, []string{"s3://deployments/hardhat/result.json"}, s3.paths)

	assert.Error(t, Router{File: file}.Write(ctx, "s3://b/k", nil))
}

func TestParseS3Path(t *testing.T) {
	bucket, key, err := ParseS3Path("s3://deployments/hardhat/newBlr.json")
	require.NoError(t, err)
	assert.Equal(t, "deployments", bucket)
	assert.Equal(t, "hardhat/newBlr.json", key)

	for _, bad := range []string{"deployments/x.json", "s3://", "s3://bucket", "s3://bucket/", "s3:///key"} {
		_, _, err := ParseS3Path(bad)
		assert.Error(t, err, bad)
	}
}

func TestMinIOConfig_Validate(t *testing.T) {
	assert.Error(t, MinIOConfig{}.Validate())
	assert.Error(t, MinIOConfig{Endpoint: "localhost:9000"}.Validate())
	assert.NoError(t, MinIOConfig{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "s"}.Validate())

	sink, err := NewMinIOSink(MinIOConfig{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "s"})
	require.NoError(t, err)
	assert.NotNil(t, sink)
}
