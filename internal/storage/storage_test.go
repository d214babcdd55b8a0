package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duckdp/internal/domain"
)

func TestParseLocation(t *testing.T) {
	tests := []struct {
		raw  string
		want Location
	}{
		{"data/PUMS.csv", Location{Scheme: SchemeFile, Key: "data/PUMS.csv"}},
		{"/abs/PUMS.csv", Location{Scheme: SchemeFile, Key: "/abs/PUMS.csv"}},
		{"file:///abs/PUMS.csv", Location{Scheme: SchemeFile, Key: "/abs/PUMS.csv"}},
		{"s3://bucket/dir/PUMS.csv", Location{Scheme: SchemeS3, Bucket: "bucket", Key: "dir/PUMS.csv"}},
		{"s3a://bucket/PUMS.csv", Location{Scheme: SchemeS3, Bucket: "bucket", Key: "PUMS.csv"}},
		{"gs://bucket/PUMS.csv", Location{Scheme: SchemeGCS, Bucket: "bucket", Key: "PUMS.csv"}},
		{"az://container/a/b.csv", Location{Scheme: SchemeAzure, Bucket: "container", Key: "a/b.csv"}},
		{"abfss://container@acct.dfs.core.windows.net/x.csv", Location{Scheme: SchemeAzure, Bucket: "container", Key: "x.csv"}},
	}
	for _, tc := range tests {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := ParseLocation(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseLocation_Errors(t *testing.T) {
	for _, raw := range []string{"", "s3://bucket", "s3:///key", "ftp://host/x.csv", "gs://bucket/"} {
		t.Run(raw, func(t *testing.T) {
			_, err := ParseLocation(raw)
			var ve *domain.ValidationError
			assert.ErrorAs(t, err, &ve)
		})
	}
}

func TestLocation_String(t *testing.T) {
	assert.Equal(t, "s3://b/k.csv", Location{Scheme: SchemeS3, Bucket: "b", Key: "k.csv"}.String())
	assert.Equal(t, "x.csv", Location{Scheme: SchemeFile, Key: "x.csv"}.String())
}

func TestOpener_Local(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b\n1,2\n"), 0o600))

	o := NewOpener(Credentials{})
	rc, err := o.Open(context.Background(), path)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "a,b\n1,2\n", string(data))

	local, cleanup, err := o.Fetch(context.Background(), path, t.TempDir())
	require.NoError(t, err)
	defer cleanup()
	assert.Equal(t, path, local)

	_, err = o.Open(context.Background(), filepath.Join(t.TempDir(), "missing.csv"))
	require.Error(t, err)
}

func TestOpener_AzureNeedsCredentials(t *testing.T) {
	_, err := NewOpener(Credentials{}).Open(context.Background(), "az://c/x.csv")
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
}
