package s3

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type fakeAPI struct {
	objects map[string]string
	// length overrides the HEAD content length when set
	length map[string]int64
	gets   int
}

func (f *fakeAPI) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	body, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	n := int64(len(body))
	if l, ok := f.length[aws.ToString(in.Key)]; ok {
		n = l
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(n)}, nil
}

func (f *fakeAPI) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.gets++
	body, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func newTestClient(api API, maxSize int64) *Client {
	cfg := DefaultConfig()
	cfg.MaxSize = maxSize
	c := NewWithAPI(api, cfg)
	c.SuppressLogs()
	return c
}

func TestDownload(t *testing.T) {
	payload := strings.Repeat("nuwax", 1000)
	api := &fakeAPI{objects: map[string]string{"releases/1.2.0/full.tar.gz": payload}}
	c := newTestClient(api, 0)

	var lastDone int64
	c.SetProgressFunc(func(done, total int64, speed float64) { lastDone = done })

	dest := filepath.Join(t.TempDir(), "cache", "full.tar.gz")
	res, err := c.Download(context.Background(), "releases", "1.2.0/full.tar.gz", dest)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}

	sum := sha256.Sum256([]byte(payload))
	if res.Checksum != hex.EncodeToString(sum[:]) {
		t.Errorf("checksum = %s", res.Checksum)
	}
	if res.SizeBytes != int64(len(payload)) || res.LocalPath != dest {
		t.Errorf("unexpected result %+v", res)
	}
	if lastDone != int64(len(payload)) {
		t.Errorf("progress ended at %d", lastDone)
	}
	data, err := os.ReadFile(dest)
	if err != nil || string(data) != payload {
		t.Fatalf("destination content mismatch: %v", err)
	}
	if _, err := os.Stat(dest + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file left behind: %v", err)
	}
}

func TestDownload_Errors(t *testing.T) {
	api := &fakeAPI{
		objects: map[string]string{
			"b/big":   strings.Repeat("x", 100),
			"b/grown": strings.Repeat("x", 100),
			"b/short": strings.Repeat("x", 10),
		},
		length: map[string]int64{"grown": 5, "short": 20},
	}
	c := newTestClient(api, 50)

	tests := []struct {
		name    string
		key     string
		wantErr error
		wantGet bool
	}{
		{"missing", "nope", ErrNotFound, false},
		{"traversal", "a/../../etc", ErrInvalidKey, false},
		{"too large by head", "big", ErrTooLarge, false},
		{"grew after head", "grown", ErrTooLarge, true},
		{"short body", "short", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api.gets = 0
			dest := filepath.Join(t.TempDir(), "out")
			_, err := c.Download(context.Background(), "b", tt.key, dest)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if (api.gets > 0) != tt.wantGet {
				t.Errorf("gets = %d", api.gets)
			}
			if _, err := os.Stat(dest); !os.IsNotExist(err) {
				t.Error("destination must not exist after a failed download")
			}
			if _, err := os.Stat(dest + ".tmp"); !os.IsNotExist(err) {
				t.Error("temp file left behind")
			}
		})
	}
}

func TestParseURL(t *testing.T) {
	tests := []struct {
		in          string
		bucket, key string
		wantErr     bool
	}{
		{"s3://nuwax-releases/1.2.0/full.tar.gz", "nuwax-releases", "1.2.0/full.tar.gz", false},
		{"s3://bucket/a/b/c.zip", "bucket", "a/b/c.zip", false},
		{"https://bucket/key", "", "", true},
		{"s3:///key", "", "", true},
		{"s3://bucket/", "", "", true},
		{"s3://bucket/x/../../y", "", "", true},
	}
	for _, tt := range tests {
		bucket, key, err := ParseURL(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseURL(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if bucket != tt.bucket || key != tt.key {
			t.Errorf("ParseURL(%q) = %q, %q", tt.in, bucket, key)
		}
	}
}

func TestValidateS3Key(t *testing.T) {
	valid := []string{"a", "images/alpine/3.18.tar", "dir/file..name"}
	for _, k := range valid {
		if err := validateS3Key(k); err != nil {
			t.Errorf("validateS3Key(%q) = %v", k, err)
		}
	}
	invalid := []string{"", "/abs", "..", "a/../b", "nul\x00", strings.Repeat("k", 1025)}
	for _, k := range invalid {
		if err := validateS3Key(k); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("validateS3Key(%q) = %v, want ErrInvalidKey", k, err)
		}
	}
}
