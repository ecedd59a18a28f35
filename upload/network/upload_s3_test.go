package network

import (
	"context"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
)

func TestUploadToS3_ParamValidation(t *testing.T) {
	tests := []struct {
		name    string
		params  S3UploadParams
		wantErr string
	}{
		{
			name:    "missing bucket",
			params:  S3UploadParams{ArchivePath: "/tmp/abc.tar", ObjectKey: "sessions/abc.tar", Region: "eu-central-1"},
			wantErr: "bucket must not be empty",
		},
		{
			name:    "missing archive path",
			params:  S3UploadParams{Bucket: "session-archives", ObjectKey: "sessions/abc.tar", Region: "eu-central-1"},
			wantErr: "archive path must not be empty",
		},
		{
			name:    "missing object key",
			params:  S3UploadParams{Bucket: "session-archives", ArchivePath: "/tmp/abc.tar", Region: "eu-central-1"},
			wantErr: "object key must not be empty",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := UploadToS3(context.Background(), tt.params, log.NewLogger())
			assert.EqualError(t, err, tt.wantErr)
		})
	}
}

func TestLoadAWSCredentials_RequiresRegion(t *testing.T) {
	_, err := loadAWSCredentials(context.Background(), "", "", "", log.NewLogger())
	assert.EqualError(t, err, "region must not be empty")
}
