package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/huaweicloud/huaweicloud-sdk-go-obs/obs"

	"github.com/lvcoi/tubefetch/internal/config"
)

// OBS uploads to a Huawei Cloud OBS bucket.
type OBS struct {
	remote
	client *obs.ObsClient
}

// NewOBS creates an OBS client for cfg.
func NewOBS(cfg config.OBSConfig, cleanup bool) (*OBS, error) {
	client, err := obs.New(cfg.AccessKey, cfg.SecretKey, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("creating OBS client: %w", err)
	}
	p := NewOBSWithPutter(func(in *obs.PutFileInput) (*obs.PutObjectOutput, error) {
		return client.PutFile(in)
	}, cfg.Bucket, cfg.Endpoint, cleanup)
	p.client = client
	return p, nil
}

// NewOBSWithPutter wires an arbitrary PutFile implementation.
func NewOBSWithPutter(putFile func(*obs.PutFileInput) (*obs.PutObjectOutput, error), bucket, endpoint string, cleanup bool) *OBS {
	put := func(ctx context.Context, localPath, key, contentType string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		input := &obs.PutFileInput{}
		input.Bucket = bucket
		input.Key = key
		input.SourceFile = localPath
		input.ACL = obs.AclPublicRead
		input.ContentType = contentType
		if _, err := putFile(input); err != nil {
			if obsErr, ok := err.(obs.ObsError); ok {
				return fmt.Errorf("obs error %s: %s", obsErr.Code, obsErr.Message)
			}
			return err
		}
		return nil
	}
	return &OBS{remote: remote{
		backend:  "obs",
		put:      put,
		baseURL:  OBSBaseURL(bucket, endpoint),
		cleanup:  cleanup,
		fallback: Local{Route: DefaultRoute},
	}}
}

// OBSBaseURL is the virtual-hosted endpoint of bucket on endpoint.
func OBSBaseURL(bucket, endpoint string) string {
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "https://" + bucket + "." + strings.TrimPrefix(endpoint, "https://")
	}
	return u.Scheme + "://" + bucket + "." + u.Host
}

// Close releases the underlying client.
func (o *OBS) Close() {
	if o.client != nil {
		o.client.Close()
	}
}
