package archive

import (
	"context"
	"fmt"
	"path"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSSink writes snapshots to a Cloud Storage bucket under prefix/store/.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSClient builds a storage client. Without credentialsJSON the default
// application credentials are used.
func NewGCSClient(ctx context.Context, credentialsJSON string) (*storage.Client, error) {
	var opts []option.ClientOption
	if credentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credentialsJSON)))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: gcs client: %w", err)
	}
	return client, nil
}

// NewGCSSink constructs GCSSink. The caller owns client.
func NewGCSSink(client *storage.Client, bucket, prefix string) *GCSSink {
	return &GCSSink{client: client, bucket: bucket, prefix: prefix}
}

// Put implements Sink. The snapshot is durable once every writer closed cleanly.
func (s *GCSSink) Put(ctx context.Context, snap Snapshot) (Receipt, error) {
	if snap.StoreID == "" {
		return Receipt{}, fmt.Errorf("%w: empty store", ErrUnsafePath)
	}
	artifacts, err := encode(snap)
	if err != nil {
		return Receipt{}, err
	}
	receipt := Receipt{Location: "gs://" + s.bucket}
	for _, a := range artifacts {
		name := path.Join(s.prefix, snap.StoreID, a.name)
		wc := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
		wc.ContentType = a.contentType
		if _, err := wc.Write(a.body); err != nil {
			_ = wc.Close()
			return Receipt{}, fmt.Errorf("archive: gcs write %s: %w", name, err)
		}
		if err := wc.Close(); err != nil {
			return Receipt{}, fmt.Errorf("archive: gcs close %s: %w", name, err)
		}
		receipt.Objects = append(receipt.Objects, name)
		receipt.Bytes += int64(len(a.body))
	}
	return receipt, nil
}
