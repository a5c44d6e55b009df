package store

import (
	"context"
	"fmt"
)

// DownloadObject fetches one object from the code bucket. A missing
// object is an error; the code cache distinguishes candidates by trying
// each in turn.
func (c *Client) DownloadObject(ctx context.Context, path string) ([]byte, error) {
	data, err := c.db.Storage.DownloadFile(c.bucket, path)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", path, err)
	}
	return data, nil
}
