//go:build !gcp

package vault

import (
	"context"
	"fmt"
)

func newGCSArchive(_ context.Context, _, _ string) (Archive, error) {
	return nil, fmt.Errorf("vault: gcs archive is not enabled in this build (use -tags gcp)")
}
