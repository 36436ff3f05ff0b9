//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

func newGCSSink(_ context.Context, _ string) (Sink, error) {
	return nil, fmt.Errorf("archive: gcs backend requires a build with the gcp tag")
}
