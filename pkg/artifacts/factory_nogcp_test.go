//go:build !gcp

package artifacts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kpjmd/Kinetix/pkg/config"
)

func TestOpen_GCSNotCompiledIn(t *testing.T) {
	_, err := Open(context.Background(), &config.Config{ArtifactBackend: "gcs", GCSBucket: "b"})
	assert.ErrorContains(t, err, "use -tags gcp")
}
