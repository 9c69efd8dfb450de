package main

import (
	"context"
	"fmt"
	"path"
	"time"

	"dagger/sipfork/internal/dagger"
)

// bucket is an S3-compatible artifact bucket.
type bucket struct {
	endpoint        *dagger.Secret
	name            *dagger.Secret
	accessKeyID     *dagger.Secret
	secretAccessKey *dagger.Secret
}

// sync copies artifacts under each prefix of the bucket.
func (b *bucket) sync(ctx context.Context, artifacts *dagger.Directory, prefixes ...string) error {
	name, err := b.name.Plaintext(ctx)
	if err != nil {
		return fmt.Errorf("reading bucket name: %w", err)
	}
	endpoint, err := b.endpoint.Plaintext(ctx)
	if err != nil {
		return fmt.Errorf("reading bucket endpoint: %w", err)
	}

	aws := dag.Container().
		From("amazon/aws-cli:latest").
		WithSecretVariable("AWS_ACCESS_KEY_ID", b.accessKeyID).
		WithSecretVariable("AWS_SECRET_ACCESS_KEY", b.secretAccessKey).
		WithEnvVariable("AWS_DEFAULT_REGION", "auto").
		WithDirectory("/artifacts", artifacts).
		WithWorkdir("/artifacts")

	for _, prefix := range prefixes {
		dest := "s3://" + path.Join(name, prefix)
		_, err := aws.
			WithExec([]string{"aws", "s3", "sync", ".", dest, "--endpoint-url", endpoint}).
			Sync(ctx)
		if err != nil {
			return fmt.Errorf("uploading to %s: %w", prefix, err)
		}
	}
	return nil
}

// ReleaseLatest builds versioned sipfork binaries and publishes them under
// the version and under "latest"
func (s *Sipfork) ReleaseLatest(
	ctx context.Context,

	// Version string (e.g., "v1.0.0")
	version string,

	// Git commit SHA
	commit string,

	// Bucket endpoint URL
	endpoint *dagger.Secret,

	// Bucket name
	bucketName *dagger.Secret,

	// Bucket access key ID
	accessKeyId *dagger.Secret,

	// Bucket secret access key
	secretAccessKey *dagger.Secret,
) (*dagger.Directory, error) {
	artifacts := s.BuildRelease(ctx, version, commit)
	b := &bucket{
		endpoint:        endpoint,
		name:            bucketName,
		accessKeyID:     accessKeyId,
		secretAccessKey: secretAccessKey,
	}
	if err := b.sync(ctx, artifacts, version, "latest"); err != nil {
		return artifacts, err
	}
	return artifacts, nil
}

// Nightly builds sipfork at commit and publishes it under nightly/ and
// nightly/<date>
func (s *Sipfork) Nightly(
	ctx context.Context,

	// Git commit SHA
	commit string,

	// Bucket endpoint URL
	endpoint *dagger.Secret,

	// Bucket name
	bucketName *dagger.Secret,

	// Bucket access key ID
	accessKeyId *dagger.Secret,

	// Bucket secret access key
	secretAccessKey *dagger.Secret,
) (*dagger.Directory, error) {
	artifacts := s.BuildRelease(ctx, "nightly", commit)
	b := &bucket{
		endpoint:        endpoint,
		name:            bucketName,
		accessKeyID:     accessKeyId,
		secretAccessKey: secretAccessKey,
	}
	dated := path.Join("nightly", time.Now().UTC().Format(time.DateOnly))
	return artifacts, b.sync(ctx, artifacts, "nightly", dated)
}
