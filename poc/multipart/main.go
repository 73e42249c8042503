package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"runtime"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const (
	payloadSize = 256 << 20 // 256 MiB, typical triage image scale
	keyPrefix   = "harvest-poc/multipart"
)

// partSizes to benchmark. The uploader refuses parts below 5 MiB.
var partSizes = []int64{5 << 20, 10 << 20, 64 << 20}

func main() {
	log.Println("=== Harvest Multipart Upload POC ===")

	bucket := os.Getenv("HARVEST_POC_BUCKET")
	if bucket == "" {
		log.Fatal("HARVEST_POC_BUCKET must be set\n" +
			"For a local run, point AWS_ENDPOINT_URL at MinIO:\n" +
			"  docker run -p 9000:9000 minio/minio server /data\n" +
			"  export AWS_ENDPOINT_URL=http://localhost:9000")
	}
	endpoint := os.Getenv("AWS_ENDPOINT_URL")
	log.Printf("Bucket: %s", bucket)
	if endpoint != "" {
		log.Printf("Endpoint: %s (path-style)", endpoint)
	}
	log.Println()

	ctx := context.Background()

	// 1. Build the client
	log.Println("1. Loading AWS config...")
	client, err := buildClient(ctx, endpoint)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Println("✓ Client ready")

	// 2. Synthesize a payload; random bytes defeat transparent compression
	log.Printf("\n2. Generating %d MiB payload...", payloadSize>>20)
	payload := make([]byte, payloadSize)
	rand.New(rand.NewSource(42)).Read(payload)
	log.Println("✓ Payload ready")

	// 3. Baseline: single PutObject
	log.Println("\n3. Single PutObject baseline...")
	key := keyPrefix + "/single.bin"
	start := time.Now()
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(payload),
	})
	if err != nil {
		log.Fatalf("PutObject failed: %v", err)
	}
	report("PutObject", time.Since(start))
	verifyAndDelete(ctx, client, bucket, key)

	// 4. Multipart at each part size
	for _, partSize := range partSizes {
		log.Printf("\n4. Multipart upload, %d MiB parts, 5 workers...", partSize>>20)
		up := manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = partSize
			u.Concurrency = 5
		})
		key := fmt.Sprintf("%s/part-%dm.bin", keyPrefix, partSize>>20)
		start := time.Now()
		_, err := up.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(payload),
		})
		if err != nil {
			log.Fatalf("Multipart upload failed: %v", err)
		}
		report(fmt.Sprintf("%d MiB parts", partSize>>20), time.Since(start))
		verifyAndDelete(ctx, client, bucket, key)
	}

	// 5. HEAD on a key that does not exist must be distinguishable
	log.Println("\n5. HEAD on a missing key...")
	_, err = client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(keyPrefix + "/never-uploaded.bin"),
	})
	if err == nil {
		log.Fatal("HEAD on missing key unexpectedly succeeded")
	}
	log.Printf("✓ Missing key errors as expected: %v", truncate(err))

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	log.Printf("\n--- Memory Usage ---")
	log.Printf("Alloc: %d MB", m.Alloc/1024/1024)
	log.Printf("TotalAlloc: %d MB", m.TotalAlloc/1024/1024)
	log.Printf("Sys: %d MB", m.Sys/1024/1024)

	log.Println("\n✅ All tests passed!")
}

// buildClient assembles an S3 client from the ambient credential chain,
// optionally pinned to a custom endpoint (MinIO needs path-style).
func buildClient(ctx context.Context, endpoint string) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if id := os.Getenv("AWS_ACCESS_KEY_ID"); id != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(id, os.Getenv("AWS_SECRET_ACCESS_KEY"), ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// verifyAndDelete confirms the object landed with the right size, then
// removes it so reruns start clean.
func verifyAndDelete(ctx context.Context, client *s3.Client, bucket, key string) {
	head, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		log.Fatalf("HEAD after upload failed: %v", err)
	}
	if size := aws.ToInt64(head.ContentLength); size != payloadSize {
		log.Fatalf("HEAD size mismatch: got %d, want %d", size, payloadSize)
	}
	log.Printf("✓ HEAD verified %d bytes, ETag %s", payloadSize, aws.ToString(head.ETag))

	if _, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		log.Printf("Cleanup delete failed (non-fatal): %v", err)
	}
}

func report(name string, elapsed time.Duration) {
	mbps := float64(payloadSize) / (1 << 20) / elapsed.Seconds()
	log.Printf("✓ %s: %v (%.1f MiB/s)", name, elapsed.Round(time.Millisecond), mbps)
}

func truncate(err error) string {
	var unwrapped error = err
	for errors.Unwrap(unwrapped) != nil {
		unwrapped = errors.Unwrap(unwrapped)
	}
	s := unwrapped.Error()
	if len(s) > 80 {
		return s[:80] + "..."
	}
	return s
}
