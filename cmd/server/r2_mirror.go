package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"voxelstruct.ai/internal/persistence/r2s3"
)

// buildR2Mirror returns nil when VS_R2_MIRROR is off.
func buildR2Mirror(exportDir string, logger *log.Logger) (*r2s3.Mirror, error) {
	if !envBool("VS_R2_MIRROR", false) {
		return nil, nil
	}
	if exportDir == "" {
		return nil, fmt.Errorf("VS_R2_MIRROR=true requires kept exports (-keep_exports)")
	}

	endpoint := strings.TrimSpace(os.Getenv("VS_R2_ENDPOINT"))
	bucket := strings.TrimSpace(os.Getenv("VS_R2_BUCKET"))
	accessKeyID := strings.TrimSpace(os.Getenv("VS_R2_ACCESS_KEY_ID"))
	secretAccessKey := strings.TrimSpace(os.Getenv("VS_R2_SECRET_ACCESS_KEY"))
	prefix := strings.TrimSpace(os.Getenv("VS_R2_PREFIX"))

	if endpoint == "" || bucket == "" || accessKeyID == "" || secretAccessKey == "" {
		return nil, fmt.Errorf("VS_R2_MIRROR=true but VS_R2_ENDPOINT/VS_R2_BUCKET/VS_R2_ACCESS_KEY_ID/VS_R2_SECRET_ACCESS_KEY are not fully set")
	}

	client, err := r2s3.New(endpoint, bucket, accessKeyID, secretAccessKey)
	if err != nil {
		return nil, err
	}
	workers := envInt("VS_R2_UPLOAD_WORKERS", 2)
	queue := envInt("VS_R2_QUEUE_CAPACITY", 256)
	return r2s3.NewMirror(client, exportDir, prefix, workers, queue, logger), nil
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
