package main

import (
	"log"
	"os"
	"strings"
	"time"

	"voxelstruct.ai/internal/buildcache"
)

// openBuildCache prefers a shared redis cache (VS_REDIS_ADDR) and otherwise
// keeps VS_BUILD_CACHE_MB of documents in process. VS_BUILD_CACHE_MB=0
// without redis disables caching.
func openBuildCache(logger *log.Logger) (buildcache.Cache, func(), error) {
	if addr := strings.TrimSpace(os.Getenv("VS_REDIS_ADDR")); addr != "" {
		r, err := buildcache.NewRedis(buildcache.RedisConfig{
			Addr:     addr,
			Password: os.Getenv("VS_REDIS_PASSWORD"),
			DB:       envInt("VS_REDIS_DB", 0),
			Prefix:   strings.TrimSpace(os.Getenv("VS_REDIS_PREFIX")),
			TTL:      time.Duration(envInt("VS_BUILD_CACHE_TTL_S", 24*3600)) * time.Second,
		})
		if err != nil {
			return nil, func() {}, err
		}
		logger.Printf("build cache: redis %s", addr)
		return r, func() { _ = r.Close() }, nil
	}

	if strings.TrimSpace(os.Getenv("VS_BUILD_CACHE_MB")) == "0" {
		return nil, func() {}, nil
	}
	mb := envInt("VS_BUILD_CACHE_MB", 64)
	logger.Printf("build cache: memory %d MiB", mb)
	return buildcache.NewMemory(mb << 20), func() {}, nil
}
