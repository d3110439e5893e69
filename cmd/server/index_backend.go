package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"voxelstruct.ai/internal/persistence/indexdb"
	persistlog "voxelstruct.ai/internal/persistence/log"
)

// openRuntimeIndex picks the export index backend from VS_INDEX_BACKEND.
// A nil index with a nil error means indexing is off.
func openRuntimeIndex(dataDir string, disableDB bool, logger *log.Logger) (indexdb.Index, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("VS_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		dbPath := filepath.Join(dataDir, "index", "exports.sqlite")
		idx, err := indexdb.OpenSQLite(dbPath)
		if err != nil {
			return nil, err
		}
		return idx, nil
	case "d1":
		endpoint := strings.TrimSpace(os.Getenv("VS_INDEX_D1_INGEST_URL"))
		token := strings.TrimSpace(os.Getenv("VS_INDEX_D1_TOKEN"))
		if endpoint == "" {
			return nil, fmt.Errorf("VS_INDEX_BACKEND=d1 but VS_INDEX_D1_INGEST_URL is empty")
		}
		source := strings.TrimSpace(os.Getenv("VS_INDEX_SOURCE"))
		if source == "" {
			source, _ = os.Hostname()
		}
		idx, err := indexdb.OpenD1(indexdb.D1Config{
			Endpoint:      endpoint,
			Token:         token,
			Source:        source,
			BatchSize:     envInt("VS_INDEX_D1_BATCH_SIZE", 128),
			FlushInterval: time.Duration(envInt("VS_INDEX_D1_FLUSH_MS", 500)) * time.Millisecond,
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unsupported VS_INDEX_BACKEND: %s", backend)
	}
}

// openExportSinks opens the write-only export consumers: the hourly audit
// log and, when VS_NATS_URL is set, a NATS event stream.
func openExportSinks(dataDir string, auditLog bool, logger *log.Logger) ([]indexdb.Index, error) {
	var sinks []indexdb.Index
	if auditLog {
		sinks = append(sinks, persistlog.NewExportLog(dataDir, func(err error) { logger.Printf("export log: %v", err) }))
	}
	if url := strings.TrimSpace(os.Getenv("VS_NATS_URL")); url != "" {
		source, _ := os.Hostname()
		n, err := indexdb.OpenNATS(indexdb.NATSConfig{
			URL:     url,
			Subject: strings.TrimSpace(os.Getenv("VS_NATS_SUBJECT")),
			Source:  source,
			Logger:  logger,
		})
		if err != nil {
			for _, s := range sinks {
				_ = s.Close()
			}
			return nil, err
		}
		sinks = append(sinks, n)
	}
	return sinks, nil
}
