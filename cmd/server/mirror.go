package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"strings"

	"claimsync.ai/internal/config"
	"claimsync.ai/internal/persistence/auditlog"
	"claimsync.ai/internal/persistence/mirror"
)

type mirrorRuntime struct {
	enabled bool
	mirror  *mirror.Mirror
}

func buildMirrorRuntime(ctx context.Context, cfg config.MirrorConfig, auditDir string, logger *log.Logger) (*mirrorRuntime, error) {
	if !cfg.Enabled {
		return &mirrorRuntime{enabled: false}, nil
	}
	client, err := mirror.NewS3(ctx, cfg)
	if err != nil {
		return nil, err
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = envInt("CLAIMSYNC_MIRROR_WORKERS", 2)
	}
	m := mirror.New(client, auditDir, cfg.Prefix, mirror.Options{Workers: workers}, logger)
	return &mirrorRuntime{enabled: true, mirror: m}, nil
}

func (r *mirrorRuntime) Close() {
	if r == nil || r.mirror == nil {
		return
	}
	r.mirror.Close()
}

func (r *mirrorRuntime) Enqueue(localPath string) {
	if r == nil || !r.enabled || r.mirror == nil {
		return
	}
	r.mirror.Enqueue(localPath)
}

// EnqueueExisting re-uploads segments left by a previous run. Keys are
// stable, so a segment that was already mirrored is simply overwritten.
func (r *mirrorRuntime) EnqueueExisting(dir, prefix string) {
	if r == nil || !r.enabled {
		return
	}
	paths, err := auditlog.Segments(dir, prefix)
	if err != nil {
		return
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			r.Enqueue(p)
		}
	}
}

func (r *mirrorRuntime) Stats() (mirror.Stats, bool) {
	if r == nil || !r.enabled || r.mirror == nil {
		return mirror.Stats{}, false
	}
	return r.mirror.Stats(), true
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
