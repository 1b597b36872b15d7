// Package witness builds and replays content-addressed attestation
// bundles: a manifest, a file->hash index, and (optionally) the file
// blobs themselves, archived with real zstd compression.
package witness

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/ehrlich-b/ccw-mcp/internal/hashing"
	"github.com/ehrlich-b/ccw-mcp/internal/logger"
)

// Metadata is the in-memory record of one witness, used to validate a
// replay's recomputed root hash against what Create produced.
type Metadata struct {
	WitnessID   string    `json:"witness_id"`
	CapsuleID   string    `json:"capsule_id"`
	CreatedAt   time.Time `json:"created_at"`
	RootHash    string    `json:"root_hash"`
	Compressed  bool      `json:"compressed"`
	SizeBytes   int64     `json:"size_bytes"`
}

type manifest struct {
	WitnessID    string    `json:"witness_id"`
	CapsuleID    string    `json:"capsule_id"`
	CreatedAt    time.Time `json:"created_at"`
	Changes      []string  `json:"changes"`
	Compress     string    `json:"compress"`
	IncludeBlobs bool      `json:"include_blobs"`
}

// Engine creates and replays witness packages under one storage root.
type Engine struct {
	storageDir string

	mu         sync.Mutex
	witnesses  map[string]Metadata
}

func New(storageDir string) (*Engine, error) {
	if err := os.MkdirAll(storageDir, 0755); err != nil {
		return nil, err
	}
	return &Engine{storageDir: storageDir, witnesses: make(map[string]Metadata)}, nil
}

type CreateParams struct {
	CapsuleID     string
	CapsuleMount  string
	Changes       []string
	Compress      string // "zstd" or "none"
	IncludeBlobs  bool
}

type CreateResult struct {
	WitnessID string `json:"witness_id"`
	Path      string `json:"path"`
	RootHash  string `json:"root_hash"`
	SizeBytes int64  `json:"size_bytes"`
}

func (e *Engine) Create(p CreateParams) (CreateResult, error) {
	id := "wit_" + uuid.NewString()
	dir := filepath.Join(e.storageDir, id)
	logger.Debug("witness: create", "witness_id", id, "capsule_id", p.CapsuleID, "changes", len(p.Changes))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return CreateResult{}, err
	}

	createdAt := time.Now().UTC()
	man := manifest{
		WitnessID:    id,
		CapsuleID:    p.CapsuleID,
		CreatedAt:    createdAt,
		Changes:      p.Changes,
		Compress:     p.Compress,
		IncludeBlobs: p.IncludeBlobs,
	}

	hashes := make(map[string]string, len(p.Changes))
	var blobsDir string
	if p.IncludeBlobs {
		blobsDir = filepath.Join(dir, "blobs")
		if err := os.MkdirAll(blobsDir, 0755); err != nil {
			return CreateResult{}, err
		}
	}

	for _, change := range p.Changes {
		filePath := filepath.Join(p.CapsuleMount, change)
		info, err := os.Stat(filePath)
		if err != nil || info.IsDir() {
			continue
		}
		fileHash, err := hashing.File(filePath)
		if err != nil {
			return CreateResult{}, fmt.Errorf("witness: hash %s: %w", change, err)
		}
		hashes[change] = string(fileHash)

		if p.IncludeBlobs {
			blobPath := filepath.Join(blobsDir, fileHash.Hex())
			if _, err := os.Stat(blobPath); os.IsNotExist(err) {
				if err := copyFile(filePath, blobPath); err != nil {
					return CreateResult{}, fmt.Errorf("witness: copy blob %s: %w", change, err)
				}
			}
		}
	}

	manifestBytes, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return CreateResult{}, err
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), manifestBytes, 0644); err != nil {
		return CreateResult{}, err
	}

	hashesBytes, err := json.MarshalIndent(hashes, "", "  ")
	if err != nil {
		return CreateResult{}, err
	}
	if err := os.WriteFile(filepath.Join(dir, "hashes.json"), hashesBytes, 0644); err != nil {
		return CreateResult{}, err
	}

	rootHash := string(hashing.Bytes(append(append([]byte{}, manifestBytes...), hashesBytes...)))

	compressed := false
	if p.Compress == "zstd" {
		if err := archiveAndRemove(dir, id); err != nil {
			return CreateResult{}, fmt.Errorf("witness: compress: %w", err)
		}
		compressed = true
	}

	size, err := dirOrArchiveSize(dir, id, compressed)
	if err != nil {
		return CreateResult{}, err
	}

	e.mu.Lock()
	e.witnesses[id] = Metadata{
		WitnessID:  id,
		CapsuleID:  p.CapsuleID,
		CreatedAt:  createdAt,
		RootHash:   rootHash,
		Compressed: compressed,
		SizeBytes:  size,
	}
	e.mu.Unlock()

	logger.Info("witness: created", "witness_id", id, "root_hash", rootHash, "size", humanize.Bytes(uint64(size)), "compressed", compressed)
	return CreateResult{WitnessID: id, Path: dir, RootHash: rootHash, SizeBytes: size}, nil
}

type ReplayResult struct {
	ReplayOK bool           `json:"replay_ok"`
	RootHash string         `json:"root_hash"`
	Metrics  map[string]any `json:"metrics"`
}

func (e *Engine) Replay(witnessID string) (ReplayResult, error) {
	dir := filepath.Join(e.storageDir, witnessID)

	archivePath := filepath.Join(e.storageDir, witnessID+".tar.zst")
	if _, err := os.Stat(archivePath); err == nil {
		if err := extractArchive(archivePath, dir); err != nil {
			return ReplayResult{}, fmt.Errorf("witness: decompress: %w", err)
		}
	}

	if _, err := os.Stat(dir); err != nil {
		return ReplayResult{ReplayOK: false, Metrics: map[string]any{}}, nil
	}

	manifestBytes, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return ReplayResult{}, fmt.Errorf("witness: read manifest: %w", err)
	}
	hashesBytes, err := os.ReadFile(filepath.Join(dir, "hashes.json"))
	if err != nil {
		return ReplayResult{}, fmt.Errorf("witness: read hashes: %w", err)
	}

	rootHash := string(hashing.Bytes(append(append([]byte{}, manifestBytes...), hashesBytes...)))

	e.mu.Lock()
	meta, known := e.witnesses[witnessID]
	e.mu.Unlock()

	replayOK := true
	if known {
		replayOK = rootHash == meta.RootHash
	}
	if !replayOK {
		logger.Warn("witness: replay mismatch", "witness_id", witnessID, "expected", meta.RootHash, "got", rootHash)
	}

	return ReplayResult{
		ReplayOK: replayOK,
		RootHash: rootHash,
		Metrics:  map[string]any{"cpu_ms": 0, "rss_max_kb": 0},
	}, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}

func dirOrArchiveSize(dir, id string, compressed bool) (int64, error) {
	if compressed {
		info, err := os.Stat(dir + ".tar.zst")
		if err != nil {
			return 0, err
		}
		return info.Size(), nil
	}
	var total int64
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
