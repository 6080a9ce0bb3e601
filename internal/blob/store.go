// Package blob implements a storage node: opaque objects kept on local disk
// under content-addressed shard directories, with per-object and per-node
// quota accounting.
package blob

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
	"github.com/tunnelmesh/blobmesh/internal/httpx"
	"github.com/tunnelmesh/blobmesh/pkg/bytesize"
	"github.com/tunnelmesh/blobmesh/pkg/proto"
)

const defaultContentType = "application/octet-stream"

// Options bounds what a Store accepts.
type Options struct {
	MaxObjectSize   int64  // payload plus stored header bytes
	DiskQuota       int64  // 0 = unlimited
	MaxHeaderCount  int    // stored headers per object
	MaxHeaderLength int    // per header name and per value
	MaxIDLength     int    // characters
	IDCharset       string // regexp character class body, e.g. "A-Za-z0-9._-"
	MetadataPrefix  string // headers with this prefix are stored and echoed
	ChunkSize       int    // streaming buffer size
}

// DefaultOptions returns the limits used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		MaxObjectSize:   10 * bytesize.MB,
		DiskQuota:       1 * bytesize.GB,
		MaxHeaderCount:  20,
		MaxHeaderLength: 50,
		MaxIDLength:     200,
		IDCharset:       "A-Za-z0-9._-",
		MetadataPrefix:  "X-",
		ChunkSize:       httpx.DefaultChunkSize,
	}
}

// Object is an open, committed blob. Callers must Close it.
type Object struct {
	io.ReadCloser
	ID          string
	Size        int64
	ContentType string
	Metadata    map[string]string // allow-listed headers only
}

// Store keeps blobs on disk. Layout:
//
//	{dataDir}/
//	  {sha1[0:3]}/{sha1[3:5]}/{id}/
//	    data        # committed content
//	    data.tmp    # content while an upload streams in
//	    metadata    # JSON map of stored headers
type Store struct {
	dataDir   string
	opts      Options
	idPattern *regexp.Regexp
	quota     *QuotaManager
	locks     *keyedMutex
	metrics   *Metrics

	// mu makes "inspect existing object, release it, check quota, reserve"
	// and the final commit atomic across uploads and deletes. It is never
	// held while a body streams.
	mu sync.Mutex
}

// NewStore opens (creating if needed) a store rooted at dataDir and
// computes current usage by walking it.
func NewStore(dataDir string, opts Options) (*Store, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = httpx.DefaultChunkSize
	}
	if opts.MetadataPrefix == "" {
		return nil, fmt.Errorf("metadata prefix must not be empty")
	}

	pattern, err := compileIDPattern(opts.IDCharset, opts.MaxIDLength)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	s := &Store{
		dataDir:   dataDir,
		opts:      opts,
		idPattern: pattern,
		quota:     NewQuotaManager(opts.DiskQuota),
		locks:     newKeyedMutex(),
	}

	if err := s.calculateUsage(); err != nil {
		return nil, fmt.Errorf("calculate usage: %w", err)
	}
	return s, nil
}

func compileIDPattern(charset string, maxLen int) (*regexp.Regexp, error) {
	if charset == "" {
		return nil, fmt.Errorf("id charset must not be empty")
	}
	if maxLen <= 0 {
		return nil, fmt.Errorf("max id length must be positive")
	}
	pattern, err := regexp.Compile(fmt.Sprintf(`^[%s]{1,%d}$`, charset, maxLen))
	if err != nil {
		return nil, fmt.Errorf("compile id pattern: %w", err)
	}
	return pattern, nil
}

// SetMetrics attaches Prometheus metrics; nil disables them.
func (s *Store) SetMetrics(m *Metrics) {
	s.metrics = m
	s.updateGauges()
}

// DataDir returns the data directory path.
func (s *Store) DataDir() string {
	return s.dataDir
}

// Options returns the limits the store enforces.
func (s *Store) Options() Options {
	return s.opts
}

// UsedBytes returns the bytes held by committed objects.
func (s *Store) UsedBytes() int64 {
	return s.quota.UsedBytes()
}

// calculateUsage walks the data directory once at startup. Only committed
// data files count. Leftovers of interrupted uploads (data.tmp, or a leaf
// directory with metadata but no data) are removed.
func (s *Store) calculateUsage() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var used, objects int64
	var orphans []string

	err := filepath.WalkDir(s.dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		switch d.Name() {
		case dataFile:
			info, err := d.Info()
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("could not stat blob")
				return nil
			}
			used += info.Size()
			objects++
		case tempFile:
			orphans = append(orphans, path)
		case metadataFile:
			if _, err := os.Stat(filepath.Join(filepath.Dir(path), dataFile)); errors.Is(err, fs.ErrNotExist) {
				orphans = append(orphans, filepath.Dir(path))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, path := range orphans {
		log.Warn().Str("path", path).Msg("removing leftover of interrupted upload")
		if err := os.RemoveAll(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("could not remove leftover")
		}
	}

	s.quota.SetUsed(used, objects)
	log.Info().
		Str("data_dir", s.dataDir).
		Str("used", bytesize.Format(used)).
		Int64("objects", objects).
		Msg("storage usage initialized")
	return nil
}

// ValidateID reports whether id satisfies the configured charset and length.
func (s *Store) ValidateID(id string) error {
	if id == "." || id == ".." || !s.idPattern.MatchString(id) {
		return ErrInvalidID
	}
	return nil
}

// collectMetadata picks Content-Type and prefixed headers out of h and
// returns them with their total byte count.
func (s *Store) collectMetadata(h http.Header) (map[string]string, int64, error) {
	stored := make(map[string]string)
	prefix := strings.ToLower(s.opts.MetadataPrefix)

	for name, values := range h {
		if len(values) == 0 {
			continue
		}
		canonical := http.CanonicalHeaderKey(name)
		if canonical == "Content-Type" || strings.HasPrefix(strings.ToLower(canonical), prefix) {
			stored[canonical] = values[0]
		}
	}

	if len(stored) > s.opts.MaxHeaderCount {
		return nil, 0, fmt.Errorf("%w: too many headers (%d > %d)", ErrInvalidHeaders, len(stored), s.opts.MaxHeaderCount)
	}

	var total int64
	for name, value := range stored {
		if len(name) > s.opts.MaxHeaderLength || len(value) > s.opts.MaxHeaderLength {
			return nil, 0, fmt.Errorf("%w: header %q exceeds max length", ErrInvalidHeaders, name)
		}
		total += int64(len(name) + len(value))
	}
	return stored, total, nil
}

// Put stores body under id, replacing any existing object. Exactly
// declaredLength bytes are read from body; fewer is an incomplete upload and
// nothing is left behind.
func (s *Store) Put(id string, header http.Header, body io.Reader, declaredLength int64) error {
	if err := s.ValidateID(id); err != nil {
		return err
	}
	if declaredLength < 0 {
		return ErrMissingLength
	}

	stored, headerBytes, err := s.collectMetadata(header)
	if err != nil {
		return err
	}

	if declaredLength+headerBytes > s.opts.MaxObjectSize {
		return fmt.Errorf("%w (%d > %d)", ErrTooLarge, declaredLength+headerBytes, s.opts.MaxObjectSize)
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	dir := shardDir(s.dataDir, id)
	if err := s.reserve(id, dir, declaredLength); err != nil {
		return err
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		s.quota.Cancel(declaredLength)
		if err := os.RemoveAll(dir); err != nil {
			log.Error().Err(err).Str("id", id).Msg("rollback failed to remove blob dir")
		}
		s.updateGauges()
	}()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}

	metaJSON, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := syncedWriteFile(filepath.Join(dir, metadataFile), metaJSON, 0644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}

	tmpPath := filepath.Join(dir, tempFile)
	if err := s.writeData(tmpPath, body, declaredLength); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, filepath.Join(dir, dataFile)); err != nil {
		return fmt.Errorf("commit blob: %w", err)
	}

	s.mu.Lock()
	s.quota.Commit(declaredLength)
	s.updateGaugesLocked()
	s.mu.Unlock()
	committed = true

	log.Debug().
		Str("id", id).
		Int64("bytes", declaredLength).
		Int64("used", s.quota.UsedBytes()).
		Msg("blob stored")
	return nil
}

// reserve releases any existing object at dir and reserves n bytes, all
// under the accounting lock. The old object is gone even if the quota check
// then fails.
func (s *Store) reserve(id, dir string, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(dir); err == nil {
		oldSize := int64(-1)
		if info, err := os.Stat(filepath.Join(dir, dataFile)); err == nil {
			oldSize = info.Size()
		}
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("remove previous blob: %w", err)
		}
		if oldSize >= 0 {
			s.quota.Release(oldSize)
			log.Debug().Str("id", id).Int64("old_bytes", oldSize).Msg("replacing existing blob")
		}
	}

	if !s.quota.Reserve(n) {
		return fmt.Errorf("%w (%d + %d > %d)", ErrQuotaExceeded, s.quota.UsedBytes()+s.quota.ReservedBytes(), n, s.quota.MaxBytes())
	}
	return nil
}

func (s *Store) writeData(path string, body io.Reader, n int64) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	written, copyErr := httpx.CopyChunked(f, body, n, s.opts.ChunkSize)
	if copyErr == nil {
		copyErr = syncFile(f)
	}
	closeErr := f.Close()

	if copyErr != nil {
		if written < n {
			return fmt.Errorf("%w: received %d of %d bytes: %v", ErrIncompleteUpload, written, n, copyErr)
		}
		return fmt.Errorf("write blob: %w", copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close temp file: %w", closeErr)
	}
	return nil
}

// Open returns the committed object for id. Missing or unreadable metadata
// is tolerated; the content type is then guessed.
func (s *Store) Open(id string) (*Object, error) {
	if err := s.ValidateID(id); err != nil {
		return nil, err
	}

	dir := shardDir(s.dataDir, id)
	dataPath := filepath.Join(dir, dataFile)

	f, err := os.Open(dataPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open blob: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat blob: %w", err)
	}

	meta, err := loadMetadata(filepath.Join(dir, metadataFile))
	if err != nil {
		log.Warn().Err(err).Str("id", id).Msg("could not load metadata")
		meta = map[string]string{}
	}

	contentType := meta["Content-Type"]
	if contentType == "" {
		contentType = guessContentType(id, dataPath)
	}

	echoed := make(map[string]string, len(meta))
	prefix := strings.ToLower(s.opts.MetadataPrefix)
	for name, value := range meta {
		if strings.HasPrefix(strings.ToLower(name), prefix) {
			echoed[name] = value
		}
	}

	return &Object{
		ReadCloser:  f,
		ID:          id,
		Size:        info.Size(),
		ContentType: contentType,
		Metadata:    echoed,
	}, nil
}

func loadMetadata(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var meta map[string]string
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	if meta == nil {
		meta = map[string]string{}
	}
	return meta, nil
}

// guessContentType tries the id's extension, then sniffs the content.
func guessContentType(id, dataPath string) string {
	if ct := mime.TypeByExtension(filepath.Ext(id)); ct != "" {
		return ct
	}
	mt, err := mimetype.DetectFile(dataPath)
	if err != nil {
		return defaultContentType
	}
	return mt.String()
}

// Delete removes the object for id. Deleting an absent object succeeds.
func (s *Store) Delete(id string) error {
	if err := s.ValidateID(id); err != nil {
		return err
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	dir := shardDir(s.dataDir, id)

	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(filepath.Join(dir, dataFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Debug().Str("id", id).Msg("delete of absent blob")
			return nil
		}
		return fmt.Errorf("stat blob: %w", err)
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove blob: %w", err)
	}
	s.quota.Release(info.Size())

	s.updateGaugesLocked()
	log.Debug().
		Str("id", id).
		Int64("bytes", info.Size()).
		Int64("used", s.quota.UsedBytes()).
		Msg("blob deleted")
	return nil
}

// Stats returns the current accounting snapshot plus volume statistics of
// the data directory when available.
func (s *Store) Stats() proto.UsageStats {
	stats := proto.UsageStats{
		UsedBytes:      s.quota.UsedBytes(),
		ReservedBytes:  s.quota.ReservedBytes(),
		QuotaBytes:     s.quota.MaxBytes(),
		AvailableBytes: s.quota.AvailableBytes(),
		Objects:        s.quota.Objects(),
	}
	if total, _, avail, err := GetVolumeStats(s.dataDir); err == nil {
		stats.VolumeTotal = total
		stats.VolumeAvailable = avail
	}
	return stats
}

// CollectMetrics refreshes every storage gauge, including volume free space
// which no request updates.
func (s *Store) CollectMetrics() {
	if s.metrics == nil {
		return
	}
	s.updateGauges()
	if total, _, avail, err := GetVolumeStats(s.dataDir); err == nil {
		s.metrics.UpdateVolumeMetrics(total, avail)
	}
}

func (s *Store) updateGauges() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateGaugesLocked()
}

func (s *Store) updateGaugesLocked() {
	if s.metrics == nil {
		return
	}
	s.metrics.UpdateStorageMetrics(s.quota.Objects(), s.quota.UsedBytes(), s.quota.MaxBytes())
}

// syncedWriteFile writes data to a file and calls fsync to ensure durability.
func syncedWriteFile(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(data); err != nil {
		return err
	}
	return syncFile(f)
}

// syncFile fsyncs f unless BLOBMESH_TEST is set; test temp dirs are thrown
// away and fsync is slow on some CI filesystems.
func syncFile(f *os.File) error {
	if os.Getenv("BLOBMESH_TEST") != "" {
		return nil
	}
	return f.Sync()
}
