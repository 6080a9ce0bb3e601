package blob

import (
	"crypto/sha1"
	"encoding/hex"
	"path/filepath"
)

// File names inside an object's leaf directory.
const (
	dataFile     = "data"
	tempFile     = "data.tmp"
	metadataFile = "metadata"
)

// shardDir returns the directory holding the object for id:
//
//	{root}/{sha1[0:3]}/{sha1[3:5]}/{id}
//
// Two hashed levels (4096 x 256 buckets) keep per-directory fanout bounded
// no matter how many ids are stored.
func shardDir(root, id string) string {
	sum := sha1.Sum([]byte(id))
	h := hex.EncodeToString(sum[:])
	return filepath.Join(root, h[:3], h[3:5], id)
}
