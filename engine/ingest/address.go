package ingest

import (
	"strconv"

	"github.com/google/uuid"
)

// PointID returns the vector id of a chunk. The same sourceID and chunkIndex
// always give the same id, so re-ingesting a source overwrites its points.
// Without a sourceID the id is random and re-ingestion duplicates.
func PointID(sourceID string, chunkIndex int) string {
	if sourceID == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(sourceID+":"+strconv.Itoa(chunkIndex))).String()
}
