package hub

import (
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/physiolink/sensorhub-cli/internal/protocol"
)

// transferTable reassembles chunked file transfers. Chunks for one file
// share a file_id; they may arrive out of order and duplicates are
// ignored. An incomplete transfer is discarded when its device leaves.
type transferTable struct {
	mu      sync.Mutex
	pending map[string]*pendingFile
}

type pendingFile struct {
	deviceID string
	fileID   string
	fileType string
	total    int
	chunks   map[int][]byte
	size     int64
}

// completedFile is a fully reassembled transfer ready to be written.
type completedFile struct {
	fileID   string
	fileType string
	size     int64
	data     []byte
}

func newTransferTable() *transferTable {
	return &transferTable{pending: make(map[string]*pendingFile)}
}

// add registers one chunk and returns the completed file once the last
// missing chunk arrives, nil otherwise.
func (t *transferTable) add(deviceID string, chunk protocol.FileChunk) (*completedFile, error) {
	data, err := base64.StdEncoding.DecodeString(chunk.ChunkData)
	if err != nil {
		return nil, fmt.Errorf("chunk data is not valid base64: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := deviceID + "/" + chunk.FileID
	pf, ok := t.pending[key]
	if !ok {
		pf = &pendingFile{
			deviceID: deviceID,
			fileID:   chunk.FileID,
			fileType: chunk.FileType,
			total:    chunk.TotalChunks,
			chunks:   make(map[int][]byte),
		}
		t.pending[key] = pf
	}
	if chunk.TotalChunks != pf.total {
		return nil, fmt.Errorf("chunk count changed mid-transfer: %d != %d", chunk.TotalChunks, pf.total)
	}
	if _, dup := pf.chunks[chunk.ChunkIndex]; dup {
		return nil, nil
	}

	pf.chunks[chunk.ChunkIndex] = data
	pf.size += int64(len(data))
	if len(pf.chunks) < pf.total {
		return nil, nil
	}

	delete(t.pending, key)
	assembled := make([]byte, 0, pf.size)
	for i := 0; i < pf.total; i++ {
		assembled = append(assembled, pf.chunks[i]...)
	}
	return &completedFile{
		fileID:   pf.fileID,
		fileType: pf.fileType,
		size:     pf.size,
		data:     assembled,
	}, nil
}

// dropDevice discards every incomplete transfer from a departed device.
func (t *transferTable) dropDevice(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, pf := range t.pending {
		if pf.deviceID == deviceID {
			log.Printf("hub: discarding incomplete transfer %s from %s (%d/%d chunks)",
				pf.fileID, deviceID, len(pf.chunks), pf.total)
			delete(t.pending, key)
		}
	}
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// writeTo stores the assembled file inside the session folder, named by
// its sanitized file ID.
func (f *completedFile) writeTo(dir string) (string, error) {
	name := unsafeFileChars.ReplaceAllString(f.fileID, "_")
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, f.data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write transferred file: %w", err)
	}
	return path, nil
}
