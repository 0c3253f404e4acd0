package session

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lancollab/pkg/protocol"
	"lancollab/pkg/types"
)

// uploadState is one file being received. Its mutex serialises the
// chunks of that file; m.mu is only taken while st.mu is held.
type uploadState struct {
	mu       sync.Mutex
	meta     types.FileMetadata
	file     *os.File
	tempPath string
	received []bool
	count    int
	done     bool
}

// AddFileMetadata validates an announced file and stages it until the
// uploader starts sending chunks. A missing file id is generated; a
// supplied one must be a UUID. Chunk size and count are filled in from
// the session options when absent.
func (m *Manager) AddFileMetadata(meta types.FileMetadata) (types.FileMetadata, error) {
	if err := types.ValidateFilename(meta.Filename); err != nil {
		return types.FileMetadata{}, err
	}
	if types.HasBlockedExtension(meta.Filename, m.opts.BlockedExtensions) {
		return types.FileMetadata{}, fmt.Errorf("%w: %s", types.ErrBlockedExtension, filepath.Ext(meta.Filename))
	}
	if err := types.ValidateFileSize(meta.Filesize, m.opts.MaxFileSize); err != nil {
		return types.FileMetadata{}, err
	}

	if meta.FileID != "" {
		if err := types.ValidateFileID(meta.FileID); err != nil {
			return types.FileMetadata{}, err
		}
	}
	if meta.ChunkSize <= 0 {
		meta.ChunkSize = m.opts.ChunkSize
	}
	if lo := min(m.opts.ChunkSize, types.MinChunkSize); meta.ChunkSize < lo || meta.ChunkSize > m.opts.MaxChunkSize {
		return types.FileMetadata{}, fmt.Errorf("%w: %d not in [%d, %d]", ErrChunkSizeRange, meta.ChunkSize, lo, m.opts.MaxChunkSize)
	}
	total := int((meta.Filesize + int64(meta.ChunkSize) - 1) / int64(meta.ChunkSize))
	if meta.TotalChunks != 0 && meta.TotalChunks != total {
		return types.FileMetadata{}, fmt.Errorf("%w: announced %d, expected %d", ErrChunkMismatch, meta.TotalChunks, total)
	}
	meta.TotalChunks = total
	meta.FileHash = strings.ToLower(meta.FileHash)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.clients[meta.UploaderID]; !ok {
		return types.FileMetadata{}, ErrClientNotFound
	}
	if meta.FileID == "" {
		meta.FileID = uuid.NewString()
	}
	if m.fileIDInUseLocked(meta.FileID) {
		return types.FileMetadata{}, ErrDuplicateFile
	}
	if m.uploadsByLocked(meta.UploaderID) >= m.opts.MaxUploadsPerClient {
		return types.FileMetadata{}, fmt.Errorf("%w: limit is %d", ErrTooManyUploads, m.opts.MaxUploadsPerClient)
	}

	meta.UploadTime = m.now()
	m.staged[meta.FileID] = meta
	return meta, nil
}

func (m *Manager) fileIDInUseLocked(fileID string) bool {
	_, staged := m.staged[fileID]
	_, uploading := m.uploads[fileID]
	_, shared := m.sharedFiles[fileID]
	return staged || uploading || shared
}

// uploadsByLocked counts staged and running uploads of one client.
func (m *Manager) uploadsByLocked(clientID string) int {
	n := 0
	for _, meta := range m.staged {
		if meta.UploaderID == clientID {
			n++
		}
	}
	for _, st := range m.uploads {
		if st.meta.UploaderID == clientID {
			n++
		}
	}
	return n
}

// StartFileUpload opens the temp file for a staged upload.
func (m *Manager) StartFileUpload(fileID, uploaderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta, ok := m.staged[fileID]
	if !ok {
		return ErrUploadNotFound
	}
	if meta.UploaderID != uploaderID {
		return ErrNotUploader
	}

	tempPath := filepath.Join(m.partialDir(), fileID+".part")
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		delete(m.staged, fileID)
		return fmt.Errorf("%w: %v", ErrUploadIO, err)
	}

	delete(m.staged, fileID)
	m.uploads[fileID] = &uploadState{
		meta:     meta,
		file:     f,
		tempPath: tempPath,
		received: make([]bool, meta.TotalChunks),
	}

	m.log.WithFields(logrus.Fields{
		"file_id":      fileID,
		"filename":     meta.Filename,
		"filesize":     meta.Filesize,
		"total_chunks": meta.TotalChunks,
		"uploader_id":  uploaderID,
	}).Info("File upload started")
	return nil
}

// ProcessFileChunk writes one chunk at its offset. Chunks may arrive in
// any order and duplicates are ignored. A total_chunks mismatch, a bad
// chunk or an I/O error aborts the upload and deletes the temp file.
// When the last chunk lands the file is verified, moved into place and
// a file_available broadcast is staged; complete is then true.
func (m *Manager) ProcessFileChunk(fileID string, chunkNum, totalChunks int, data []byte) (complete bool, err error) {
	m.mu.Lock()
	st, ok := m.uploads[fileID]
	m.mu.Unlock()
	if !ok {
		return false, ErrUploadNotFound
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.done {
		return false, ErrUploadNotFound
	}

	meta := st.meta
	if totalChunks != meta.TotalChunks {
		m.abortLocked(st, "total_chunks mismatch")
		return false, fmt.Errorf("%w: got %d, expected %d", ErrChunkMismatch, totalChunks, meta.TotalChunks)
	}
	if chunkNum < 0 || chunkNum >= meta.TotalChunks {
		m.abortLocked(st, "chunk out of range")
		return false, fmt.Errorf("%w: %d of %d", ErrChunkOutOfRange, chunkNum, meta.TotalChunks)
	}

	if st.received[chunkNum] {
		return false, nil
	}

	offset := int64(chunkNum) * int64(meta.ChunkSize)
	want := int64(meta.ChunkSize)
	if rest := meta.Filesize - offset; rest < want {
		want = rest
	}
	if int64(len(data)) != want {
		m.abortLocked(st, "bad chunk size")
		return false, fmt.Errorf("%w: chunk %d has %d bytes, expected %d", ErrChunkSize, chunkNum, len(data), want)
	}

	if _, err := st.file.WriteAt(data, offset); err != nil {
		m.abortLocked(st, "write failed")
		return false, fmt.Errorf("%w: %v", ErrUploadIO, err)
	}
	st.received[chunkNum] = true
	st.count++

	if st.count < meta.TotalChunks {
		return false, nil
	}
	if err := m.completeLocked(st); err != nil {
		return false, err
	}
	return true, nil
}

// completeLocked finalises an upload whose chunks have all arrived.
// st.mu must be held.
func (m *Manager) completeLocked(st *uploadState) error {
	meta := st.meta

	hash, err := finishFile(st.file)
	st.file = nil
	if err != nil {
		m.abortLocked(st, "finalise failed")
		return fmt.Errorf("%w: %v", ErrUploadIO, err)
	}
	if meta.FileHash != "" && meta.FileHash != hash {
		m.abortLocked(st, "hash mismatch")
		return fmt.Errorf("%w: expected %s, got %s", ErrHashMismatch, meta.FileHash, hash)
	}
	meta.FileHash = hash

	finalPath := filepath.Join(m.opts.UploadDir, meta.FileID+"_"+meta.Filename)
	if err := os.Rename(st.tempPath, finalPath); err != nil {
		m.abortLocked(st, "rename failed")
		return fmt.Errorf("%w: %v", ErrUploadIO, err)
	}
	st.done = true

	m.mu.Lock()
	delete(m.uploads, meta.FileID)
	m.sharedFiles[meta.FileID] = meta
	m.filePaths[meta.FileID] = finalPath
	m.stageLocked(protocol.TypeFileAvailable, &protocol.FileAvailablePayload{
		File:         meta,
		UploaderName: m.usernameLocked(meta.UploaderID),
	}, types.DeliveryFile, "")
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"file_id":  meta.FileID,
		"filename": meta.Filename,
		"filesize": meta.Filesize,
		"sha256":   hash,
	}).Info("File upload complete")
	return nil
}

// finishFile flushes and closes f and returns the hex SHA-256 of its
// content.
func finishFile(f *os.File) (string, error) {
	closeErr := func(err error) error {
		return errors.Join(err, f.Close())
	}
	if err := f.Sync(); err != nil {
		return "", closeErr(err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", closeErr(err)
	}
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", closeErr(err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// abortLocked drops an upload and its temp file. st.mu must be held.
func (m *Manager) abortLocked(st *uploadState, reason string) {
	m.mu.Lock()
	if m.uploads[st.meta.FileID] == st {
		delete(m.uploads, st.meta.FileID)
	}
	m.mu.Unlock()

	st.discard()
	m.log.WithFields(logrus.Fields{
		"file_id": st.meta.FileID,
		"reason":  reason,
	}).Warn("File upload aborted")
}

// discard closes and removes the temp file. st.mu must be held.
func (st *uploadState) discard() {
	if st.done {
		return
	}
	st.done = true
	if st.file != nil {
		_ = st.file.Close()
		st.file = nil
	}
	_ = os.Remove(st.tempPath)
}

// discardUploads releases uploads detached from the session. m.mu must
// not be held.
func (m *Manager) discardUploads(uploads []*uploadState) {
	for _, st := range uploads {
		st.mu.Lock()
		st.discard()
		st.mu.Unlock()
		m.log.WithField("file_id", st.meta.FileID).Info("In-progress upload cancelled")
	}
}

// CancelFileUpload abandons an upload or a staged announcement.
func (m *Manager) CancelFileUpload(fileID string) bool {
	m.mu.Lock()
	st, uploading := m.uploads[fileID]
	delete(m.uploads, fileID)
	_, staged := m.staged[fileID]
	delete(m.staged, fileID)
	m.mu.Unlock()

	if uploading {
		m.discardUploads([]*uploadState{st})
	}
	return uploading || staged
}

// GetSharedFiles lists completed files in upload order.
func (m *Manager) GetSharedFiles() []types.FileMetadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sharedFilesLocked()
}

func (m *Manager) sharedFilesLocked() []types.FileMetadata {
	files := make([]types.FileMetadata, 0, len(m.sharedFiles))
	for _, f := range m.sharedFiles {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].UploadTime.Equal(files[j].UploadTime) {
			return files[i].FileID < files[j].FileID
		}
		return files[i].UploadTime.Before(files[j].UploadTime)
	})
	return files
}

// GetFileForDownload returns a shared file and its path on disk.
func (m *Manager) GetFileForDownload(fileID string) (types.FileMetadata, string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta, ok := m.sharedFiles[fileID]
	if !ok {
		return types.FileMetadata{}, "", false
	}
	return meta, m.filePaths[fileID], true
}

// UploadInProgress reports whether fileID is currently being received.
func (m *Manager) UploadInProgress(fileID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.uploads[fileID]
	return ok
}
