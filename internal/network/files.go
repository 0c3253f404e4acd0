package network

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"lancollab/internal/router"
	"lancollab/pkg/protocol"
	"lancollab/pkg/types"
)

// handleFileMetadata registers an announced upload and opens it right
// away; the uploader learns the chunking to use from the reply.
func (s *Server) handleFileMetadata(_ context.Context, req *router.Request) error {
	var p protocol.FileMetadataPayload
	if err := req.Message.Decode(&p); err != nil {
		return err
	}
	meta := p.Metadata()
	meta.UploaderID = req.ClientID

	meta, err := s.session.AddFileMetadata(meta)
	if err == nil {
		err = s.session.StartFileUpload(meta.FileID, req.ClientID)
	}
	if err != nil {
		return s.uploadStatus(req, p.FileID, protocol.UploadFailed, err)
	}

	return s.reply(req.ClientID, req.Conn, protocol.TypeFileUploadStatus, &protocol.FileUploadStatusPayload{
		FileID:      meta.FileID,
		Status:      protocol.UploadAccepted,
		ChunkSize:   meta.ChunkSize,
		TotalChunks: meta.TotalChunks,
	})
}

// handleFileChunk stores one chunk. A failed chunk aborts the upload;
// the last chunk completes it and announces the file to everyone.
func (s *Server) handleFileChunk(_ context.Context, req *router.Request) error {
	var p protocol.FileChunkPayload
	if err := req.Message.Decode(&p); err != nil {
		return err
	}

	complete, err := s.session.ProcessFileChunk(p.FileID, p.ChunkNum, p.TotalChunks, p.Data)
	if err != nil {
		return s.uploadStatus(req, p.FileID, protocol.UploadFailed, err)
	}
	if !complete {
		return nil
	}

	if meta, _, ok := s.session.GetFileForDownload(p.FileID); ok {
		s.recorder.file(meta)
	}
	return s.uploadStatus(req, p.FileID, protocol.UploadComplete, nil)
}

func (s *Server) uploadStatus(req *router.Request, fileID, status string, cause error) error {
	p := &protocol.FileUploadStatusPayload{FileID: fileID, Status: status}
	if cause != nil {
		p.Error = cause.Error()
		s.log.WithFields(logrus.Fields{
			"client_id": req.ClientID,
			"file_id":   fileID,
		}).WithError(cause).Warn("File upload failed")
	}
	return s.reply(req.ClientID, req.Conn, protocol.TypeFileUploadStatus, p)
}

// handleFileRequest streams a shared file to the requester only.
func (s *Server) handleFileRequest(_ context.Context, req *router.Request) error {
	var p protocol.FileRequestPayload
	if err := req.Message.Decode(&p); err != nil {
		return err
	}
	meta, path, ok := s.session.GetFileForDownload(p.FileID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrFileNotFound, p.FileID)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrFileNotFound, p.FileID)
	}
	defer f.Close()

	chunkSize := meta.ChunkSize
	if chunkSize <= 0 {
		chunkSize = types.DefaultChunkSize
	}
	total := int((meta.Filesize + int64(chunkSize) - 1) / int64(chunkSize))
	buf := make([]byte, chunkSize)

	for i := 0; i < total; i++ {
		n, err := io.ReadFull(f, buf)
		if err != nil && err != io.ErrUnexpectedEOF {
			return fmt.Errorf("read %s chunk %d: %w", meta.Filename, i, err)
		}
		err = s.reply(req.ClientID, req.Conn, protocol.TypeFileDownloadChunk, &protocol.FileDownloadChunkPayload{
			FileID:      meta.FileID,
			Filename:    meta.Filename,
			ChunkNum:    i,
			TotalChunks: total,
			Data:        buf[:n],
		})
		if err != nil {
			return err
		}
	}

	s.log.WithFields(logrus.Fields{
		"client_id": req.ClientID,
		"file_id":   meta.FileID,
		"chunks":    total,
	}).Info("File sent")
	return nil
}
