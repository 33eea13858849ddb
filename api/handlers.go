package api

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"

	"peerdrop/models"
	"peerdrop/storage"
	"peerdrop/transfer"
)

type transferView struct {
	ID        string  `json:"id"`
	Direction string  `json:"direction"`
	Name      string  `json:"name"`
	Size      int64   `json:"size"`
	MimeType  string  `json:"type"`
	State     string  `json:"state"`
	Bytes     int64   `json:"bytes"`
	Speed     float64 `json:"speed"`
	SinkKind  string  `json:"sink,omitempty"`
	Error     string  `json:"error,omitempty"`
}

type historyView struct {
	ID          string `json:"id"`
	Direction   string `json:"direction"`
	PeerID      string `json:"peer_id"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	MimeType    string `json:"type"`
	State       string `json:"state"`
	Bytes       int64  `json:"bytes"`
	SinkKind    string `json:"sink,omitempty"`
	StoredPath  string `json:"stored_path,omitempty"`
	Checksum    string `json:"checksum,omitempty"`
	Error       string `json:"error,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
	CompletedAt *int64 `json:"completed_at,omitempty"`
}

type artifactView struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"type"`
	Checksum string `json:"checksum"`
	InMemory bool   `json:"in_memory"`
	Path     string `json:"path,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.backend.Status())
}

func (s *Server) listTransfers(c *gin.Context) {
	filter := storage.TransferFilter{
		Direction: c.Query("direction"),
		PeerID:    c.Query("peer"),
		State:     c.Query("state"),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, errorBody{Error: fmt.Sprintf("invalid limit %q", raw)})
			return
		}
		filter.Limit = limit
	}

	history, err := s.backend.History(filter)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	snapshot, err := s.backend.Snapshot(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, errorBody{Error: err.Error()})
		return
	}

	active := make([]transferView, 0, len(snapshot.Outgoing)+len(snapshot.Incoming))
	for _, t := range snapshot.Outgoing {
		active = append(active, outgoingView(t))
	}
	for _, t := range snapshot.Incoming {
		active = append(active, incomingView(t))
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].Direction != active[j].Direction {
			return active[i].Direction < active[j].Direction
		}
		return active[i].ID < active[j].ID
	})

	records := make([]historyView, 0, len(history))
	for _, record := range history {
		records = append(records, historyView{
			ID:          record.TransferID,
			Direction:   record.Direction,
			PeerID:      record.PeerID,
			Name:        record.Filename,
			Size:        record.Filesize,
			MimeType:    record.MimeType,
			State:       record.State,
			Bytes:       record.BytesTransferred,
			SinkKind:    record.SinkKind,
			StoredPath:  record.StoredPath,
			Checksum:    record.Checksum,
			Error:       record.Error,
			CreatedAt:   record.CreatedAt,
			UpdatedAt:   record.UpdatedAt,
			CompletedAt: record.CompletedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"peer":    snapshot.Peer.String(),
		"linked":  snapshot.Linked,
		"active":  active,
		"history": records,
	})
}

func (s *Server) cancelTransfer(c *gin.Context) {
	err := s.backend.Cancel(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, transfer.ErrUnknownTransfer):
		c.JSON(http.StatusNotFound, errorBody{Error: err.Error()})
	default:
		c.JSON(http.StatusConflict, errorBody{Error: err.Error()})
	}
}

func (s *Server) listArtifacts(c *gin.Context) {
	artifacts := s.backend.Artifacts()
	out := make([]artifactView, 0, len(artifacts))
	for _, artifact := range artifacts {
		out = append(out, newArtifactView(artifact))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) downloadArtifact(c *gin.Context) {
	artifact, err := s.backend.Artifact(c.Param("id"))
	if err != nil {
		s.artifactError(c, err)
		return
	}

	name := artifact.Descriptor.Name
	if !artifact.InMemory() {
		c.FileAttachment(artifact.Path, name)
		return
	}

	mimeType := artifact.Descriptor.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	c.Data(http.StatusOK, mimeType, artifact.Data)
}

func (s *Server) saveArtifact(c *gin.Context) {
	path, err := s.backend.SaveArtifact(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.artifactError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path})
}

func (s *Server) discardArtifact(c *gin.Context) {
	if err := s.backend.DiscardArtifact(c.Request.Context(), c.Param("id")); err != nil {
		s.artifactError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) artifactError(c *gin.Context, err error) {
	if errors.Is(err, transfer.ErrArtifactNotFound) {
		c.JSON(http.StatusNotFound, errorBody{Error: err.Error()})
		return
	}
	s.log.WithError(err).WithField("transfer_id", c.Param("id")).Error("artifact request failed")
	c.JSON(http.StatusInternalServerError, errorBody{Error: err.Error()})
}

func outgoingView(t transfer.OutgoingTransfer) transferView {
	view := transferView{
		ID:        t.Descriptor.ID,
		Direction: string(transfer.DirectionSend),
		Name:      t.Descriptor.Name,
		Size:      t.Descriptor.Size,
		MimeType:  t.Descriptor.MimeType,
		State:     string(t.State),
		Bytes:     t.Cursor,
	}
	if t.Tracker != nil {
		view.Speed = t.Tracker.Speed()
	}
	if t.Err != nil {
		view.Error = t.Err.Error()
	}
	return view
}

func incomingView(t transfer.IncomingTransfer) transferView {
	view := transferView{
		ID:        t.Descriptor.ID,
		Direction: string(transfer.DirectionReceive),
		Name:      t.Descriptor.Name,
		Size:      t.Descriptor.Size,
		MimeType:  t.Descriptor.MimeType,
		State:     string(t.State),
		Bytes:     t.BytesReceived,
		SinkKind:  string(t.SinkKind),
	}
	if t.Tracker != nil {
		view.Speed = t.Tracker.Speed()
	}
	if t.Err != nil {
		view.Error = t.Err.Error()
	}
	return view
}

func newArtifactView(artifact models.Artifact) artifactView {
	return artifactView{
		ID:       artifact.Descriptor.ID,
		Name:     artifact.Descriptor.Name,
		Size:     artifact.Size(),
		MimeType: artifact.Descriptor.MimeType,
		Checksum: artifact.Checksum,
		InMemory: artifact.InMemory(),
		Path:     artifact.Path,
	}
}
