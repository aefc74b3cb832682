package httpapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/paperfold/paperfold/internal/model"
	"github.com/paperfold/paperfold/internal/pipeline"
	"github.com/paperfold/paperfold/internal/protocol"
)

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type processRequest struct {
	Force bool `json:"force"`
}

func (s *Server) startProcess(c *gin.Context) {
	var req processRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.writeError(c, model.NewUserInputError("invalid request body: "+err.Error()))
			return
		}
	}
	token, err := s.orch.StartRun(req.Force)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"token":  token,
		"stream": protocol.APIBasePath + "/process/" + token + "/events",
	})
}

// streamEvents replays a run's progress as SSE until the terminal event. A
// client that drops the connection mid-run walks away from the result, so the
// disconnect also cancels the run.
func (s *Server) streamEvents(c *gin.Context) {
	token := c.Param("token")
	events, err := s.orch.Events(token)
	if err != nil {
		s.writeError(c, err)
		return
	}
	done, err := s.orch.Done(token)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ctx := c.Request.Context()
	terminal := false
	gone := c.Stream(func(w io.Writer) bool {
		select {
		case ev := <-events:
			c.SSEvent("message", ev)
			terminal = ev.Terminal
			return !ev.Terminal
		case <-ctx.Done():
			return false
		case <-done:
			// The run already finished. Flush whatever is still buffered and
			// end the stream; a subscriber arriving after the terminal event
			// was consumed gets a clean EOF instead of hanging.
			for {
				select {
				case ev := <-events:
					c.SSEvent("message", ev)
					terminal = terminal || ev.Terminal
				default:
					return false
				}
			}
		}
	})
	if (gone || ctx.Err() != nil) && !terminal {
		if err := s.orch.Cancel(token); err == nil {
			s.log.Info("stream dropped, run cancelled", zap.String("token", token))
		}
	}
}

func (s *Server) processStatus(c *gin.Context) {
	token := c.Param("token")
	summary, finished, err := s.orch.Summary(token)
	if err != nil {
		s.writeError(c, err)
		return
	}
	resp := gin.H{"token": token, "done": finished}
	if finished {
		resp["summary"] = summary
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) cancelProcess(c *gin.Context) {
	token := c.Param("token")
	if err := s.orch.Cancel(token); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "status": "cancelling"})
}

func (s *Server) listBatches(c *gin.Context) {
	ctx := c.Request.Context()
	batches, err := s.store.ListBatches(ctx)
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := make([]batchJSON, 0, len(batches))
	for _, b := range batches {
		n, err := s.documentCount(ctx, b)
		if err != nil {
			s.writeError(c, err)
			return
		}
		out = append(out, toBatchJSON(b, n))
	}
	c.JSON(http.StatusOK, gin.H{"batches": out})
}

func (s *Server) documentCount(ctx context.Context, b model.Batch) (int, error) {
	if b.Kind == protocol.BatchKindGrouped {
		docs, err := s.store.ListGroupedDocuments(ctx, b.ID)
		return len(docs), err
	}
	docs, err := s.store.ListSingleDocuments(ctx, b.ID)
	return len(docs), err
}

func (s *Server) listDocuments(c *gin.Context) {
	id, ok := s.paramID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	batch, err := s.store.GetBatch(ctx, id)
	if err != nil {
		s.writeError(c, err)
		return
	}

	if batch.Kind == protocol.BatchKindGrouped {
		docs, err := s.store.ListGroupedDocuments(ctx, id)
		if err != nil {
			s.writeError(c, err)
			return
		}
		out := make([]groupedDocumentJSON, 0, len(docs))
		for _, d := range docs {
			out = append(out, toGroupedJSON(d))
		}
		c.JSON(http.StatusOK, gin.H{"batch": toBatchJSON(batch, len(docs)), "documents": out})
		return
	}

	docs, err := s.store.ListSingleDocuments(ctx, id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := make([]singleDocumentJSON, 0, len(docs))
	for _, d := range docs {
		out = append(out, toSingleJSON(d))
	}
	c.JSON(http.StatusOK, gin.H{"batch": toBatchJSON(batch, len(docs)), "documents": out})
}

func (s *Server) getDocument(c *gin.Context) {
	id, ok := s.paramID(c, "id")
	if !ok {
		return
	}
	doc, err := s.store.GetSingleDocument(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := toSingleJSON(doc)
	out.OCRText = doc.OCRText
	c.JSON(http.StatusOK, out)
}

type groupedPageRequest struct {
	ArtifactHash string `json:"artifact_hash"`
	PageIndex    int    `json:"page_index"`
	Category     string `json:"category"`
	Rotation     int    `json:"rotation"`
	OCRText      string `json:"ocr_text"`
}

type createGroupedRequest struct {
	Name          string               `json:"name"`
	FinalCategory string               `json:"final_category"`
	Position      int                  `json:"position"`
	Pages         []groupedPageRequest `json:"pages"`
}

// createGroupedDocument carves one logical document out of a batch scan. The
// UI sends the pages in reading order; their slice order becomes the page
// position inside the document.
func (s *Server) createGroupedDocument(c *gin.Context) {
	batchID, ok := s.paramID(c, "id")
	if !ok {
		return
	}
	var req createGroupedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, model.NewUserInputError("invalid request body: "+err.Error()))
		return
	}
	ctx := c.Request.Context()
	batch, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if batch.Kind != protocol.BatchKindGrouped {
		s.writeError(c, model.NewUserInputError(fmt.Sprintf("batch %d holds single documents, not carved groups", batchID)))
		return
	}
	if len(req.Pages) == 0 {
		s.writeError(c, model.NewUserInputError("a carved document needs at least one page"))
		return
	}

	doc := model.GroupedDocument{
		BatchID:       batchID,
		Name:          strings.TrimSpace(req.Name),
		FinalCategory: req.FinalCategory,
		Position:      req.Position,
	}
	for i, p := range req.Pages {
		if p.ArtifactHash == "" || p.PageIndex < 0 {
			s.writeError(c, model.NewUserInputError(fmt.Sprintf("page %d: artifact_hash and a non-negative page_index are required", i)))
			return
		}
		if !model.ValidAngle(p.Rotation) {
			s.writeError(c, model.NewUserInputError(fmt.Sprintf("page %d: invalid rotation %d", i, p.Rotation)))
			return
		}
		doc.Pages = append(doc.Pages, model.DocumentPage{
			ArtifactHash: p.ArtifactHash,
			PageIndex:    p.PageIndex,
			Category:     p.Category,
			Rotation:     p.Rotation,
			OCRText:      p.OCRText,
			Position:     i,
		})
	}

	id, err := s.store.InsertGroupedDocument(ctx, doc)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.audit(ctx, "grouped_document_created", map[string]any{
		"batch_id": batchID, "document_id": id, "name": doc.Name, "pages": len(doc.Pages),
	})
	created, err := s.store.GetGroupedDocument(ctx, id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toGroupedJSON(created))
}

type transitionRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (s *Server) transitionBatch(c *gin.Context) {
	id, ok := s.paramID(c, "id")
	if !ok {
		return
	}
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, model.NewUserInputError("invalid request body: "+err.Error()))
		return
	}
	for _, status := range []string{req.From, req.To} {
		if !validBatchStatus(status) {
			s.writeError(c, model.NewUserInputError(fmt.Sprintf("unknown batch status %q", status)))
			return
		}
	}

	ctx := c.Request.Context()
	if err := s.store.TransitionBatch(ctx, id, req.From, req.To); err != nil {
		if cur, gerr := s.store.GetBatch(ctx, id); gerr == nil {
			// The batch exists, so the compare-and-swap lost: report the
			// actual status instead of a bare not-found.
			s.writeError(c, &model.PipelineError{
				Code:       protocol.ErrorCodeUserInput,
				Message:    fmt.Sprintf("batch %d is %s, not %s", id, cur.Status, req.From),
				StatusCode: http.StatusConflict,
			})
			return
		}
		s.writeError(c, err)
		return
	}
	s.audit(ctx, "batch_status_changed", map[string]any{"batch_id": id, "from": req.From, "to": req.To})

	batch, err := s.store.GetBatch(ctx, id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	n, err := s.documentCount(ctx, batch)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toBatchJSON(batch, n))
}

func validBatchStatus(status string) bool {
	switch status {
	case protocol.BatchStatusPendingProcessing,
		protocol.BatchStatusPendingVerification,
		protocol.BatchStatusPendingGrouping,
		protocol.BatchStatusPendingOrdering,
		protocol.BatchStatusPendingExport,
		protocol.BatchStatusExported,
		protocol.BatchStatusFailed:
		return true
	}
	return false
}

func (s *Server) exportBatch(c *gin.Context) {
	id, ok := s.paramID(c, "id")
	if !ok {
		return
	}
	res, err := s.exporter.ExportBatch(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toExportJSON(res))
}

type rescanRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) rescanDocument(c *gin.Context) {
	id, ok := s.paramID(c, "id")
	if !ok {
		return
	}
	var req rescanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, model.NewUserInputError("invalid request body: "+err.Error()))
		return
	}
	res, err := s.pipe.Rescan(c.Request.Context(), id, req.Mode)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toRescanJSON(res))
}

type finalizeRequest struct {
	Category string `json:"category"`
	Filename string `json:"filename"`
}

// finalizeDocument commits the reviewer's category and filename and marks the
// document verified. The export assembler prefers these over the AI fields.
func (s *Server) finalizeDocument(c *gin.Context) {
	id, ok := s.paramID(c, "id")
	if !ok {
		return
	}
	var req finalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, model.NewUserInputError("invalid request body: "+err.Error()))
		return
	}
	if strings.TrimSpace(req.Category) == "" || strings.TrimSpace(req.Filename) == "" {
		s.writeError(c, model.NewUserInputError("category and filename are required"))
		return
	}

	ctx := c.Request.Context()
	if err := s.store.SetDocumentFinal(ctx, id, req.Category, req.Filename); err != nil {
		s.writeError(c, err)
		return
	}
	if err := s.store.SetDocumentState(ctx, id, protocol.DocStateVerified, ""); err != nil {
		s.writeError(c, err)
		return
	}
	s.audit(ctx, "document_finalized", map[string]any{
		"document_id": id, "category": req.Category, "filename": req.Filename,
	})
	doc, err := s.store.GetSingleDocument(ctx, id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSingleJSON(doc))
}

type rotationRequest struct {
	ArtifactHash string `json:"artifact_hash"`
	Page         int    `json:"page"`
	Angle        int    `json:"angle"`
}

func (s *Server) setRotation(c *gin.Context) {
	var req rotationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, model.NewUserInputError("invalid request body: "+err.Error()))
		return
	}
	if req.ArtifactHash == "" {
		s.writeError(c, model.NewUserInputError("artifact_hash is required"))
		return
	}
	if req.Page < 0 {
		s.writeError(c, model.NewUserInputError(fmt.Sprintf("invalid page %d", req.Page)))
		return
	}
	if !model.ValidAngle(req.Angle) {
		s.writeError(c, model.NewUserInputError(fmt.Sprintf("invalid angle %d, want 0, 90, 180 or 270", req.Angle)))
		return
	}

	ctx := c.Request.Context()
	if err := s.store.SetRotationOverride(ctx, req.ArtifactHash, req.Page, req.Angle); err != nil {
		s.writeError(c, err)
		return
	}
	s.audit(ctx, "rotation_override", map[string]any{
		"artifact_hash": req.ArtifactHash, "page": req.Page, "angle": req.Angle,
	})
	c.JSON(http.StatusOK, gin.H{
		"artifact_hash": req.ArtifactHash, "page": req.Page, "angle": req.Angle,
	})
}

// pagePreview serves one page of a normalized artifact as a standalone PDF,
// rotated by the explicit ?angle or the stored override for that page.
func (s *Server) pagePreview(c *gin.Context) {
	hash := c.Param("hash")
	page, err := strconv.Atoi(c.Param("page"))
	if err != nil || page < 0 {
		s.writeError(c, model.NewUserInputError(fmt.Sprintf("invalid page %q", c.Param("page"))))
		return
	}
	ctx := c.Request.Context()

	var angle int
	if raw, ok := c.GetQuery("angle"); ok {
		parsed, err := strconv.Atoi(raw)
		if err != nil || !model.ValidAngle(parsed) {
			s.writeError(c, model.NewUserInputError(fmt.Sprintf("invalid angle %q", raw)))
			return
		}
		angle = parsed
	} else {
		stored, found, err := s.store.GetRotationOverride(ctx, hash, page)
		if err != nil {
			s.writeError(c, err)
			return
		}
		if found {
			angle = stored
		}
	}

	path, err := s.pages.RotatedPage(ctx, hash, page, angle)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.File(path)
}

func (s *Server) audit(ctx context.Context, event string, payload any) {
	if err := s.store.AppendInteraction(ctx, event, payload); err != nil {
		s.log.Debug("interaction log unavailable", zap.String("event", event), zap.Error(err))
	}
}

func (s *Server) paramID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(c, model.NewUserInputError(fmt.Sprintf("invalid %s %q", name, c.Param(name))))
		return 0, false
	}
	return id, true
}

type batchJSON struct {
	ID            int64     `json:"id"`
	Kind          string    `json:"kind"`
	Status        string    `json:"status"`
	DocumentCount int       `json:"document_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type singleDocumentJSON struct {
	ID             int64     `json:"id"`
	BatchID        int64     `json:"batch_id"`
	SourcePath     string    `json:"source_path"`
	SourceHash     string    `json:"source_hash"`
	State          string    `json:"state"`
	Rotation       int       `json:"rotation"`
	AICategory     string    `json:"ai_category,omitempty"`
	AIFilename     string    `json:"ai_filename,omitempty"`
	AISummary      string    `json:"ai_summary,omitempty"`
	AIConfidence   float64   `json:"ai_confidence,omitempty"`
	FinalCategory  string    `json:"final_category,omitempty"`
	FinalFilename  string    `json:"final_filename,omitempty"`
	Category       string    `json:"category,omitempty"`
	Filename       string    `json:"filename,omitempty"`
	SearchablePath string    `json:"searchable_path,omitempty"`
	OCRText        string    `json:"ocr_text,omitempty"`
	Error          string    `json:"error,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type groupedDocumentJSON struct {
	ID            int64              `json:"id"`
	BatchID       int64              `json:"batch_id"`
	Name          string             `json:"name"`
	FinalCategory string             `json:"final_category,omitempty"`
	Position      int                `json:"position"`
	Pages         []documentPageJSON `json:"pages"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

type documentPageJSON struct {
	ArtifactHash string `json:"artifact_hash"`
	PageIndex    int    `json:"page_index"`
	Category     string `json:"category,omitempty"`
	Rotation     int    `json:"rotation,omitempty"`
	Position     int    `json:"position"`
}

type exportJSON struct {
	BatchID    int64             `json:"batch_id"`
	Written    []string          `json:"written"`
	Skipped    []string          `json:"skipped"`
	Failed     map[string]string `json:"failed,omitempty"`
	DurationMS int64             `json:"duration_ms"`
}

type rescanJSON struct {
	DocumentID int64   `json:"document_id"`
	Pages      int     `json:"pages,omitempty"`
	Rotation   int     `json:"rotation"`
	OCRReused  bool    `json:"ocr_reused"`
	Category   string  `json:"category,omitempty"`
	Filename   string  `json:"filename,omitempty"`
	Summary    string  `json:"summary,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Warning    string  `json:"warning,omitempty"`
}

func toBatchJSON(b model.Batch, docs int) batchJSON {
	return batchJSON{
		ID:            b.ID,
		Kind:          b.Kind,
		Status:        b.Status,
		DocumentCount: docs,
		CreatedAt:     b.CreatedAt,
		UpdatedAt:     b.UpdatedAt,
	}
}

func toSingleJSON(d model.SingleDocument) singleDocumentJSON {
	return singleDocumentJSON{
		ID:             d.ID,
		BatchID:        d.BatchID,
		SourcePath:     d.SourcePath,
		SourceHash:     d.SourceHash,
		State:          d.State,
		Rotation:       d.Rotation,
		AICategory:     d.AICategory,
		AIFilename:     d.AIFilename,
		AISummary:      d.AISummary,
		AIConfidence:   d.AIConfidence,
		FinalCategory:  d.FinalCategory,
		FinalFilename:  d.FinalFilename,
		Category:       d.Category(),
		Filename:       d.Filename(),
		SearchablePath: d.SearchablePath,
		Error:          d.Error,
		UpdatedAt:      d.UpdatedAt,
	}
}

func toGroupedJSON(d model.GroupedDocument) groupedDocumentJSON {
	pages := make([]documentPageJSON, 0, len(d.Pages))
	for _, p := range d.Pages {
		pages = append(pages, documentPageJSON{
			ArtifactHash: p.ArtifactHash,
			PageIndex:    p.PageIndex,
			Category:     p.Category,
			Rotation:     p.Rotation,
			Position:     p.Position,
		})
	}
	return groupedDocumentJSON{
		ID:            d.ID,
		BatchID:       d.BatchID,
		Name:          d.Name,
		FinalCategory: d.FinalCategory,
		Position:      d.Position,
		Pages:         pages,
		UpdatedAt:     d.UpdatedAt,
	}
}

func toExportJSON(r model.ExportResult) exportJSON {
	return exportJSON{
		BatchID:    r.BatchID,
		Written:    r.Written,
		Skipped:    r.Skipped,
		Failed:     r.Failed,
		DurationMS: r.Duration.Milliseconds(),
	}
}

func toRescanJSON(r pipeline.Result) rescanJSON {
	return rescanJSON{
		DocumentID: r.DocumentID,
		Pages:      r.Pages,
		Rotation:   r.Rotation,
		OCRReused:  r.OCRReused,
		Category:   r.Category,
		Filename:   r.Filename,
		Summary:    r.Summary,
		Confidence: r.Confidence,
		Warning:    r.AIWarning,
	}
}
