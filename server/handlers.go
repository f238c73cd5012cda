package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/wudi/pdfdesk/convert"
	"github.com/wudi/pdfdesk/engine"
	"github.com/wudi/pdfdesk/observability"
	"github.com/wudi/pdfdesk/pagerange"
	"github.com/wudi/pdfdesk/publish"
	"github.com/wudi/pdfdesk/staging"
	"github.com/wudi/pdfdesk/workspace"
)

var ErrOneFile = errors.New("exactly one file expected")

type handleJSON struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Size        int       `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
	URL         string    `json:"url"`
}

type sessionJSON struct {
	ID         string                `json:"id"`
	Mode       staging.Mode          `json:"mode"`
	Files      []workspace.FileInfo  `json:"files"`
	TotalPages int                   `json:"total_pages"`
	Range      *pagerange.Range      `json:"range,omitempty"`
	Busy       bool                  `json:"busy"`
	Results    map[string]handleJSON `json:"results"`
	Skipped    []string              `json:"skipped,omitempty"`
	Notice     *workspace.Notice     `json:"notice,omitempty"`
}

type errorJSON struct {
	Error  string            `json:"error"`
	Notice *workspace.Notice `json:"notice,omitempty"`
}

type authedHandler func(w http.ResponseWriter, r *http.Request, p Principal)

// authed resolves the principal before calling h. A newly issued guest id is
// returned as a cookie.
func (s *Server) authed(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.auth.Authenticate(r)
		if err != nil {
			s.writeError(w, err, nil)
			return
		}
		if p.issued != "" {
			http.SetCookie(w, &http.Cookie{
				Name:     GuestCookie,
				Value:    p.issued,
				Path:     "/",
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
		}
		h(w, r.WithContext(withNoticeSink(r.Context())), p)
	}
}

func (s *Server) session(w http.ResponseWriter, r *http.Request, p Principal) (*session, bool) {
	sess, err := s.sessions.Get(p.ID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err, nil)
		return nil, false
	}
	return sess, true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": s.sessions.Len()})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request, p Principal) {
	var req struct {
		Mode staging.Mode `json:"mode"`
	}
	if err := decodeOptional(r, &req); err != nil {
		s.writeError(w, err, nil)
		return
	}
	if req.Mode == "" {
		req.Mode = staging.ModeMerge
	}
	if !req.Mode.Valid() {
		s.writeError(w, &workspace.InputError{Op: "session", Err: workspace.ErrUnknownMode}, nil)
		return
	}
	sess := s.sessions.Create(p.ID, req.Mode)
	writeJSON(w, http.StatusCreated, s.snapshot(r.Context(), sess, nil))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, p Principal) {
	if sess, ok := s.session(w, r, p); ok {
		writeJSON(w, http.StatusOK, s.snapshot(r.Context(), sess, nil))
	}
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request, p Principal) {
	if err := s.sessions.Delete(p.ID, r.PathValue("id")); err != nil {
		s.writeError(w, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request, p Principal) {
	sess, ok := s.session(w, r, p)
	if !ok {
		return
	}
	var req struct {
		Mode staging.Mode `json:"mode"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err, nil)
		return
	}
	if err := sess.ws.SetMode(r.Context(), req.Mode); err != nil {
		s.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot(r.Context(), sess, nil))
}

func (s *Server) handleAddFiles(w http.ResponseWriter, r *http.Request, p Principal) {
	sess, ok := s.session(w, r, p)
	if !ok {
		return
	}
	uploads, err := readUploads(r, "files")
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	res, err := sess.ws.AddFiles(r.Context(), uploads)
	if err != nil {
		s.writeError(w, err, noticeFrom(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot(r.Context(), sess, res.Skipped))
}

func (s *Server) handleRemoveFile(w http.ResponseWriter, r *http.Request, p Principal) {
	sess, ok := s.session(w, r, p)
	if !ok {
		return
	}
	index, err := pathIndex(r, "index")
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	if err := sess.ws.RemoveFile(r.Context(), index); err != nil {
		s.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot(r.Context(), sess, nil))
}

func (s *Server) handleMoveFile(w http.ResponseWriter, r *http.Request, p Principal) {
	sess, ok := s.session(w, r, p)
	if !ok {
		return
	}
	var req struct {
		From int `json:"from"`
		To   int `json:"to"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err, nil)
		return
	}
	if err := sess.ws.MoveFile(r.Context(), req.From, req.To); err != nil {
		s.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot(r.Context(), sess, nil))
}

func (s *Server) handlePages(w http.ResponseWriter, r *http.Request, p Principal) {
	sess, ok := s.session(w, r, p)
	if !ok {
		return
	}
	index, err := pathIndex(r, "index")
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	f, err := sess.ws.File(index)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	sizes, err := s.engine.PageSizes(r.Context(), f.Bytes())
	if err != nil {
		s.writeError(w, &workspace.ProcessingError{Op: "pages", Err: err}, nil)
		return
	}
	type page struct {
		Number int     `json:"number"`
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
	}
	pages := make([]page, len(sizes))
	for i, sz := range sizes {
		pages[i] = page{Number: i + 1, Width: sz.Width, Height: sz.Height}
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": f.Name, "count": len(pages), "pages": pages})
}

// handleSetRange accepts {"start":N}, {"end":M}, both, or {"pages":"N-M"}.
func (s *Server) handleSetRange(w http.ResponseWriter, r *http.Request, p Principal) {
	sess, ok := s.session(w, r, p)
	if !ok {
		return
	}
	var req struct {
		Start *int   `json:"start"`
		End   *int   `json:"end"`
		Pages string `json:"pages"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err, nil)
		return
	}
	var err error
	switch {
	case req.Pages != "":
		var rng pagerange.Range
		rng, err = pagerange.Parse(req.Pages, sess.ws.TotalPages())
		if err == nil {
			_, err = sess.ws.SetRange(rng)
		} else {
			err = &workspace.InputError{Op: "range", Err: err}
		}
	case req.Start != nil && req.End != nil:
		_, err = sess.ws.SetRange(pagerange.Range{Start: *req.Start, End: *req.End})
	case req.Start != nil:
		_, err = sess.ws.SetStart(*req.Start)
	case req.End != nil:
		_, err = sess.ws.SetEnd(*req.End)
	default:
		err = &workspace.InputError{Op: "range", Err: pagerange.ErrSyntax}
	}
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot(r.Context(), sess, nil))
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request, p Principal) {
	sess, ok := s.session(w, r, p)
	if !ok {
		return
	}
	if _, err := sess.ws.Merge(r.Context()); err != nil {
		s.writeError(w, err, noticeFrom(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot(r.Context(), sess, nil))
}

func (s *Server) handleSplit(w http.ResponseWriter, r *http.Request, p Principal) {
	sess, ok := s.session(w, r, p)
	if !ok {
		return
	}
	if _, err := sess.ws.Split(r.Context()); err != nil {
		s.writeError(w, err, noticeFrom(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot(r.Context(), sess, nil))
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request, p Principal) {
	sess, ok := s.session(w, r, p)
	if !ok {
		return
	}
	if err := sess.ws.Reset(r.Context()); err != nil {
		s.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot(r.Context(), sess, nil))
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, p Principal) {
	sess, ok := s.session(w, r, p)
	if !ok {
		return
	}
	h, rd, err := sess.ws.Download(r.PathValue("handle"))
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	w.Header().Set("Content-Type", h.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", h.Filename))
	http.ServeContent(w, r, h.Filename, h.CreatedAt, rd)
}

func (s *Server) handleCompress(w http.ResponseWriter, r *http.Request, _ Principal) {
	uploads, err := readUploads(r, "file")
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	if len(uploads) != 1 {
		s.writeError(w, &workspace.InputError{Op: "compress", Err: ErrOneFile}, nil)
		return
	}
	u := uploads[0]
	if !staging.IsPDFType(u.ContentType, u.Data) || !engine.LooksLikePDF(u.Data) {
		s.writeError(w, &workspace.InputError{Op: "compress", Err: staging.ErrNotPDF}, nil)
		return
	}
	out, err := s.engine.Optimize(r.Context(), u.Data)
	if err != nil {
		s.writeError(w, workspace.EngineError("compress", err), nil)
		return
	}
	s.logger.Info("compressed",
		observability.String("name", u.Name),
		observability.Int("in", len(u.Data)),
		observability.Int("out", len(out)))
	writePDF(w, "compressed_"+path.Base(u.Name), out)
}

// handleConvert returns the converted PDF, or stages it into the session
// named by the session query parameter.
func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request, p Principal) {
	uploads, err := readUploads(r, "images")
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	images := make([]convert.Image, len(uploads))
	for i, u := range uploads {
		images[i] = convert.Image{Name: u.Name, Data: u.Data}
	}
	out, err := s.conv.Convert(r.Context(), images)
	switch {
	case errors.Is(err, convert.ErrNoImages), errors.Is(err, convert.ErrUnsupported):
		s.writeError(w, &workspace.InputError{Op: "convert", Err: err}, nil)
		return
	case err != nil:
		s.writeError(w, workspace.EngineError("convert", err), nil)
		return
	}

	id := r.URL.Query().Get("session")
	if id == "" {
		writePDF(w, "converted.pdf", out)
		return
	}
	sess, err := s.sessions.Get(p.ID, id)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	up := staging.Upload{Name: "converted.pdf", ContentType: staging.ContentTypePDF, Data: out}
	if _, err := sess.ws.AddFiles(r.Context(), []staging.Upload{up}); err != nil {
		s.writeError(w, err, noticeFrom(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot(r.Context(), sess, nil))
}

func (s *Server) snapshot(ctx context.Context, sess *session, skipped []string) sessionJSON {
	st := sess.ws.State()
	out := sessionJSON{
		ID:         st.ID,
		Mode:       st.Mode,
		Files:      st.Files,
		TotalPages: st.TotalPages,
		Busy:       st.Busy,
		Results:    make(map[string]handleJSON, len(st.Results)),
		Skipped:    skipped,
		Notice:     noticeFrom(ctx),
	}
	if !st.Range.IsZero() {
		rng := st.Range
		out.Range = &rng
	}
	for mode, h := range st.Results {
		out.Results[string(mode)] = handleJSON{
			ID:          h.ID,
			Filename:    h.Filename,
			ContentType: h.ContentType,
			Size:        h.Size,
			CreatedAt:   h.CreatedAt,
			URL:         fmt.Sprintf("/v1/sessions/%s/downloads/%s", st.ID, h.ID),
		}
	}
	return out
}

func (s *Server) writeError(w http.ResponseWriter, err error, notice *workspace.Notice) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", observability.Error("error", err))
	}
	writeJSON(w, status, errorJSON{Error: err.Error(), Notice: notice})
}

func statusOf(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, publish.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, publish.ErrRevoked):
		return http.StatusGone
	case errors.Is(err, workspace.ErrClosed):
		return http.StatusGone
	case errors.Is(err, workspace.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, workspace.ErrUnavailable), errors.Is(err, engine.ErrOverloaded):
		return http.StatusServiceUnavailable
	case errors.Is(err, staging.ErrNotPDF), errors.Is(err, staging.ErrMalformed):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, workspace.ErrInput):
		return http.StatusBadRequest
	case errors.Is(err, workspace.ErrProcessing):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writePDF(w http.ResponseWriter, filename string, data []byte) {
	w.Header().Set("Content-Type", staging.ContentTypePDF)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return &workspace.InputError{Op: "decode", Err: err}
	}
	return nil
}

// decodeOptional is decodeJSON that accepts an empty body.
func decodeOptional(r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	if err := decodeJSON(r, v); err != nil {
		var in *workspace.InputError
		if errors.As(err, &in) && errors.Is(in.Err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

func pathIndex(r *http.Request, name string) (int, error) {
	n, err := strconv.Atoi(r.PathValue(name))
	if err != nil {
		return 0, &workspace.InputError{Op: "index", Err: staging.ErrIndex}
	}
	return n, nil
}

// readUploads reads every part of the multipart field in selection order.
func readUploads(r *http.Request, field string) ([]staging.Upload, error) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, err
		}
		return nil, &workspace.InputError{Op: "upload", Err: err}
	}
	headers := r.MultipartForm.File[field]
	uploads := make([]staging.Upload, 0, len(headers))
	for _, fh := range headers {
		data, err := readPart(fh)
		if err != nil {
			return nil, &workspace.InputError{Op: "upload", Err: err}
		}
		ct := fh.Header.Get("Content-Type")
		if ct == "application/octet-stream" {
			ct = ""
		}
		uploads = append(uploads, staging.Upload{Name: fh.Filename, ContentType: ct, Data: data})
	}
	return uploads, nil
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
