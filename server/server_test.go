package server

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/http2"

	"github.com/wudi/pdfdesk/convert"
	"github.com/wudi/pdfdesk/engine"
	"github.com/wudi/pdfdesk/engine/enginetest"
	"github.com/wudi/pdfdesk/observability"
	"github.com/wudi/pdfdesk/staging"
	"github.com/wudi/pdfdesk/workspace"
)

type part struct {
	name        string
	contentType string
	data        []byte
}

type harness struct {
	t      *testing.T
	engine *engine.Engine
	srv    *Server
	ts     *httptest.Server
	client *http.Client
	header http.Header
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	e := engine.New(engine.DefaultConfig())
	conv := convert.New(e, convert.Options{}, nil)
	srv := New(cfg, e, conv, opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Sessions().CloseAll()
	})
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	return &harness{t: t, engine: e, srv: srv, ts: ts, client: &http.Client{Jar: jar}, header: http.Header{}}
}

func (h *harness) do(method, path string, body io.Reader, contentType string) *http.Response {
	h.t.Helper()
	req, err := http.NewRequest(method, h.ts.URL+path, body)
	if err != nil {
		h.t.Fatal(err)
	}
	for k, v := range h.header {
		req.Header[k] = v
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	h.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (h *harness) json(method, path string, in any, wantStatus int, out any) {
	h.t.Helper()
	var body io.Reader
	ct := ""
	if in != nil {
		b, _ := json.Marshal(in)
		body, ct = bytes.NewReader(b), "application/json"
	}
	resp := h.do(method, path, body, ct)
	h.decode(resp, wantStatus, out)
}

func (h *harness) upload(path, field string, wantStatus int, out any, parts ...part) {
	h.t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	for _, p := range parts {
		hdr := textproto.MIMEHeader{}
		hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, p.name))
		hdr.Set("Content-Type", p.contentType)
		w, err := mw.CreatePart(hdr)
		if err != nil {
			h.t.Fatal(err)
		}
		_, _ = w.Write(p.data)
	}
	_ = mw.Close()
	resp := h.do(http.MethodPost, path, buf, mw.FormDataContentType())
	h.decode(resp, wantStatus, out)
}

func (h *harness) decode(resp *http.Response, wantStatus int, out any) {
	h.t.Helper()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != wantStatus {
		h.t.Fatalf("%s %s: status %d, want %d: %s", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, wantStatus, body)
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			h.t.Fatalf("decode %s: %v", body, err)
		}
	}
}

func (h *harness) download(url string) []byte {
	h.t.Helper()
	resp := h.do(http.MethodGet, url, nil, "")
	if resp.StatusCode != http.StatusOK {
		h.t.Fatalf("download %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatal(err)
	}
	return data
}

func pdfPart(name string, data []byte) part {
	return part{name: name, contentType: staging.ContentTypePDF, data: data}
}

func TestMergeFlow(t *testing.T) {
	h := newHarness(t, Config{})
	a := enginetest.Pages(t, h.engine, 100, 2)
	b := enginetest.Pages(t, h.engine, 300, 1)

	var sess sessionJSON
	h.json(http.MethodPost, "/v1/sessions", nil, http.StatusCreated, &sess)
	if sess.Mode != staging.ModeMerge {
		t.Fatalf("default mode = %s", sess.Mode)
	}
	base := "/v1/sessions/" + sess.ID

	h.upload(base+"/files", "files", http.StatusOK, &sess, pdfPart("a.pdf", a), pdfPart("b.pdf", b))
	if len(sess.Files) != 2 || sess.Files[0].Name != "a.pdf" {
		t.Fatalf("files = %+v", sess.Files)
	}
	h.json(http.MethodPost, base+"/files/move", map[string]int{"from": 1, "to": 0}, http.StatusOK, &sess)
	h.json(http.MethodPost, base+"/merge", nil, http.StatusOK, &sess)
	if sess.Notice == nil || sess.Notice.Message != "PDFs merged successfully!" {
		t.Fatalf("notice = %+v", sess.Notice)
	}
	res, ok := sess.Results[string(staging.ModeMerge)]
	if !ok || res.Filename != "merged.pdf" {
		t.Fatalf("results = %+v", sess.Results)
	}

	sizes := enginetest.Sizes(t, h.engine, h.download(res.URL))
	widths := []float64{}
	for _, s := range sizes {
		widths = append(widths, s.Width)
	}
	if fmt.Sprint(widths) != "[300 100 110]" {
		t.Fatalf("merged widths = %v", widths)
	}

	// A second merge revokes the first handle.
	first := res.URL
	h.json(http.MethodPost, base+"/merge", nil, http.StatusOK, &sess)
	resp := h.do(http.MethodGet, first, nil, "")
	if resp.StatusCode != http.StatusGone {
		t.Fatalf("revoked download status = %d", resp.StatusCode)
	}
}

func TestSplitFlow(t *testing.T) {
	h := newHarness(t, Config{})
	doc := enginetest.Pages(t, h.engine, 100, 5)

	var sess sessionJSON
	h.json(http.MethodPost, "/v1/sessions", map[string]string{"mode": "split"}, http.StatusCreated, &sess)
	base := "/v1/sessions/" + sess.ID
	h.upload(base+"/files", "files", http.StatusOK, &sess, pdfPart("doc.pdf", doc))
	if sess.TotalPages != 5 || sess.Range == nil || sess.Range.Start != 1 || sess.Range.End != 5 {
		t.Fatalf("after upload: total=%d range=%+v", sess.TotalPages, sess.Range)
	}

	h.json(http.MethodPut, base+"/range", map[string]int{"start": 4}, http.StatusOK, &sess)
	h.json(http.MethodPut, base+"/range", map[string]int{"end": 2}, http.StatusOK, &sess)
	if sess.Range.Start != 2 || sess.Range.End != 2 {
		t.Fatalf("crossed end should pull start down, got %+v", sess.Range)
	}
	h.json(http.MethodPut, base+"/range", map[string]int{"end": 9}, http.StatusBadRequest, nil)
	h.json(http.MethodPut, base+"/range", map[string]string{"pages": "3-"}, http.StatusOK, &sess)

	h.json(http.MethodPost, base+"/split", nil, http.StatusOK, &sess)
	res := sess.Results[string(staging.ModeSplit)]
	if res.Filename != "split-pages-3-to-5.pdf" {
		t.Fatalf("filename = %s", res.Filename)
	}
	sizes := enginetest.Sizes(t, h.engine, h.download(res.URL))
	if len(sizes) != 3 || sizes[0].Width != 120 || sizes[2].Width != 140 {
		t.Fatalf("split pages = %+v", sizes)
	}

	var pages struct {
		Count int `json:"count"`
	}
	h.json(http.MethodGet, base+"/files/0/pages", nil, http.StatusOK, &pages)
	if pages.Count != 5 {
		t.Fatalf("pages count = %d", pages.Count)
	}

	h.upload(base+"/files", "files", http.StatusBadRequest, nil, pdfPart("second.pdf", doc))
}

func TestUploadErrors(t *testing.T) {
	h := newHarness(t, Config{})
	var sess sessionJSON
	h.json(http.MethodPost, "/v1/sessions", nil, http.StatusCreated, &sess)
	base := "/v1/sessions/" + sess.ID

	h.upload(base+"/files", "files", http.StatusUnsupportedMediaType, nil,
		part{name: "notes.txt", contentType: "text/plain", data: []byte("hello")})
	h.json(http.MethodPost, base+"/merge", nil, http.StatusBadRequest, nil)
	h.json(http.MethodDelete, base+"/files/7", nil, http.StatusBadRequest, nil)
	h.json(http.MethodPut, base+"/range", map[string]int{"start": 1}, http.StatusBadRequest, nil)
	h.json(http.MethodPut, base+"/mode", map[string]string{"mode": "rotate"}, http.StatusBadRequest, nil)

	var failed errorJSON
	h.upload(base+"/files", "files", http.StatusOK, nil,
		pdfPart("good.pdf", enginetest.Pages(t, h.engine, 100, 1)),
		pdfPart("bad.pdf", enginetest.Corrupt()))
	h.json(http.MethodPost, base+"/merge", nil, http.StatusUnprocessableEntity, &failed)
	if failed.Notice == nil || failed.Notice.Level != "error" {
		t.Fatalf("expected error notice, got %+v", failed)
	}
	h.json(http.MethodGet, base, nil, http.StatusOK, &sess)
	if len(sess.Files) != 2 || len(sess.Results) != 0 {
		t.Fatalf("failed merge must keep files and publish nothing: %+v", sess)
	}
}

func TestSessionsAreOwned(t *testing.T) {
	h := newHarness(t, Config{})
	var sess sessionJSON
	h.json(http.MethodPost, "/v1/sessions", nil, http.StatusCreated, &sess)

	other := &http.Client{}
	resp, err := other.Get(h.ts.URL + "/v1/sessions/" + sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign session status = %d", resp.StatusCode)
	}

	h.json(http.MethodDelete, "/v1/sessions/"+sess.ID, nil, http.StatusNoContent, nil)
	h.json(http.MethodGet, "/v1/sessions/"+sess.ID, nil, http.StatusNotFound, nil)
}

func TestTokenAuth(t *testing.T) {
	h := newHarness(t, Config{}, WithAuthenticator(TokenAuthenticator{Tokens: map[string]string{"t1": "alice", "t2": "bob"}}))
	h.json(http.MethodPost, "/v1/sessions", nil, http.StatusUnauthorized, nil)

	h.header.Set("Authorization", "Bearer t1")
	var sess sessionJSON
	h.json(http.MethodPost, "/v1/sessions", nil, http.StatusCreated, &sess)
	h.json(http.MethodGet, "/v1/sessions/"+sess.ID, nil, http.StatusOK, nil)

	h.header.Set("Authorization", "Bearer t2")
	h.json(http.MethodGet, "/v1/sessions/"+sess.ID, nil, http.StatusNotFound, nil)
}

func TestCompressAndConvert(t *testing.T) {
	h := newHarness(t, Config{})
	doc := enginetest.Pages(t, h.engine, 100, 3)

	resp := func() *http.Response {
		buf := &bytes.Buffer{}
		mw := multipart.NewWriter(buf)
		fw, _ := mw.CreateFormFile("file", "report.pdf")
		_, _ = fw.Write(doc)
		_ = mw.Close()
		return h.do(http.MethodPost, "/v1/compress", buf, mw.FormDataContentType())
	}()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("compress status = %d", resp.StatusCode)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "compressed_report.pdf") {
		t.Fatalf("Content-Disposition = %q", cd)
	}
	out, _ := io.ReadAll(resp.Body)
	if n, err := h.engine.PageCount(context.Background(), out); err != nil || n != 3 {
		t.Fatalf("compressed pages = %d, %v", n, err)
	}

	var sess sessionJSON
	h.json(http.MethodPost, "/v1/sessions", nil, http.StatusCreated, &sess)
	h.upload("/v1/convert?session="+sess.ID, "images", http.StatusOK, &sess,
		part{name: "a.png", contentType: "image/png", data: enginetest.PNG(t, 40, 40)},
		part{name: "b.png", contentType: "image/png", data: enginetest.PNG(t, 50, 40)})
	if len(sess.Files) != 1 || sess.Files[0].Name != "converted.pdf" {
		t.Fatalf("converted file not staged: %+v", sess.Files)
	}
	h.upload("/v1/convert", "images", http.StatusBadRequest, nil,
		part{name: "x.txt", contentType: "text/plain", data: []byte("nope")})
}

func TestUploadLimit(t *testing.T) {
	h := newHarness(t, Config{MaxUploadBytes: 1024})
	var sess sessionJSON
	h.json(http.MethodPost, "/v1/sessions", nil, http.StatusCreated, &sess)
	h.upload("/v1/sessions/"+sess.ID+"/files", "files", http.StatusRequestEntityTooLarge, nil,
		pdfPart("big.pdf", append([]byte("%PDF-1.7\n"), make([]byte, 4096)...)))
}

func TestSweepExpiresIdleSessions(t *testing.T) {
	s := NewSessions(engine.New(engine.DefaultConfig()), time.Minute, nil, nil)
	s.Create("u", staging.ModeMerge)
	s.Create("v", staging.ModeSplit)

	s.now = func() time.Time { return time.Now().Add(30 * time.Second) }
	if n := s.Sweep(); n != 0 {
		t.Fatalf("swept %d sessions within ttl", n)
	}
	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if n := s.Sweep(); n != 2 {
		t.Fatalf("swept %d, want 2", n)
	}
	if s.Len() != 0 {
		t.Fatalf("%d sessions left", s.Len())
	}
}

func TestPollingKeepsSessionAlive(t *testing.T) {
	s := NewSessions(engine.New(engine.DefaultConfig()), 200*time.Millisecond, nil, nil)
	sess := s.Create("u", staging.ModeMerge)

	time.Sleep(150 * time.Millisecond)
	sess.ws.State()
	time.Sleep(150 * time.Millisecond)
	if n := s.Sweep(); n != 0 {
		t.Fatalf("polled session was swept")
	}
	time.Sleep(250 * time.Millisecond)
	if n := s.Sweep(); n != 1 {
		t.Fatalf("idle session not swept, got %d", n)
	}
}

func TestNoticesStayWithTheirRequest(t *testing.T) {
	n := requestNotifier{next: workspace.LogNotifier{Logger: observability.NopLogger{}}}
	merge := withNoticeSink(context.Background())
	split := withNoticeSink(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			n.Notify(merge, workspace.Notice{Level: workspace.LevelSuccess, Message: "merged"})
		}()
		go func() {
			defer wg.Done()
			n.Notify(split, workspace.Notice{Level: workspace.LevelError, Message: "split failed"})
		}()
	}
	wg.Wait()
	if got := noticeFrom(merge); got == nil || got.Message != "merged" {
		t.Fatalf("merge request notice = %+v", got)
	}
	if got := noticeFrom(split); got == nil || got.Message != "split failed" {
		t.Fatalf("split request notice = %+v", got)
	}
	if got := noticeFrom(context.Background()); got != nil {
		t.Fatalf("notice without a sink = %+v", got)
	}

	h := newHarness(t, Config{})
	var sess sessionJSON
	h.json(http.MethodPost, "/v1/sessions", nil, http.StatusCreated, &sess)
	base := "/v1/sessions/" + sess.ID
	h.upload(base+"/files", "files", http.StatusOK, &sess,
		pdfPart("a.pdf", enginetest.Pages(t, h.engine, 100, 1)),
		pdfPart("b.pdf", enginetest.Pages(t, h.engine, 200, 1)))
	h.json(http.MethodPost, base+"/merge", nil, http.StatusOK, &sess)
	if sess.Notice == nil {
		t.Fatalf("merge response lacks its notice")
	}
	var polled sessionJSON
	h.json(http.MethodGet, base, nil, http.StatusOK, &polled)
	if polled.Notice != nil {
		t.Fatalf("notice leaked into a later request: %+v", polled.Notice)
	}
}

func TestStatusOfEngineErrors(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{workspace.EngineError("merge", engine.ErrOverloaded), http.StatusServiceUnavailable},
		{workspace.EngineError("merge", context.Canceled), http.StatusServiceUnavailable},
		{workspace.EngineError("merge", engine.ErrCorrupt), http.StatusUnprocessableEntity},
		{workspace.ErrClosed, http.StatusGone},
	}
	for _, tc := range cases {
		if got := statusOf(tc.err); got != tc.want {
			t.Errorf("statusOf(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestH2C(t *testing.T) {
	h := newHarness(t, Config{H2C: true})
	client := &http.Client{Transport: &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}}
	resp, err := client.Get(h.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("h2c request: %v", err)
	}
	defer resp.Body.Close()
	if resp.ProtoMajor != 2 {
		t.Fatalf("proto = %s, want HTTP/2", resp.Proto)
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	e := engine.New(engine.DefaultConfig())
	srv := New(Config{}, e, convert.New(e, convert.Options{}, nil))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	srv.Sessions().Create("u", staging.ModeMerge)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	if srv.Sessions().Len() != 0 {
		t.Fatal("sessions not closed on shutdown")
	}
}
