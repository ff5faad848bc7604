// ABOUTME: HTTP routes for key generation, uploads, downloads and status polling
// ABOUTME: Streams multipart uploads into the scratch directory before handing them to the upload service

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/2389/bookdrop/internal/assets"
	"github.com/2389/bookdrop/internal/convert"
	"github.com/2389/bookdrop/internal/device"
	"github.com/2389/bookdrop/internal/download"
	"github.com/2389/bookdrop/internal/session"
	"github.com/2389/bookdrop/internal/store"
	"github.com/2389/bookdrop/internal/upload"
)

const (
	// maxFieldSize caps the text fields of an upload form.
	maxFieldSize = 4096
	// formOverhead is allowed on top of the file payload for multipart framing.
	formOverhead = 1 << 20
)

// routes builds the chi router for every HTTP endpoint.
func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.GetHead)
	r.Use(g.logRequests)

	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)

	r.Get("/", g.handleIndex)
	r.Handle("/static/*", http.StripPrefix("/static/", assets.FileServer()))

	r.Get("/generate", g.handleGenerate)
	r.Post("/generate", g.handleGenerate)
	r.Post("/upload", g.handleUpload)
	r.Get("/download/{key}", g.handleDownload)
	r.Get("/download/{key}/{filename}", g.handleDownload)
	r.Delete("/file/{key}", g.handleClear)
	r.Get("/status/{key}", g.handleStatus)

	return r
}

// logRequests logs each request at debug level once it completes.
func (g *Gateway) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		g.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}

// clientAddr returns the request's remote IP without the port.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// keyParam returns the normalized {key} URL parameter.
func keyParam(r *http.Request) string {
	return session.NormalizeKey(chi.URLParam(r, "key"))
}

// filenameParam returns the decoded {filename} URL parameter, or "" if absent.
func filenameParam(r *http.Request) string {
	name := chi.URLParam(r, "filename")
	// chi matches against RawPath when the request carried escapes that
	// differ from the default encoding.
	if r.URL.RawPath != "" {
		if decoded, err := url.PathUnescape(name); err == nil {
			name = decoded
		}
	}
	return name
}

func (g *Gateway) handleIndex(w http.ResponseWriter, r *http.Request) {
	assets.ServePage(w, assets.PageFor(device.Classify(r.UserAgent()).IsEReader()), upload.AllowedExtensions())
}

// handleGenerate allocates a key bound to the caller's user agent.
func (g *Gateway) handleGenerate(w http.ResponseWriter, r *http.Request) {
	agent := r.UserAgent()
	if agent == "" {
		http.Error(w, "missing user agent", http.StatusBadRequest)
		return
	}

	addr := clientAddr(r)
	if !g.throttle.Allow(addr) {
		g.logger.Warn("key generation throttled", "client", addr, "agent", agent)
		w.Header().Set("Retry-After", "60")
		http.Error(w, "too many keys requested, try again later", http.StatusTooManyRequests)
		return
	}

	key, err := g.sessions.Create(agent)
	if err != nil {
		g.logger.Error("failed to allocate key", "agent", agent, "error", err)
		if errors.Is(err, session.ErrKeyspaceExhausted) {
			http.Error(w, session.ErrKeyspaceExhausted.Error(), http.StatusServiceUnavailable)
			return
		}
		g.sendError(w, err)
		return
	}

	g.recordEvent(r.Context(), &store.Event{
		SessionKey: key,
		Action:     store.ActionGenerated,
		Device:     device.Classify(agent).String(),
		Detail:     map[string]any{"client": addr},
	})

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = io.WriteString(w, key)
}

// handleUpload accepts a multipart submission and reports a per-file summary.
func (g *Gateway) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, g.maxUploadBytes())

	req, err := g.readUpload(r)
	if err != nil {
		for _, f := range req.Files {
			g.discard(f.Path)
		}
		g.logger.Warn("rejected upload form", "client", clientAddr(r), "error", err)
		g.sendError(w, err)
		return
	}

	res, err := g.uploads.Handle(r.Context(), req)
	if res != nil {
		g.recordUpload(context.WithoutCancel(r.Context()), res)
	}
	if err != nil {
		status := statusFor(err)
		message := messageFor(err)
		if res != nil && len(res.Failed) > 0 {
			message = res.Summary()
		}
		http.Error(w, message, status)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, res.Summary())
}

// maxUploadBytes bounds a whole upload request body.
func (g *Gateway) maxUploadBytes() int64 {
	files := int64(max(g.config.Uploads.MaxFiles, 1))
	return files*(g.config.Uploads.MaxFileSize+1) + formOverhead
}

// readUpload parses the multipart form, spooling each file part into the
// scratch directory. The returned Request lists every spooled file even when
// an error is returned, so the caller can discard them.
func (g *Gateway) readUpload(r *http.Request) (upload.Request, error) {
	req := upload.Request{Flags: make(map[string]bool)}

	mr, err := r.MultipartReader()
	if err != nil {
		return req, fmt.Errorf("%w: %v", upload.ErrEmptySubmission, err)
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return req, fmt.Errorf("reading upload: %w", err)
		}

		switch name := part.FormName(); name {
		case "file":
			if part.FileName() == "" {
				break
			}
			f, err := g.spool(part)
			if f.Path != "" {
				req.Files = append(req.Files, f)
			}
			if err != nil {
				part.Close()
				return req, err
			}
		case "key":
			req.Key, err = readField(part)
		case "url":
			req.URL, err = readField(part)
		case convert.Kepubify, convert.Kindlegen, convert.PDFCropMargins:
			var v string
			v, err = readField(part)
			req.Flags[name] = truthy(v)
		}
		part.Close()
		if err != nil {
			return req, err
		}
	}

	req.Key = session.NormalizeKey(req.Key)
	return req, nil
}

// spool streams a file part into the scratch directory under a random name
// that keeps the client's extension. At most MaxFileSize+1 bytes are kept so
// the upload service can reject oversized files.
func (g *Gateway) spool(part *multipart.Part) (upload.File, error) {
	f := upload.File{
		Name:         part.FileName(),
		DeclaredType: part.Header.Get("Content-Type"),
		Path:         filepath.Join(g.config.Storage.ScratchDir, uuid.NewString()+strings.ToLower(filepath.Ext(part.FileName()))),
	}

	out, err := os.OpenFile(f.Path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		f.Path = ""
		return f, fmt.Errorf("creating upload file: %w", err)
	}

	limit := g.config.Uploads.MaxFileSize + 1
	n, copyErr := io.Copy(out, io.LimitReader(part, limit))
	closeErr := out.Close()
	f.Size = n
	if copyErr != nil {
		return f, fmt.Errorf("receiving %s: %w", f.Name, copyErr)
	}
	if closeErr != nil {
		return f, fmt.Errorf("writing upload file: %w", closeErr)
	}
	return f, nil
}

func readField(part *multipart.Part) (string, error) {
	b, err := io.ReadAll(io.LimitReader(part, maxFieldSize))
	if err != nil {
		return "", fmt.Errorf("reading form field %s: %w", part.FormName(), err)
	}
	return strings.TrimSpace(string(b)), nil
}

// truthy interprets a checkbox or boolean form value.
func truthy(v string) bool {
	switch strings.ToLower(v) {
	case "", "0", "false", "off", "no":
		return false
	default:
		return true
	}
}

func (g *Gateway) discard(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		g.logger.Warn("failed to remove upload file", "path", path, "error", err)
	}
}

// recordDenied logs a device request whose user agent did not match the key.
func (g *Gateway) recordDenied(r *http.Request, key, route string) {
	g.recordEvent(r.Context(), &store.Event{
		SessionKey: key,
		Action:     store.ActionDenied,
		Device:     device.Classify(r.UserAgent()).String(),
		Detail:     map[string]any{"route": route, "client": clientAddr(r)},
	})
}

// handleDownload serves the named artifact, or the newest when no name is given.
func (g *Gateway) handleDownload(w http.ResponseWriter, r *http.Request) {
	key := keyParam(r)
	d, err := g.downloads.Open(key, r.UserAgent(), filenameParam(r))
	if err != nil {
		if errors.Is(err, download.ErrDenied) {
			g.recordDenied(r, key, "download")
		}
		g.sendError(w, err)
		return
	}
	defer d.Close()

	w.Header().Set("Content-Type", d.ContentType())
	w.Header().Set("Content-Disposition", d.ContentDisposition())
	w.Header().Set("Cache-Control", "private, no-cache")
	if etag := d.ETag(); etag != "" {
		w.Header().Set("ETag", etag)
	}

	if r.Method == http.MethodGet && r.Header.Get("Range") == "" {
		g.recordEvent(r.Context(), &store.Event{
			SessionKey: key,
			Action:     store.ActionDownloaded,
			Device:     d.Device.String(),
			Detail:     map[string]any{"file": d.Artifact.Name, "size": d.Artifact.Size},
		})
	}

	http.ServeContent(w, r, d.Artifact.Name, d.ModTime(), d.File)
}

// fileStatus describes one artifact in a status response.
type fileStatus struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Type     string    `json:"type"`
	Tool     string    `json:"tool,omitempty"`
	Uploaded time.Time `json:"uploaded"`
}

// statusResponse is the body of GET /status/{key}.
type statusResponse struct {
	Alive   time.Time    `json:"alive"`
	Created time.Time    `json:"created"`
	Files   []fileStatus `json:"files"`
	URLs    []string     `json:"urls"`
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	key := keyParam(r)
	snap, err := g.downloads.Status(key, r.UserAgent())
	if err != nil {
		if errors.Is(err, download.ErrDenied) {
			g.recordDenied(r, key, "status")
		}
		g.sendJSONError(w, statusFor(err), messageFor(err))
		return
	}

	resp := statusResponse{
		Alive:   snap.LastActivity,
		Created: snap.Created,
		Files:   make([]fileStatus, 0, len(snap.Artifacts)),
		URLs:    append(make([]string, 0, len(snap.URLs)), snap.URLs...),
	}
	for _, a := range snap.Artifacts {
		resp.Files = append(resp.Files, fileStatus{
			Name:     a.Name,
			Size:     a.Size,
			Type:     a.MIMEType,
			Tool:     a.Tool,
			Uploaded: a.Uploaded,
		})
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleClear removes every artifact on the key.
func (g *Gateway) handleClear(w http.ResponseWriter, r *http.Request) {
	key := keyParam(r)
	cleared, err := g.downloads.Clear(key, r.UserAgent())
	if err != nil {
		if errors.Is(err, download.ErrDenied) {
			g.recordDenied(r, key, "clear")
		}
		g.sendError(w, err)
		return
	}

	names := make([]string, 0, len(cleared))
	for _, a := range cleared {
		names = append(names, a.Name)
	}
	g.recordEvent(r.Context(), &store.Event{
		SessionKey: key,
		Action:     store.ActionCleared,
		Device:     device.Classify(r.UserAgent()).String(),
		Detail:     map[string]any{"files": names},
	})

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok")
}
